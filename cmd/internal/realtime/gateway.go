package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"desk/cmd/identity"
	"desk/cmd/internal/chat"
	"desk/cmd/internal/ratelimit"
	v1 "desk/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var (
	errBadJSON    = errors.New("invalid JSON")
	errBadPayload = errors.New("invalid payload")
)

// ConversationService is the part of chat.Service the stream needs.
type ConversationService interface {
	AuthorizeRead(ctx context.Context, who identity.Identity, conversationID int64) (chat.Conversation, error)
	SendMessage(ctx context.Context, who identity.Identity, conversationID int64, content chat.Content) (chat.Message, error)
}

// Gateway is the websocket entrypoint.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits
// and heartbeats, and turns inbound frames into service and router calls.
// Failures are answered on the sender's error channel only.
type Gateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	auth    *Authenticator
	router  *Router
	chat    ConversationService
	metrics *Metrics

	// Inbound frame budget, one bucket per connection id.
	limits *ratelimit.Keyed

	// websocket.Accept authorizes same-host origins by default; cross-origin needs OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a Gateway. m may be nil.
func NewGateway(log *slog.Logger, cfg GatewayConfig, auth *Authenticator, router *Router, svc ConversationService, m *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if router == nil {
		router = NewRouter(log, m)
	}
	cfg = cfg.normalized()

	return &Gateway{
		log:            log,
		cfg:            cfg,
		auth:           auth,
		router:         router,
		chat:           svc,
		metrics:        m,
		limits:         ratelimit.New(cfg.RateEvents, cfg.RateWindow),
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket connection and runs its loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	c, err := NewConn(g.cfg.SendQueueSize)
	if err != nil {
		g.log.Error("ws.conn.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// A credential on the upgrade request must be valid; none at all defers to hello.
	if raw, present := CredentialFromRequest(r); present {
		if _, err := g.auth.Authenticate(r.Context(), c, raw); err != nil {
			g.metrics.authFailed("upgrade")
			if !identity.IsUnauthenticated(err) {
				g.log.Error("ws.auth.fail", "err", err, "remote", r.RemoteAddr)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			g.log.Info("ws.reject.auth", "reason", identity.Message(err), "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	g.metrics.connOpened()
	defer g.metrics.connClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Routing entries go before the socket does;
	// c.Send stays open so in-flight publishes cannot panic.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.Close()
			g.router.UnsubscribeAll(c)
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	if !c.Authenticated() {
		timer := time.AfterFunc(g.cfg.AuthTimeout, func() {
			if c.Authenticated() {
				return
			}
			g.metrics.authFailed("timeout")
			g.log.Info("ws.auth.timeout", "connection_id", c.ID)
			shutdown(websocket.StatusPolicyViolation, "authentication timeout")
		})
		defer timer.Stop()
	}

	who, _ := c.Identity()
	g.log.Info("ws.open", "connection_id", c.ID, "user_id", who.Subject, "role", string(who.Role))

	defer g.limits.Forget(c.ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case env := <-c.Send:
				if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", c.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// A frame or a pong keeps the connection alive; listen-only peers stay
	// open as long as they answer pings.
	seen := newLastSeen(time.Now())

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", c.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				} else {
					failures = 0
					seen.touch()
				}

				if idle := seen.since(time.Now()); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle.timeout", "connection_id", c.ID, "idle", idle)
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}
			}
		}
	}()

readLoop:
	for {
		env, err := readEnvelope(ctx, ws)
		if err == nil || errors.Is(err, errBadJSON) {
			seen.touch()
		}

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(c, "", v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", c.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if ok, _ := g.limits.Allow(c.ID, time.Now().UTC()); !ok {
			g.sendError(c, env.ID, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(c, env.ID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		if !c.Authenticated() && env.Type != v1.TypeHello {
			g.sendError(c, env.ID, v1.CodeUnauthenticated, "authenticate first")
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeHello:
			herr = g.onHello(ctx, c, env)
		case v1.TypeConversationJoin:
			herr = g.onJoin(ctx, c, env)
		case v1.TypeConversationLeave:
			herr = g.onLeave(c, env)
		case v1.TypeOperatorSubscribe:
			herr = g.onOperatorSubscribe(c)
		case v1.TypeMessageSend:
			herr = g.onSend(ctx, c, env)
		default:
			g.sendError(c, env.ID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}
		if herr != nil {
			g.fail(c, env, herr)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	who, _ = c.Identity()
	g.log.Info("ws.close", "connection_id", c.ID, "user_id", who.Subject)
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, c *Conn, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	who, ok := c.Identity()
	if !ok {
		var err error
		who, err = g.auth.Authenticate(ctx, c, p.Token)
		if err != nil {
			g.metrics.authFailed("hello")
			return err
		}
		g.log.Info("ws.auth.hello", "connection_id", c.ID, "user_id", who.Subject, "role", string(who.Role))
	}

	return g.reply(c, v1.TypeHelloAck, "", v1.HelloAckPayload{
		ConnectionID: c.ID,
		UserID:       who.Subject,
		Role:         string(who.Role),
		SessionID:    who.SessionID,
	})
}

func (g *Gateway) onJoin(ctx context.Context, c *Conn, env v1.Envelope) error {
	const op = "realtime.onJoin"

	var p v1.ConversationJoinPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.ConversationID <= 0 {
		return identity.Invalid(op, "missing conversation_id")
	}

	who, _ := c.Identity()
	conv, err := g.chat.AuthorizeRead(ctx, who, p.ConversationID)
	if err != nil {
		return err
	}

	ch := v1.ConversationChannel(conv.ID)
	if err := g.router.Subscribe(c, ch); err != nil {
		return err
	}

	view := chat.ToConversationView(conv)
	return g.reply(c, v1.TypeConversationJoin, ch, v1.ConversationJoinPayload{
		ConversationID: conv.ID,
		Conversation:   &view,
	})
}

func (g *Gateway) onLeave(c *Conn, env v1.Envelope) error {
	const op = "realtime.onLeave"

	var p v1.ConversationLeavePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.ConversationID <= 0 {
		return identity.Invalid(op, "missing conversation_id")
	}

	ch := v1.ConversationChannel(p.ConversationID)
	g.router.Unsubscribe(c, ch)
	return g.reply(c, v1.TypeConversationLeave, ch, p)
}

func (g *Gateway) onOperatorSubscribe(c *Conn) error {
	if err := g.router.Subscribe(c, v1.OperatorFeed); err != nil {
		return err
	}
	return g.reply(c, v1.TypeOperatorSubscribe, v1.OperatorFeed, v1.OperatorSubscribePayload{})
}

func (g *Gateway) onSend(ctx context.Context, c *Conn, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}

	// Identity comes from the connection, never the payload.
	who, _ := c.Identity()
	msg, err := g.chat.SendMessage(ctx, who, p.ConversationID, chat.Content{
		Text:          p.Text,
		AttachmentRef: p.AttachmentRef,
	})
	if err != nil {
		return err
	}

	return g.reply(c, v1.TypeMessageAck, v1.ConversationChannel(msg.ConversationID), v1.MessageAckPayload{
		ConversationID: msg.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		MessageID:      msg.ID,
		SendTime:       msg.SendTime,
	})
}

// ---- send helpers ----

// fail converts a handler error into an error frame for the sender.
func (g *Gateway) fail(c *Conn, env v1.Envelope, err error) {
	if identity.IsDelivery(err) {
		// The sender's own queue is full; an error frame would not fit either.
		return
	}

	code, msg := errorCode(err)
	if code == v1.CodeInternal {
		g.log.Error("ws.handler.fail", "connection_id", c.ID, "type", env.Type, "err", err)
	}
	g.sendError(c, env.ID, code, msg)
}

func errorCode(err error) (code, msg string) {
	msg = identity.Message(err)

	switch {
	case errors.Is(err, errBadPayload):
		return v1.CodeBadEnvelope, err.Error()
	case identity.IsUnauthenticated(err):
		return v1.CodeUnauthenticated, orDefault(msg, "unauthenticated")
	case identity.IsForbidden(err):
		return v1.CodeForbidden, orDefault(msg, "forbidden")
	case identity.IsNotFound(err):
		return v1.CodeNotFound, orDefault(msg, "not found")
	case identity.IsInvalidInput(err), errors.Is(err, identity.ErrConflict):
		return v1.CodeValidation, orDefault(msg, "invalid request")
	default:
		return v1.CodeInternal, "internal error"
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (g *Gateway) sendError(c *Conn, refID, code, msg string) {
	_ = g.router.SendDirect(c, v1.ErrorEvent{ErrorPayload: v1.ErrorPayload{
		Code:    code,
		Message: msg,
		RefID:   refID,
	}})
}

func (g *Gateway) reply(c *Conn, typ string, ch v1.Channel, payload any) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(now),
		Channel: ch,
		TS:      now,
		Payload: p,
	}
	if !g.router.deliver(c, env) {
		return identity.OpError{Op: "realtime.reply", Kind: identity.ErrDelivery, Msg: typ}
	}
	return nil
}

// ---- envelope IO ----

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the allowlisted hosts as
// websocket.Accept OriginPatterns, so both origin checks agree.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		// "*" is also a valid websocket.Accept pattern matching any host.
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"desk/cmd/identity"
	"desk/cmd/internal/auth/session"
	"desk/cmd/internal/chat"
	v1 "desk/shared/contracts/chat/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

type gatewayEnv struct {
	gateway  *Gateway
	sessions *session.Service
	chat     *chat.Service
	router   *Router
	server   *httptest.Server
}

func newGatewayEnv(t *testing.T, mutate func(*GatewayConfig)) *gatewayEnv {
	t.Helper()

	log := quietLogger()

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	sessions := session.NewService(scfg, session.NewMemoryStore(), tokens)

	router := NewRouter(log, nil)
	svc := chat.NewService(chat.DefaultConfig(), log, chat.NewInMemoryStore(), router)

	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	if mutate != nil {
		mutate(&cfg)
	}

	gw := NewGateway(log, cfg, NewAuthenticator(sessions), router, svc, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &gatewayEnv{gateway: gw, sessions: sessions, chat: svc, router: router, server: ts}
}

func (e *gatewayEnv) token(t *testing.T, subject string, role identity.Role) string {
	t.Helper()
	issued, err := e.sessions.IssueSession(context.Background(), time.Now().UTC(), subject, role)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	return issued.AccessToken
}

func (e *gatewayEnv) who(t *testing.T, token string) identity.Identity {
	t.Helper()
	who, err := e.sessions.Authenticate(context.Background(), token, time.Now().UTC())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return who
}

func (e *gatewayEnv) dial(t *testing.T, bearer string, query url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(e.server.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = query.Encode()

	h := http.Header{}
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	}
	return conn, resp, err
}

func (e *gatewayEnv) mustDial(t *testing.T, bearer string) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dial(t, bearer, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, id, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxFrames int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxFrames; i++ {
		env := readFrame(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive %q within %d frames", typ, maxFrames)
	return v1.Envelope{}
}

func decodeError(t *testing.T, env v1.Envelope) v1.ErrorPayload {
	t.Helper()
	if env.Type != v1.TypeError {
		t.Fatalf("expected error frame, got %q", env.Type)
	}
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

func hello(t *testing.T, conn *websocket.Conn, token string) v1.HelloAckPayload {
	t.Helper()
	writeFrame(t, conn, "hello-1", v1.TypeHello, v1.HelloPayload{Token: token})
	env := readUntilType(t, conn, v1.TypeHelloAck, 4)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	return p
}

func join(t *testing.T, conn *websocket.Conn, convID int64) {
	t.Helper()
	writeFrame(t, conn, "join", v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: convID})
	env := readUntilType(t, conn, v1.TypeConversationJoin, 4)
	if env.Channel != v1.ConversationChannel(convID) {
		t.Fatalf("join echo on %q", env.Channel)
	}
}

func TestGateway_InvalidUpgradeCredentialRejected(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, nil)

	cases := []struct {
		name   string
		bearer string
		query  url.Values
	}{
		{name: "header", bearer: "not-a-valid-token"},
		{name: "query", query: url.Values{"access_token": {"v4.public.garbage"}}},
	}

	for _, tc := range cases {
		_, resp, err := env.dial(t, tc.bearer, tc.query)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("%s: expected handshake failure", tc.name)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			t.Fatalf("%s: expected 401, got status=%d err=%v", tc.name, status, err)
		}
	}
}

func TestGateway_RevokedSessionRejectedAtUpgrade(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, nil)
	tok := env.token(t, "cust-1", identity.RoleCustomer)
	who := env.who(t, tok)

	if err := env.sessions.RevokeSession(context.Background(), time.Now().UTC(), who.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	_, resp, err := env.dial(t, tok, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked session, err=%v", err)
	}
}

func TestGateway_HelloAuthenticatesAfterUnauthenticatedFrames(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, nil)
	conn := env.mustDial(t, "")

	writeFrame(t, conn, "early-join", v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: 1})
	early := readFrame(t, conn)
	p := decodeError(t, early)
	if p.Code != v1.CodeUnauthenticated || p.RefID != "early-join" {
		t.Fatalf("unexpected error frame: %+v", p)
	}

	writeFrame(t, conn, "bad-hello", v1.TypeHello, v1.HelloPayload{Token: "nope"})
	if p := decodeError(t, readFrame(t, conn)); p.Code != v1.CodeUnauthenticated {
		t.Fatalf("bad hello: unexpected code %q", p.Code)
	}

	tok := env.token(t, "op-1", identity.RoleOperator)
	ack := hello(t, conn, tok)
	if ack.UserID != "op-1" || ack.Role != string(identity.RoleOperator) || ack.ConnectionID == "" {
		t.Fatalf("unexpected hello ack: %+v", ack)
	}
	if early.Channel != v1.ErrorChannel(ack.ConnectionID) {
		t.Fatalf("error frame on %q, want %q", early.Channel, v1.ErrorChannel(ack.ConnectionID))
	}

	// A second hello re-acks the bound identity; the token is ignored.
	other := env.token(t, "op-2", identity.RoleOperator)
	if again := hello(t, conn, other); again.UserID != "op-1" {
		t.Fatalf("identity rebound to %q", again.UserID)
	}
}

func TestGateway_AuthTimeoutClosesConnection(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, func(c *GatewayConfig) { c.AuthTimeout = 150 * time.Millisecond })
	conn := env.mustDial(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected connection to close")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want policy violation (err=%v)", got, err)
	}
}

func TestGateway_OperatorsReceiveMessagesInOrder(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, nil)
	ctx := context.Background()

	custTok := env.token(t, "cust-42", identity.RoleCustomer)
	conv, _, err := env.chat.StartConversation(ctx, env.who(t, custTok), "Help", nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	op1 := env.mustDial(t, env.token(t, "op-1", identity.RoleOperator))
	op2 := env.mustDial(t, env.token(t, "op-2", identity.RoleOperator))
	join(t, op1, conv.ID)
	join(t, op2, conv.ID)

	cust := env.mustDial(t, custTok)
	for i, text := range []string{"hi", "there"} {
		writeFrame(t, cust, "send-"+text, v1.TypeMessageSend, v1.MessageSendPayload{
			ConversationID: conv.ID,
			ClientMsgID:    "c" + text,
			Text:           text,
		})
		ackEnv := readUntilType(t, cust, v1.TypeMessageAck, 4)
		var ack v1.MessageAckPayload
		if err := json.Unmarshal(ackEnv.Payload, &ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		if ack.ClientMsgID != "c"+text || ack.ConversationID != conv.ID || ack.MessageID <= 0 {
			t.Fatalf("unexpected ack %d: %+v", i, ack)
		}
	}

	for name, op := range map[string]*websocket.Conn{"op1": op1, "op2": op2} {
		var got []string
		for len(got) < 2 {
			e := readUntilType(t, op, v1.TypeMessageNew, 4)
			ev, err := v1.DecodeEvent(e)
			if err != nil {
				t.Fatalf("%s: decode: %v", name, err)
			}
			mc := ev.(v1.MessageCreated)
			if mc.Message.SenderID != "cust-42" || mc.Message.SenderRole != string(identity.RoleCustomer) {
				t.Fatalf("%s: unexpected sender %+v", name, mc.Message)
			}
			got = append(got, mc.Message.Text)
		}
		if strings.Join(got, ",") != "hi,there" {
			t.Fatalf("%s: timeline %v, want [hi there]", name, got)
		}
	}
}

func TestGateway_FailuresAnsweredToSenderOnly(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, nil)
	ctx := context.Background()

	ownerTok := env.token(t, "cust-a", identity.RoleCustomer)
	conv, _, err := env.chat.StartConversation(ctx, env.who(t, ownerTok), "mine", nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	owner := env.mustDial(t, ownerTok)
	join(t, owner, conv.ID)

	intruder := env.mustDial(t, env.token(t, "cust-b", identity.RoleCustomer))

	cases := []struct {
		name     string
		typ      string
		payload  any
		wantCode string
	}{
		{"join foreign", v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conv.ID}, v1.CodeForbidden},
		{"send foreign", v1.TypeMessageSend, v1.MessageSendPayload{ConversationID: conv.ID, Text: "hey"}, v1.CodeForbidden},
		{"join missing", v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: conv.ID + 100}, v1.CodeNotFound},
		{"empty message", v1.TypeMessageSend, v1.MessageSendPayload{ConversationID: conv.ID, Text: "  "}, v1.CodeValidation},
		{"bad payload", v1.TypeMessageSend, "not an object", v1.CodeBadEnvelope},
		{"operator feed", v1.TypeOperatorSubscribe, v1.OperatorSubscribePayload{}, v1.CodeForbidden},
		{"server-only type", v1.TypeMessageNew, struct{}{}, v1.CodeUnsupported},
	}

	for _, tc := range cases {
		writeFrame(t, intruder, tc.name, tc.typ, tc.payload)
		p := decodeError(t, readFrame(t, intruder))
		if p.Code != tc.wantCode || p.RefID != tc.name {
			t.Fatalf("%s: got %+v want code %q", tc.name, p, tc.wantCode)
		}
	}

	// The owner's stream is untouched: the next frame it sees is its own message.
	writeFrame(t, owner, "own", v1.TypeMessageSend, v1.MessageSendPayload{ConversationID: conv.ID, Text: "still here"})
	first := readFrame(t, owner)
	if first.Type != v1.TypeMessageNew {
		t.Fatalf("owner saw %q first; failures leaked to other subscribers", first.Type)
	}
}

func TestGateway_OperatorFeed(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, nil)

	op := env.mustDial(t, env.token(t, "op-1", identity.RoleOperator))
	writeFrame(t, op, "sub", v1.TypeOperatorSubscribe, v1.OperatorSubscribePayload{})
	if echo := readFrame(t, op); echo.Type != v1.TypeOperatorSubscribe || echo.Channel != v1.OperatorFeed {
		t.Fatalf("unexpected subscribe echo: %+v", echo)
	}

	custTok := env.token(t, "cust-1", identity.RoleCustomer)
	conv, _, err := env.chat.StartConversation(context.Background(), env.who(t, custTok), "Help", nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	e := readUntilType(t, op, v1.TypeConversationNew, 4)
	ev, err := v1.DecodeEvent(e)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	created := ev.(v1.ConversationCreated)
	if created.Conversation.ID != conv.ID || created.Conversation.Title != "Help" || created.Conversation.Status != "new" {
		t.Fatalf("unexpected conversation_new: %+v", created.Conversation)
	}

	// Leaving stops delivery for that conversation.
	join(t, op, conv.ID)
	writeFrame(t, op, "leave", v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: conv.ID})
	readUntilType(t, op, v1.TypeConversationLeave, 2)
	if n := env.router.Subscribers(v1.ConversationChannel(conv.ID)); n != 0 {
		t.Fatalf("expected no subscribers after leave, got %d", n)
	}
}

func TestGateway_QueryCredentialAndCloseUnsubscribes(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, nil)
	ctx := context.Background()

	custTok := env.token(t, "cust-q", identity.RoleCustomer)
	conv, _, err := env.chat.StartConversation(ctx, env.who(t, custTok), "q", nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	conn, resp, err := env.dial(t, "", url.Values{"access_token": {custTok}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial with query credential: %v", err)
	}
	join(t, conn, conv.ID)

	_ = conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(3 * time.Second)
	for env.router.Subscribers(v1.ConversationChannel(conv.ID)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription survived connection close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_ListenOnlyOperatorStaysConnected(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, func(c *GatewayConfig) {
		c.ReadIdleTimeout = 400 * time.Millisecond
		c.HeartbeatEvery = 100 * time.Millisecond
		c.HeartbeatTimeout = 100 * time.Millisecond
	})
	ctx := context.Background()

	custTok := env.token(t, "cust-1", identity.RoleCustomer)
	customer := env.who(t, custTok)
	conv, _, err := env.chat.StartConversation(ctx, customer, "quiet", nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	op := env.mustDial(t, env.token(t, "op-1", identity.RoleOperator))
	join(t, op, conv.ID)

	// The operator never writes again; reading keeps answering pings.
	frames := make(chan v1.Envelope, 8)
	go func() {
		defer close(frames)
		for {
			_, data, err := op.Read(context.Background())
			if err != nil {
				return
			}
			var e v1.Envelope
			if json.Unmarshal(data, &e) == nil {
				frames <- e
			}
		}
	}()

	time.Sleep(time.Second)

	if n := env.router.Subscribers(v1.ConversationChannel(conv.ID)); n != 1 {
		t.Fatalf("listen-only operator dropped from routing: subscribers=%d", n)
	}
	if _, err := env.chat.SendMessage(ctx, customer, conv.ID, chat.Content{Text: "anyone?"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case e, ok := <-frames:
		if !ok {
			t.Fatalf("server closed the listen-only connection")
		}
		if e.Type != v1.TypeMessageNew {
			t.Fatalf("unexpected frame %q", e.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("push never arrived")
	}
}

func TestGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, func(c *GatewayConfig) {
		c.RateEvents = 3
		c.RateWindow = time.Hour
	})
	conn := env.mustDial(t, env.token(t, "op-1", identity.RoleOperator))

	for i := 0; i < 3; i++ {
		writeFrame(t, conn, "j", v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: 999})
		if p := decodeError(t, readFrame(t, conn)); p.Code != v1.CodeNotFound {
			t.Fatalf("frame %d: unexpected code %q", i, p.Code)
		}
	}

	writeFrame(t, conn, "over", v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: 999})

	// The rate_limited frame races the close; either way the close code is policy violation.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%v want policy violation (err=%v)", got, err)
			}
			break
		}
		var e v1.Envelope
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p := decodeError(t, e); p.Code != v1.CodeRateLimited || p.RefID != "over" {
			t.Fatalf("unexpected error frame: %+v", p)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for env.gateway.limits.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection bucket outlived the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_SilentPeerIsDropped(t *testing.T) {
	t.Parallel()

	env := newGatewayEnv(t, func(c *GatewayConfig) {
		c.ReadIdleTimeout = 300 * time.Millisecond
		c.HeartbeatEvery = 100 * time.Millisecond
		c.HeartbeatTimeout = 50 * time.Millisecond
	})

	custTok := env.token(t, "cust-1", identity.RoleCustomer)
	conv, _, err := env.chat.StartConversation(context.Background(), env.who(t, custTok), "gone", nil)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	// After the join the client stops reading, so pings go unanswered.
	op := env.mustDial(t, env.token(t, "op-1", identity.RoleOperator))
	join(t, op, conv.ID)

	deadline := time.Now().Add(3 * time.Second)
	for env.router.Subscribers(v1.ConversationChannel(conv.ID)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("silent connection was never dropped")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOriginPolicy_Wildcard(t *testing.T) {
	t.Parallel()

	g := NewGateway(quietLogger(), GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"*"},
	}, nil, nil, nil, nil)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.net")
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("wildcard allowlist rejected origin: %v", err)
	}
	if got := strings.Join(g.originPatterns, ","); got != "*" {
		t.Fatalf("origin patterns=%q, want *", got)
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	g := NewGateway(quietLogger(), GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"https://desk.example.com", "http://localhost:3000"},
	}, nil, nil, nil, nil)

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"https://desk.example.com", true},
		{"http://desk.example.com:8443", true},
		{"http://localhost:5173", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if err := g.enforceOrigin(r); (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	if got := strings.Join(g.originPatterns, ","); got != "desk.example.com,localhost" {
		t.Fatalf("origin patterns=%q", got)
	}
}

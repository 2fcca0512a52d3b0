package opview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "desk/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthorized stops the Syncer: the server rejected the token, retrying will not help.
var ErrUnauthorized = errors.New("opview: unauthorized")

const maxFrameBytes = 1 << 20

// Config controls the Syncer.
type Config struct {
	PullInterval     time.Duration
	PageSize         int
	HistorySize      int
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the Syncer defaults.
func DefaultConfig() Config {
	return Config{
		PullInterval:     30 * time.Second,
		PageSize:         50,
		HistorySize:      50,
		MinBackoff:       500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.PullInterval <= 0 {
		c.PullInterval = def.PullInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = def.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.MinBackoff)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}

// Syncer feeds a Cache from the push stream and from periodic pulls.
type Syncer struct {
	log   *slog.Logger
	cfg   Config
	api   *Client
	cache *Cache
	sf    singleflight.Group

	onEvent func(v1.Event)

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[int64]struct{}
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithEventHook is called after every pushed event has been applied to the cache.
func WithEventHook(fn func(v1.Event)) Option {
	return func(s *Syncer) { s.onEvent = fn }
}

// NewSyncer constructs a Syncer.
func NewSyncer(log *slog.Logger, cfg Config, api *Client, cache *Cache, opts ...Option) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	s := &Syncer{log: log, cfg: cfg.normalized(), api: api, cache: cache}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run streams and pulls until ctx is done. It returns early only for ErrUnauthorized.
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.streamLoop(ctx) })
	g.Go(func() error { return s.pullLoop(ctx) })
	return g.Wait()
}

// Refresh pulls the conversation index and the history of every conversation
// back to what the cache already holds. A conversation seen for the first time
// gets its newest page only. Concurrent calls share one pull.
func (s *Syncer) Refresh(ctx context.Context) error {
	_, err, _ := s.sf.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

func (s *Syncer) refresh(ctx context.Context) error {
	var ids []int64
	for page := 1; ; page++ {
		p, err := s.api.ListConversations(ctx, "", page, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		s.cache.ApplyPull(p)
		for _, c := range p.Items {
			ids = append(ids, c.ID)
		}
		if len(p.Items) == 0 || p.LastPage() {
			break
		}
	}

	for _, id := range ids {
		if err := s.pullHistory(ctx, id); err != nil {
			return err
		}
		s.join(ctx, id)
	}

	s.log.Debug("opview.pull", "conversations", len(ids))
	return nil
}

// pullHistory fetches the newest history page and keeps walking older pages
// while a gap separates them from messages cached earlier.
func (s *Syncer) pullHistory(ctx context.Context, id int64) error {
	for page := 1; ; page++ {
		mp, err := s.api.ListMessages(ctx, id, page, s.cfg.HistorySize)
		if err != nil {
			return fmt.Errorf("list messages %d: %w", id, err)
		}
		more := s.cache.gapBelow(id, mp.Items)
		s.cache.ApplyHistory(id, mp.Items)
		if !more || mp.LastPage() {
			return nil
		}
	}
}

func (s *Syncer) pullLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PullInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("opview.pull.fail", "err", err)
			}
		}
	}
}

func (s *Syncer) streamLoop(ctx context.Context) error {
	backoff := s.cfg.MinBackoff
	for {
		connected, err := s.stream(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if connected {
			backoff = s.cfg.MinBackoff
		}

		s.log.Warn("opview.stream.down", "err", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
}

// stream runs one connection until it fails. connected reports whether the handshake completed.
func (s *Syncer) stream(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.api.Token())

	conn, resp, err := websocket.Dial(dialCtx, s.api.StreamURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, err
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxFrameBytes)

	if err := s.handshake(dialCtx, conn); err != nil {
		return false, err
	}

	s.attach(conn)
	defer s.detach(conn)
	s.log.Info("opview.stream.up", "url", s.api.StreamURL())

	if err := s.send(ctx, conn, v1.TypeOperatorSubscribe, v1.OperatorSubscribePayload{}); err != nil {
		return true, err
	}
	for _, id := range s.cache.IDs() {
		s.join(ctx, id)
	}

	// Pushes missed while disconnected are never replayed; re-pull instead.
	go func() {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("opview.pull.fail", "err", err)
		}
	}()

	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return true, err
		}
		s.handle(ctx, env)
	}
}

func (s *Syncer) handshake(ctx context.Context, conn *websocket.Conn) error {
	if err := s.send(ctx, conn, v1.TypeHello, v1.HelloPayload{}); err != nil {
		return err
	}
	for {
		var env v1.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		switch env.Type {
		case v1.TypeHelloAck:
			return nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Code == v1.CodeUnauthenticated {
				return ErrUnauthorized
			}
			return fmt.Errorf("opview: hello rejected: %s: %s", p.Code, p.Message)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageNew, v1.TypeConversationNew, v1.TypeConversationStatus:
		ev, err := v1.DecodeEvent(env)
		if err != nil {
			s.log.Warn("opview.stream.bad_event", "type", env.Type, "err", err)
			return
		}
		s.cache.ApplyPush(ev)
		switch e := ev.(type) {
		case v1.ConversationCreated:
			s.join(ctx, e.Conversation.ID)
		case v1.MessageCreated:
			s.join(ctx, e.Message.ConversationID)
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}

	case v1.TypeConversationJoin:
		var p v1.ConversationJoinPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.Conversation != nil {
			s.cache.ApplySnapshot(*p.Conversation)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		s.log.Warn("opview.stream.error", "code", p.Code, "message", p.Message, "ref_id", p.RefID)
	}
}

func (s *Syncer) attach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.joined = make(map[int64]struct{})
}

func (s *Syncer) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.joined = nil
	}
}

// join subscribes the live connection to a conversation once per connection.
func (s *Syncer) join(ctx context.Context, id int64) {
	if id <= 0 {
		return
	}
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.joined[id]; ok {
		s.mu.Unlock()
		return
	}
	s.joined[id] = struct{}{}
	s.mu.Unlock()

	if err := s.send(ctx, conn, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: id}); err != nil {
		s.log.Warn("opview.join.fail", "conversation_id", id, "err", err)
	}
}

func (s *Syncer) send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: newFrameID(now), TS: now, Payload: raw}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, env)
}

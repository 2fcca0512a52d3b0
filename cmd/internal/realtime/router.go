package realtime

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"desk/cmd/identity"
	v1 "desk/shared/contracts/chat/v1"
)

const routerShards = 32

// ErrChannelMismatch is returned by Publish when the event does not fit the channel's payload shape.
var ErrChannelMismatch = errors.New("realtime: event does not match channel")

// Router maps channels to subscribed connections and fans events out to them.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent Publish.
//   - Publish never blocks on a subscriber; a full queue drops the frame for that subscriber only.
//   - Publishes on one channel are serialized, so every subscriber sees them in publish order.
type Router struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	shards [routerShards]routerShard
}

type routerShard struct {
	mu       sync.Mutex
	channels map[v1.Channel]*channelState
}

type channelState struct {
	pubMu sync.Mutex

	mu      sync.RWMutex
	members map[string]*Conn
}

// NewRouter constructs a Router. m may be nil.
func NewRouter(log *slog.Logger, m *Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{log: log, metrics: m, now: func() time.Time { return time.Now().UTC() }}
	for i := range r.shards {
		r.shards[i].channels = make(map[v1.Channel]*channelState)
	}
	return r
}

func (r *Router) shard(ch v1.Channel) *routerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ch))
	return &r.shards[h.Sum32()%routerShards]
}

// Subscribe adds c to ch. It is idempotent.
//
// Only authenticated connections may subscribe, the operator feed requires the
// operator role, and error channels are never subscribable.
func (r *Router) Subscribe(c *Conn, ch v1.Channel) error {
	const op = "realtime.Subscribe"

	if c == nil {
		return identity.Invalid(op, "nil connection")
	}
	who, ok := c.Identity()
	if !ok {
		return identity.Unauthenticated(op, "authenticate first")
	}
	if c.Closed() {
		return identity.OpError{Op: op, Kind: identity.ErrDelivery, Msg: "connection closing"}
	}

	switch ch.Kind() {
	case v1.ChannelConversation:
	case v1.ChannelOperatorFeed:
		if !who.IsOperator() {
			return identity.Forbidden(op, "operator feed requires the operator role")
		}
	default:
		return identity.Invalid(op, "channel is not subscribable")
	}

	s := r.shard(ch)
	s.mu.Lock()
	st, ok := s.channels[ch]
	if !ok {
		st = &channelState{members: make(map[string]*Conn)}
		s.channels[ch] = st
	}
	st.mu.Lock()
	_, existed := st.members[c.ID]
	st.members[c.ID] = c
	st.mu.Unlock()
	s.mu.Unlock()

	if !existed && c.track(ch) {
		r.metrics.subscribed(1)
		r.log.Debug("router.subscribe", "connection_id", c.ID, "channel", string(ch), "user_id", who.Subject)
	}

	// Close may have raced UnsubscribeAll; never leave a closed connection routed.
	if c.Closed() {
		r.Unsubscribe(c, ch)
		return identity.OpError{Op: op, Kind: identity.ErrDelivery, Msg: "connection closing"}
	}
	return nil
}

// Unsubscribe removes c from ch. Unknown pairs are ignored.
func (r *Router) Unsubscribe(c *Conn, ch v1.Channel) {
	if c == nil {
		return
	}

	s := r.shard(ch)
	s.mu.Lock()
	if st, ok := s.channels[ch]; ok {
		st.mu.Lock()
		delete(st.members, c.ID)
		empty := len(st.members) == 0
		st.mu.Unlock()
		if empty {
			delete(s.channels, ch)
		}
	}
	s.mu.Unlock()

	if c.untrack(ch) {
		r.metrics.subscribed(-1)
		r.log.Debug("router.unsubscribe", "connection_id", c.ID, "channel", string(ch))
	}
}

// UnsubscribeAll removes c from every channel it joined.
func (r *Router) UnsubscribeAll(c *Conn) {
	if c == nil {
		return
	}
	for _, ch := range c.Channels() {
		r.Unsubscribe(c, ch)
	}
}

// Subscribers returns the number of connections subscribed to ch.
func (r *Router) Subscribers(ch v1.Channel) int {
	st := r.lookup(ch)
	if st == nil {
		return 0
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.members)
}

func (r *Router) lookup(ch v1.Channel) *channelState {
	s := r.shard(ch)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[ch]
}

// Publish delivers ev to every subscriber of ch.
//
// Per-subscriber delivery failures are logged and counted, never returned:
// a publish with partial delivery is still a successful publish.
func (r *Router) Publish(ctx context.Context, ch v1.Channel, ev v1.Event) error {
	if !ch.Accepts(ev) {
		return ErrChannelMismatch
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.metrics.published(ch.Kind().String())

	st := r.lookup(ch)
	if st == nil {
		return nil
	}

	st.pubMu.Lock()
	defer st.pubMu.Unlock()

	now := r.now()
	env, err := v1.EncodeEvent(ch, ev, newEnvelopeID(now), now)
	if err != nil {
		return err
	}

	st.mu.RLock()
	members := make([]*Conn, 0, len(st.members))
	for _, c := range st.members {
		members = append(members, c)
	}
	st.mu.RUnlock()

	for _, c := range members {
		r.deliver(c, env)
	}
	return nil
}

// SendDirect delivers ev on c's private error channel.
// It reports identity.ErrDelivery when the frame could not be queued.
func (r *Router) SendDirect(c *Conn, ev v1.Event) error {
	if c == nil {
		return identity.Invalid("realtime.SendDirect", "nil connection")
	}
	ch := c.ErrorChannel()
	if !ch.Accepts(ev) {
		return ErrChannelMismatch
	}

	now := r.now()
	env, err := v1.EncodeEvent(ch, ev, newEnvelopeID(now), now)
	if err != nil {
		return err
	}
	if !r.deliver(c, env) {
		return identity.OpError{Op: "realtime.SendDirect", Kind: identity.ErrDelivery}
	}
	return nil
}

func (r *Router) deliver(c *Conn, env v1.Envelope) bool {
	if c.enqueue(env) {
		r.metrics.delivered()
		return true
	}

	reason := "queue_full"
	if c.Closed() {
		reason = "closed"
	}
	r.metrics.deliveryFailed(reason)
	r.log.Warn("router.delivery.drop",
		"connection_id", c.ID,
		"channel", string(env.Channel),
		"type", env.Type,
		"reason", reason,
	)
	return false
}

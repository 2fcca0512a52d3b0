package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"desk/cmd/identity"
	"desk/cmd/identity/ids"
	v1 "desk/shared/contracts/chat/v1"
)

// Conn represents one connected stream.
//
// Send is never closed by the server, so concurrent publishers cannot panic on it;
// done signals the writer goroutine to stop. Close is idempotent.
type Conn struct {
	ID   string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	who      identity.Identity
	bound    bool
	channels map[v1.Channel]struct{}
}

// NewConn constructs a Conn with a ULID id and a bounded send queue.
func NewConn(sendQueueSize int) (*Conn, error) {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &Conn{
		ID:       id,
		Send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
		channels: make(map[v1.Channel]struct{}),
	}, nil
}

// Identity returns the identity bound to the connection, if any.
func (c *Conn) Identity() (identity.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.who, c.bound
}

// Authenticated reports whether an identity has been bound.
func (c *Conn) Authenticated() bool {
	_, ok := c.Identity()
	return ok
}

// ErrorChannel is the connection's private error channel.
func (c *Conn) ErrorChannel() v1.Channel {
	return v1.ErrorChannel(c.ID)
}

// Channels returns the channels the connection is subscribed to, sorted.
func (c *Conn) Channels() []v1.Channel {
	c.mu.RLock()
	out := make([]v1.Channel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// bind attaches who to the connection. It succeeds once.
func (c *Conn) bind(who identity.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bound {
		return identity.OpError{Op: "realtime.bind", Kind: identity.ErrConflict, Msg: "connection already authenticated"}
	}
	c.who = who
	c.bound = true
	return nil
}

func (c *Conn) track(ch v1.Channel) (added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[ch]; ok {
		return false
	}
	c.channels[ch] = struct{}{}
	return true
}

func (c *Conn) untrack(ch v1.Channel) (removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[ch]; !ok {
		return false
	}
	delete(c.channels, ch)
	return true
}

// enqueue never blocks. It reports false when the queue is full or the connection is closing.
func (c *Conn) enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// lastSeen records when the peer last proved it was alive.
type lastSeen struct{ nanos atomic.Int64 }

func newLastSeen(now time.Time) *lastSeen {
	l := &lastSeen{}
	l.nanos.Store(now.UnixNano())
	return l
}

func (l *lastSeen) touch() { l.nanos.Store(time.Now().UnixNano()) }

func (l *lastSeen) since(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, l.nanos.Load()))
}

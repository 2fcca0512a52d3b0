// Package relay forwards committed conversation events to a message broker
// for consumers outside the realtime path (analytics, notifications, archival).
//
// Relaying is best effort and never blocks the caller: events are queued and
// published by a single worker, so broker order matches commit order.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	v1 "desk/shared/contracts/chat/v1"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Publish when the relay is saturated; the event is dropped.
	ErrQueueFull = errors.New("relay: queue full")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("relay: closed")
)

// Message is one broker publication.
type Message struct {
	ID         string
	RoutingKey string
	Type       string
	Time       time.Time
	Body       []byte
}

// Sink delivers messages to a broker.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Relay queues events and hands them to a Sink from one worker goroutine.
type Relay struct {
	log  *slog.Logger
	cfg  Config
	sink Sink
	now  func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Message

	done chan struct{}
}

// New constructs a Relay and starts its worker.
func New(log *slog.Logger, cfg Config, sink Sink) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	r := &Relay{
		log:   log,
		cfg:   cfg,
		sink:  sink,
		now:   func() time.Time { return time.Now().UTC() },
		queue: make(chan Message, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Publish queues ev for the broker. Private error channels are never relayed.
func (r *Relay) Publish(_ context.Context, ch v1.Channel, ev v1.Event) error {
	key, ok := RoutingKey(ch, ev)
	if !ok {
		return nil
	}

	now := r.now()
	env, err := v1.EncodeEvent(ch, ev, uuid.NewString(), now)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := Message{ID: env.ID, RoutingKey: key, Type: env.Type, Time: now, Body: body}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- msg:
		return nil
	default:
		r.log.Warn("relay.drop", "routing_key", key, "type", msg.Type, "reason", "queue_full")
		return ErrQueueFull
	}
}

// Close stops accepting events, drains the queue until ctx expires and closes the sink.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	var err error
	select {
	case <-r.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	return errors.Join(err, r.sink.Close())
}

func (r *Relay) run() {
	defer close(r.done)
	for msg := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
		err := r.sink.Send(ctx, msg)
		cancel()
		if err != nil {
			r.log.Warn("relay.publish.fail", "routing_key", msg.RoutingKey, "message_id", msg.ID, "err", err)
			continue
		}
		r.log.Debug("relay.publish", "routing_key", msg.RoutingKey, "message_id", msg.ID)
	}
}

// RoutingKey maps a channel event to its topic routing key:
// "conversation.<id>.<type>" or "operator.<type>".
func RoutingKey(ch v1.Channel, ev v1.Event) (string, bool) {
	if ev == nil || !ch.Accepts(ev) {
		return "", false
	}
	switch ch.Kind() {
	case v1.ChannelConversation:
		id, _ := ch.ConversationID()
		return "conversation." + strconv.FormatInt(id, 10) + "." + ev.Type(), true
	case v1.ChannelOperatorFeed:
		return "operator." + ev.Type(), true
	default:
		return "", false
	}
}

// LogSink is used when no broker is configured: it records each event at debug level.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Send(_ context.Context, msg Message) error {
	if s.Log != nil {
		s.Log.Debug("relay.event", "routing_key", msg.RoutingKey, "type", msg.Type, "message_id", msg.ID)
	}
	return nil
}

func (LogSink) Close() error { return nil }

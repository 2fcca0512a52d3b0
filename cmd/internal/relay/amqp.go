package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const maxDialDelay = 60 * time.Second

// DialWithRetry connects to the broker with capped exponential backoff.
// It respects context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, log *slog.Logger, url string, attempts int, delay time.Duration) (*amqp.Connection, error) {
	if log == nil {
		log = slog.Default()
	}
	if attempts <= 0 {
		attempts = 1
	}
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	sleep := delay
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			if i > 1 {
				log.Info("relay.dial.ok", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		log.Warn("relay.dial.fail", "attempt", i, "sleep", sleep, "err", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("relay: dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		sleep *= 2
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
	}
	return nil, fmt.Errorf("relay: connect after %d attempts: %w", attempts, lastErr)
}

// AMQPSink publishes to a durable topic exchange with publisher confirms.
type AMQPSink struct {
	exchange string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms <-chan amqp.Confirmation
}

// DialAMQP connects, declares the exchange and enables confirms.
func DialAMQP(ctx context.Context, log *slog.Logger, cfg Config) (*AMQPSink, error) {
	if !cfg.Enabled() {
		return nil, ErrConfig
	}
	conn, err := DialWithRetry(ctx, log, cfg.URL, cfg.DialAttempts, cfg.DialDelay)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: confirm mode: %w", err)
	}

	return &AMQPSink{
		exchange: cfg.Exchange,
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
	}, nil
}

// Send publishes msg and waits for the broker's confirmation.
func (s *AMQPSink) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.ch.GetNextPublishSeqNo()
	err := s.ch.PublishWithContext(ctx, s.exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.ID,
		Type:          msg.Type,
		Timestamp:     msg.Time,
		AppId:         "desk",
		Body:          msg.Body,
	})
	if err != nil {
		return err
	}

	// Confirms for earlier publishes that timed out may still be pending.
	for {
		select {
		case c, ok := <-s.confirms:
			if !ok {
				return amqp.ErrClosed
			}
			if c.DeliveryTag < seq {
				continue
			}
			if !c.Ack {
				return errors.New("relay: broker nacked publish")
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the channel and the connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.ch.Close(), s.conn.Close())
}

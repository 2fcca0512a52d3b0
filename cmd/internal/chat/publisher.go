package chat

import (
	"context"
	"errors"

	v1 "desk/shared/contracts/chat/v1"
)

// Publisher delivers a committed change to a channel's subscribers.
type Publisher interface {
	Publish(ctx context.Context, ch v1.Channel, ev v1.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ch v1.Channel, ev v1.Event) error

func (f PublisherFunc) Publish(ctx context.Context, ch v1.Channel, ev v1.Event) error {
	return f(ctx, ch, ev)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, v1.Channel, v1.Event) error { return nil }

// Fanout publishes to every target in order and joins their errors.
// A failing target does not stop the others.
func Fanout(targets ...Publisher) Publisher {
	out := make([]Publisher, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nopPublisher{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return fanout(out)
}

type fanout []Publisher

func (f fanout) Publish(ctx context.Context, ch v1.Channel, ev v1.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ch, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

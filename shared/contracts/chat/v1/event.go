package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is a payload published on a channel. The set of variants is closed.
type Event interface {
	// Type is the envelope type used on the wire.
	Type() string
	isEvent()
}

// MessageCreated is published on conversation.<id> after a message is persisted.
type MessageCreated struct {
	Message MessageView `json:"message"`
}

// ConversationCreated is published on the operator feed after a conversation is persisted.
type ConversationCreated struct {
	Conversation ConversationView `json:"conversation"`
}

// ConversationStatusChanged is published on conversation.<id> after a status update.
type ConversationStatusChanged struct {
	Conversation ConversationView `json:"conversation"`
}

// ErrorEvent is delivered only on the sender's errors.<connectionId> channel.
type ErrorEvent struct {
	ErrorPayload
}

func (MessageCreated) Type() string            { return TypeMessageNew }
func (ConversationCreated) Type() string       { return TypeConversationNew }
func (ConversationStatusChanged) Type() string { return TypeConversationStatus }
func (ErrorEvent) Type() string                { return TypeError }

func (MessageCreated) isEvent()            {}
func (ConversationCreated) isEvent()       {}
func (ConversationStatusChanged) isEvent() {}
func (ErrorEvent) isEvent()                {}

// ErrNotEvent is returned by DecodeEvent for envelope types that carry no Event.
var ErrNotEvent = errors.New("envelope does not carry an event")

// EncodeEvent wraps ev in an envelope addressed to ch.
func EncodeEvent(ch Channel, ev Event, id string, ts time.Time) (Envelope, error) {
	if ev == nil {
		return Envelope{}, errors.New("nil event")
	}
	p, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:       Version,
		Type:    ev.Type(),
		ID:      id,
		Channel: ch,
		TS:      ts,
		Payload: p,
	}, nil
}

// DecodeEvent returns the typed Event carried by env.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case TypeMessageNew:
		var ev MessageCreated
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case TypeConversationNew:
		var ev ConversationCreated
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case TypeConversationStatus:
		var ev ConversationStatusChanged
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ev, nil
	default:
		return nil, ErrNotEvent
	}
}

// Package v1 defines the desk chat protocol v1 contract.
//
// It is shared between the server and operator clients so the wire format has a single source.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "desk.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server). It may carry the bearer credential.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake with the bound identity (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin subscribes to a conversation (client -> server) and is echoed back.
	TypeConversationJoin = "conversation_join"
	// TypeConversationLeave drops a conversation subscription (client -> server).
	TypeConversationLeave = "conversation_leave"
	// TypeOperatorSubscribe subscribes an operator to the new-conversation feed.
	TypeOperatorSubscribe = "operator_subscribe"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a persisted send request (server -> sender).
	TypeMessageAck = "message_ack"

	// TypeMessageNew carries a persisted message (server -> conversation subscribers).
	TypeMessageNew = "message_new"
	// TypeConversationNew announces a created conversation (server -> operator feed).
	TypeConversationNew = "conversation_new"
	// TypeConversationStatus carries a status change (server -> conversation subscribers).
	TypeConversationStatus = "conversation_status"

	// TypeError reports a failed frame to its sender only.
	TypeError = "error"
)

// Error codes carried by ErrorPayload.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeValidation      = "validation_error"
	CodeRateLimited     = "rate_limited"
	CodeBadEnvelope     = "bad_envelope"
	CodeUnsupported     = "unsupported"
	CodeInternal        = "internal"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel Channel         `json:"channel,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeConversationLeave,
		TypeOperatorSubscribe,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeConversationNew,
		TypeConversationStatus,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload is sent by a client first. Token is only read when the upgrade carried no credential.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload echoes the identity bound to the connection.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	SessionID    string `json:"session_id"`
}

// ConversationJoinPayload is used inbound (id only) and echoed with the current snapshot.
type ConversationJoinPayload struct {
	ConversationID int64             `json:"conversation_id"`
	Conversation   *ConversationView `json:"conversation,omitempty"`
}

// ConversationLeavePayload drops the subscription to one conversation channel.
type ConversationLeavePayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// OperatorSubscribePayload has no fields; the feed is global.
type OperatorSubscribePayload struct{}

// MessageSendPayload requests a new message. Sender identity is never read from the payload.
type MessageSendPayload struct {
	ConversationID int64  `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Text           string `json:"text,omitempty"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
}

// MessageAckPayload confirms a persisted message to its sender.
type MessageAckPayload struct {
	ConversationID int64     `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	MessageID      int64     `json:"message_id"`
	SendTime       time.Time `json:"send_time"`
}

// ErrorPayload describes why a frame was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}

// ConversationView is the wire shape of a conversation snapshot.
type ConversationView struct {
	ID         int64     `json:"id"`
	CustomerID string    `json:"customer_id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MessageView is the wire shape of a persisted message.
type MessageView struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     string    `json:"sender_role"`
	Text           string    `json:"text,omitempty"`
	AttachmentRef  string    `json:"attachment_ref,omitempty"`
	SendTime       time.Time `json:"send_time"`
}

// ConversationPage is a window of conversations, most recently updated first.
// Total counts every match so clients can detect the last page.
type ConversationPage struct {
	Items []ConversationView `json:"items"`
	Page  int                `json:"page"`
	Size  int                `json:"size"`
	Total int                `json:"total"`
}

// MessagePage is a window of one conversation's messages, newest first.
type MessagePage struct {
	Items []MessageView `json:"items"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
	Total int           `json:"total"`
}

// LastPage reports whether no further page exists after this one.
func (p ConversationPage) LastPage() bool { return lastPage(p.Page, p.Size, p.Total) }

// LastPage reports whether no older page exists after this one.
func (p MessagePage) LastPage() bool { return lastPage(p.Page, p.Size, p.Total) }

func lastPage(page, size, total int) bool {
	return size <= 0 || page <= 0 || page >= (total+size-1)/size
}

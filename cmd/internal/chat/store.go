package chat

import (
	"context"
	"time"

	"desk/cmd/identity"
)

// Store persists conversations and messages.
//
// Requirements:
//   - ReserveConversationID hands out an id no other conversation will get
//   - CreateConversation stores the conversation and the optional first message atomically
//   - AppendMessage inserts the message and bumps the conversation's UpdatedAt in one transaction
//   - UpdatedAt strictly increases per mutation of a conversation
//   - ListMessages orders by SendTime DESC, ID DESC
//   - ListConversations orders by UpdatedAt DESC, ID DESC
type Store interface {
	ReserveConversationID(ctx context.Context) (int64, error)
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, *Message, error)
	GetConversation(ctx context.Context, id int64) (Conversation, error)
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, Conversation, error)
	UpdateStatus(ctx context.Context, in UpdateStatusInput) (Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, page PageRequest) (MessagePage, error)
	ListConversations(ctx context.Context, filter ConversationFilter, page PageRequest) (ConversationPage, error)
	Close() error
}

// CreateConversationInput describes a new conversation. ID is a reserved id, or zero to allocate one.
type CreateConversationInput struct {
	ID         int64
	CustomerID string
	Title      string
	First      *Content
	Now        time.Time
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID int64
	SenderID       string
	SenderRole     identity.Role
	Content        Content
	Now            time.Time
}

// UpdateStatusInput describes a status change. Allow is evaluated against the
// current status while the conversation is locked.
type UpdateStatusInput struct {
	ConversationID int64
	Status         Status
	Allow          TransitionPolicy
	Now            time.Time
}

func conversationNotFound(op string) error {
	return identity.NotFoundError{Op: op, Resource: "conversation"}
}

func transitionDenied(op string, from, to Status) error {
	return identity.Invalid(op, "status transition "+string(from)+" -> "+string(to)+" not allowed")
}

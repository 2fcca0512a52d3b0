// Package chat owns conversations and messages: persistence, authorization,
// status changes, and publishing committed changes to subscribers.
package chat

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"desk/cmd/identity"
	v1 "desk/shared/contracts/chat/v1"
)

const (
	maxTitleChars      = 200
	maxMessageChars    = 4000
	maxAttachmentBytes = 512

	defaultPageSize = 50
	maxPageSize     = 200
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusClosed     Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusProcessing, StatusClosed:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes s and returns the matching Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", identity.Invalid("chat.ParseStatus", "unknown status")
	}
	return st, nil
}

// Conversation is a thread between one customer and any number of operators.
type Conversation struct {
	ID         int64
	CustomerID string
	Title      string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Content is the body of a message. At least one field must be non-empty.
type Content struct {
	Text          string
	AttachmentRef string
}

func (c Content) normalize() Content {
	return Content{
		Text:          strings.TrimSpace(c.Text),
		AttachmentRef: strings.TrimSpace(c.AttachmentRef),
	}
}

func (c Content) validate(op string) error {
	if c.Text == "" && c.AttachmentRef == "" {
		return identity.Invalid(op, "empty message")
	}
	if !storableText(c.Text) || !storableText(c.AttachmentRef) {
		return identity.Invalid(op, "message is not valid utf-8 text")
	}
	if utf8.RuneCountInString(c.Text) > maxMessageChars {
		return identity.Invalid(op, "message too long")
	}
	if len(c.AttachmentRef) > maxAttachmentBytes {
		return identity.Invalid(op, "attachment reference too long")
	}
	return nil
}

// storableText reports whether s survives a Postgres text column: valid UTF-8 without NUL.
func storableText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// Message is an immutable entry in a conversation. SendTime is assigned on persist.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       string
	SenderRole     identity.Role
	Content        Content
	SendTime       time.Time
}

// PageRequest selects a 1-based page of results.
type PageRequest struct {
	Page int
	Size int
}

func (p PageRequest) normalize(def, max int) PageRequest {
	if def <= 0 {
		def = defaultPageSize
	}
	if max <= 0 {
		max = maxPageSize
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = def
	}
	if p.Size > max {
		p.Size = max
	}
	// Keep offset() from overflowing.
	if last := math.MaxInt / p.Size; p.Page > last {
		p.Page = last
	}
	return p
}

func (p PageRequest) offset() int { return (p.Page - 1) * p.Size }

// MessagePage is a window of messages ordered newest first.
type MessagePage struct {
	Items []Message
	Page  int
	Size  int
	Total int
}

// ConversationPage is a window of conversations ordered by UpdatedAt descending.
type ConversationPage struct {
	Items []Conversation
	Page  int
	Size  int
	Total int
}

// ConversationFilter narrows ListConversations. Zero values match everything.
type ConversationFilter struct {
	CustomerID string
	Status     Status
}

func (f ConversationFilter) matches(c Conversation) bool {
	if f.CustomerID != "" && c.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

// nextStamp returns a timestamp strictly after prev, at microsecond precision.
func nextStamp(now, prev time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// ToConversationView converts to the wire shape.
func ToConversationView(c Conversation) v1.ConversationView {
	return v1.ConversationView{
		ID:         c.ID,
		CustomerID: c.CustomerID,
		Title:      c.Title,
		Status:     string(c.Status),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

// ToMessageView converts to the wire shape.
func ToMessageView(m Message) v1.MessageView {
	return v1.MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     string(m.SenderRole),
		Text:           m.Content.Text,
		AttachmentRef:  m.Content.AttachmentRef,
		SendTime:       m.SendTime,
	}
}

package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"desk/cmd/identity"
)

// InMemoryStore is the fallback when no database is configured.
// Messages are kept per conversation in insertion order, which is also SendTime order.
type InMemoryStore struct {
	mu sync.RWMutex

	nextConvID int64
	nextMsgID  int64

	convs map[int64]*memConv
}

type memConv struct {
	conv Conversation
	msgs []Message
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: make(map[int64]*memConv)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ReserveConversationID allocates the next conversation id.
func (s *InMemoryStore) ReserveConversationID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConvID++
	return s.nextConvID, nil
}

// CreateConversation stores a conversation and its optional first message.
func (s *InMemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, *Message, error) {
	if in.CustomerID == "" || in.Title == "" {
		return Conversation{}, nil, errors.New("chat: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nextStamp(in.Now, time.Time{})

	id := in.ID
	switch {
	case id == 0:
		s.nextConvID++
		id = s.nextConvID
	case id > s.nextConvID || s.convs[id] != nil:
		return Conversation{}, nil, errors.New("chat: conversation id was not reserved")
	}

	c := &memConv{conv: Conversation{
		ID:         id,
		CustomerID: in.CustomerID,
		Title:      in.Title,
		Status:     StatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	s.convs[c.conv.ID] = c

	var first *Message
	if in.First != nil {
		s.nextMsgID++
		m := Message{
			ID:             s.nextMsgID,
			ConversationID: c.conv.ID,
			SenderID:       in.CustomerID,
			SenderRole:     identity.RoleCustomer,
			Content:        *in.First,
			SendTime:       now,
		}
		c.msgs = append(c.msgs, m)
		first = &m
	}

	return c.conv, first, nil
}

// GetConversation returns the current snapshot of a conversation.
func (s *InMemoryStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.convs[id]
	if c == nil {
		return Conversation{}, conversationNotFound("chat.GetConversation")
	}
	return c.conv, nil
}

// AppendMessage stores a message and bumps the conversation's UpdatedAt.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, Conversation, error) {
	if in.SenderID == "" {
		return Message{}, Conversation{}, errors.New("chat: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return Message{}, Conversation{}, conversationNotFound("chat.AppendMessage")
	}

	stamp := nextStamp(in.Now, c.conv.UpdatedAt)

	s.nextMsgID++
	m := Message{
		ID:             s.nextMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderRole:     in.SenderRole,
		Content:        in.Content,
		SendTime:       stamp,
	}
	c.msgs = append(c.msgs, m)
	c.conv.UpdatedAt = stamp

	return m, c.conv, nil
}

// UpdateStatus sets the status and bumps UpdatedAt.
func (s *InMemoryStore) UpdateStatus(ctx context.Context, in UpdateStatusInput) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationID]
	if c == nil {
		return Conversation{}, conversationNotFound("chat.UpdateStatus")
	}
	if in.Allow != nil && !in.Allow(c.conv.Status, in.Status) {
		return Conversation{}, transitionDenied("chat.UpdateStatus", c.conv.Status, in.Status)
	}

	c.conv.Status = in.Status
	c.conv.UpdatedAt = nextStamp(in.Now, c.conv.UpdatedAt)
	return c.conv, nil
}

// ListMessages returns a page of messages, newest first.
func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID int64, page PageRequest) (MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	page = page.normalize(defaultPageSize, maxPageSize)

	s.mu.RLock()
	c := s.convs[conversationID]
	if c == nil {
		s.mu.RUnlock()
		return MessagePage{}, conversationNotFound("chat.ListMessages")
	}
	total := len(c.msgs)
	out := make([]Message, 0, page.Size)
	// Walk backwards from the newest message.
	for i := total - 1 - page.offset(); i >= 0 && len(out) < page.Size; i-- {
		out = append(out, c.msgs[i])
	}
	s.mu.RUnlock()

	return MessagePage{Items: out, Page: page.Page, Size: page.Size, Total: total}, nil
}

// ListConversations returns a filtered page ordered by UpdatedAt DESC, ID DESC.
func (s *InMemoryStore) ListConversations(ctx context.Context, filter ConversationFilter, page PageRequest) (ConversationPage, error) {
	if err := ctx.Err(); err != nil {
		return ConversationPage{}, err
	}
	page = page.normalize(defaultPageSize, maxPageSize)

	s.mu.RLock()
	all := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if filter.matches(c.conv) {
			all = append(all, c.conv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	start := page.offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}

	return ConversationPage{
		Items: append([]Conversation(nil), all[start:end]...),
		Page:  page.Page,
		Size:  page.Size,
		Total: total,
	}, nil
}

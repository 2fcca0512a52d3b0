package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"desk/cmd/identity"
	v1 "desk/shared/contracts/chat/v1"
)

// Service implements conversation operations on behalf of an authenticated identity.
//
// Every mutation is persisted first and published second. Both steps run under
// a per-conversation lock, so subscribers of one conversation observe changes in
// commit order, while different conversations proceed in parallel.
type Service struct {
	cfg   Config
	log   *slog.Logger
	store Store
	pub   Publisher
	locks *keyedMutex
	now   func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a Service. A nil publisher disables publishing.
func NewService(cfg Config, log *slog.Logger, store Store, pub Publisher, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = defaultPageSize
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > maxPageSize {
		cfg.MaxPageSize = maxPageSize
	}

	s := &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		pub:   pub,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// StartConversation creates a conversation owned by the customer, optionally with a first message,
// and announces it on the operator feed.
func (s *Service) StartConversation(ctx context.Context, who identity.Identity, title string, first *Content) (Conversation, *Message, error) {
	const op = "chat.StartConversation"

	if !who.Valid() {
		return Conversation{}, nil, identity.Unauthenticated(op, "")
	}
	if !who.IsCustomer() {
		return Conversation{}, nil, identity.Forbidden(op, "only customers start conversations")
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return Conversation{}, nil, identity.Invalid(op, "empty title")
	}
	if utf8.RuneCountInString(title) > maxTitleChars {
		return Conversation{}, nil, identity.Invalid(op, "title too long")
	}
	if !storableText(title) {
		return Conversation{}, nil, identity.Invalid(op, "title is not valid utf-8 text")
	}

	var content *Content
	if first != nil {
		c := first.normalize()
		if err := c.validate(op); err != nil {
			return Conversation{}, nil, err
		}
		content = &c
	}

	// The id is locked before the row becomes visible, so a send or status
	// change seen through a listing cannot publish ahead of the creation events.
	id, err := s.store.ReserveConversationID(ctx)
	if err != nil {
		return Conversation{}, nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, msg, err := s.store.CreateConversation(ctx, CreateConversationInput{
		ID:         id,
		CustomerID: who.Subject,
		Title:      title,
		First:      content,
		Now:        s.now(),
	})
	if err != nil {
		return Conversation{}, nil, err
	}

	s.log.Info("chat.conversation.create", "conversation_id", conv.ID, "customer_id", conv.CustomerID, "with_message", msg != nil)

	s.publish(ctx, v1.OperatorFeed, v1.ConversationCreated{Conversation: ToConversationView(conv)})
	if msg != nil {
		s.publish(ctx, v1.ConversationChannel(conv.ID), v1.MessageCreated{Message: ToMessageView(*msg)})
	}

	return conv, msg, nil
}

// SendMessage appends a message authored by who and broadcasts it on the conversation channel.
func (s *Service) SendMessage(ctx context.Context, who identity.Identity, conversationID int64, content Content) (Message, error) {
	const op = "chat.SendMessage"

	if !who.Valid() {
		return Message{}, identity.Unauthenticated(op, "")
	}
	content = content.normalize()
	if err := content.validate(op); err != nil {
		return Message{}, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	if _, err := s.authorize(ctx, op, who, conversationID); err != nil {
		return Message{}, err
	}

	msg, _, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conversationID,
		SenderID:       who.Subject,
		SenderRole:     who.Role,
		Content:        content,
		Now:            s.now(),
	})
	if err != nil {
		return Message{}, err
	}

	s.log.Debug("chat.message.append", "conversation_id", conversationID, "message_id", msg.ID, "sender_id", msg.SenderID)

	s.publish(ctx, v1.ConversationChannel(conversationID), v1.MessageCreated{Message: ToMessageView(msg)})
	return msg, nil
}

// UpdateStatus changes a conversation's status. Operators only.
func (s *Service) UpdateStatus(ctx context.Context, who identity.Identity, conversationID int64, status Status) (Conversation, error) {
	const op = "chat.UpdateStatus"

	if !who.Valid() {
		return Conversation{}, identity.Unauthenticated(op, "")
	}
	if !who.IsOperator() {
		return Conversation{}, identity.Forbidden(op, "only operators change status")
	}
	if !status.Valid() {
		return Conversation{}, identity.Invalid(op, "unknown status")
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	conv, err := s.store.UpdateStatus(ctx, UpdateStatusInput{
		ConversationID: conversationID,
		Status:         status,
		Allow:          s.cfg.transitions(),
		Now:            s.now(),
	})
	if err != nil {
		return Conversation{}, err
	}

	s.log.Info("chat.conversation.status", "conversation_id", conv.ID, "status", string(conv.Status), "operator_id", who.Subject)

	s.publish(ctx, v1.ConversationChannel(conv.ID), v1.ConversationStatusChanged{Conversation: ToConversationView(conv)})
	return conv, nil
}

// ListMessages returns a page of messages, newest first.
func (s *Service) ListMessages(ctx context.Context, who identity.Identity, conversationID int64, page PageRequest) (MessagePage, error) {
	const op = "chat.ListMessages"

	if !who.Valid() {
		return MessagePage{}, identity.Unauthenticated(op, "")
	}
	if _, err := s.authorize(ctx, op, who, conversationID); err != nil {
		return MessagePage{}, err
	}
	return s.store.ListMessages(ctx, conversationID, page.normalize(s.cfg.DefaultPageSize, s.cfg.MaxPageSize))
}

// ListConversations returns conversations visible to who, most recently updated first.
// Operators see every conversation matching filter; customers see their own, whatever
// filter.CustomerID says.
func (s *Service) ListConversations(ctx context.Context, who identity.Identity, filter ConversationFilter, page PageRequest) (ConversationPage, error) {
	const op = "chat.ListConversations"

	if !who.Valid() {
		return ConversationPage{}, identity.Unauthenticated(op, "")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return ConversationPage{}, identity.Invalid(op, "unknown status")
	}

	filter.CustomerID = strings.TrimSpace(filter.CustomerID)
	if !who.IsOperator() {
		filter.CustomerID = who.Subject
	}
	return s.store.ListConversations(ctx, filter, page.normalize(s.cfg.DefaultPageSize, s.cfg.MaxPageSize))
}

// AuthorizeRead returns the conversation when who may read it.
func (s *Service) AuthorizeRead(ctx context.Context, who identity.Identity, conversationID int64) (Conversation, error) {
	const op = "chat.AuthorizeRead"

	if !who.Valid() {
		return Conversation{}, identity.Unauthenticated(op, "")
	}
	return s.authorize(ctx, op, who, conversationID)
}

func (s *Service) authorize(ctx context.Context, op string, who identity.Identity, conversationID int64) (Conversation, error) {
	if conversationID <= 0 {
		return Conversation{}, identity.Invalid(op, "invalid conversation id")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !CanAccess(who, conv) {
		return Conversation{}, identity.Forbidden(op, "not a participant")
	}
	return conv, nil
}

// CanAccess reports whether who participates in conv: its customer, or any operator.
func CanAccess(who identity.Identity, conv Conversation) bool {
	if who.IsOperator() {
		return true
	}
	return who.IsCustomer() && who.Subject == conv.CustomerID
}

// publish runs after a committed write. A failure is logged, never returned:
// the write stands and subscribers re-sync by pulling.
func (s *Service) publish(ctx context.Context, ch v1.Channel, ev v1.Event) {
	if err := s.pub.Publish(ctx, ch, ev); err != nil {
		s.log.Warn("chat.publish.fail", "channel", string(ch), "type", ev.Type(), "err", err)
	}
}

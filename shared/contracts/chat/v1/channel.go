package v1

import (
	"strconv"
	"strings"
)

// Channel is a named publish/subscribe topic.
type Channel string

// OperatorFeed carries ConversationCreated events to every subscribed operator.
const OperatorFeed Channel = "operator.newConversations"

const (
	conversationPrefix = "conversation."
	errorsPrefix       = "errors."
)

// ChannelKind classifies a channel by the payload shape it carries.
type ChannelKind uint8

const (
	ChannelUnknown ChannelKind = iota
	ChannelConversation
	ChannelOperatorFeed
	ChannelErrors
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelConversation:
		return "conversation"
	case ChannelOperatorFeed:
		return "operator_feed"
	case ChannelErrors:
		return "errors"
	default:
		return "unknown"
	}
}

// ConversationChannel returns "conversation.<id>".
func ConversationChannel(id int64) Channel {
	return Channel(conversationPrefix + strconv.FormatInt(id, 10))
}

// ErrorChannel returns the private "errors.<connectionId>" channel.
func ErrorChannel(connectionID string) Channel {
	return Channel(errorsPrefix + connectionID)
}

// Kind reports which family the channel name belongs to.
func (c Channel) Kind() ChannelKind {
	s := string(c)
	switch {
	case c == OperatorFeed:
		return ChannelOperatorFeed
	case strings.HasPrefix(s, conversationPrefix):
		if _, ok := c.ConversationID(); ok {
			return ChannelConversation
		}
		return ChannelUnknown
	case strings.HasPrefix(s, errorsPrefix) && len(s) > len(errorsPrefix):
		return ChannelErrors
	default:
		return ChannelUnknown
	}
}

// ConversationID extracts the id from a conversation channel.
func (c Channel) ConversationID() (int64, bool) {
	s, ok := strings.CutPrefix(string(c), conversationPrefix)
	if !ok || s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Accepts reports whether ev matches the payload shape declared for the channel.
func (c Channel) Accepts(ev Event) bool {
	if ev == nil {
		return false
	}
	switch c.Kind() {
	case ChannelConversation:
		id, _ := c.ConversationID()
		switch e := ev.(type) {
		case MessageCreated:
			return e.Message.ConversationID == id
		case ConversationStatusChanged:
			return e.Conversation.ID == id
		}
		return false
	case ChannelOperatorFeed:
		_, ok := ev.(ConversationCreated)
		return ok
	case ChannelErrors:
		_, ok := ev.(ErrorEvent)
		return ok
	default:
		return false
	}
}

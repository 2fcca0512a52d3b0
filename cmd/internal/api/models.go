package api

import (
	"desk/cmd/identity"
	"desk/cmd/internal/chat"
	v1 "desk/shared/contracts/chat/v1"
)

type messageRequest struct {
	Text          string `json:"text"`
	AttachmentRef string `json:"attachment_ref"`
}

type createConversationRequest struct {
	Title        string          `json:"title"`
	FirstMessage *messageRequest `json:"first_message"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type meResponse struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

type createConversationResponse struct {
	Conversation v1.ConversationView `json:"conversation"`
	Message      *v1.MessageView     `json:"message,omitempty"`
}

func (m messageRequest) content() chat.Content {
	return chat.Content{Text: m.Text, AttachmentRef: m.AttachmentRef}
}

func toMeResponse(who identity.Identity) meResponse {
	return meResponse{UserID: who.Subject, Role: string(who.Role), SessionID: who.SessionID}
}

func toConversationPage(p chat.ConversationPage) v1.ConversationPage {
	items := make([]v1.ConversationView, 0, len(p.Items))
	for _, c := range p.Items {
		items = append(items, chat.ToConversationView(c))
	}
	return v1.ConversationPage{Items: items, Page: p.Page, Size: p.Size, Total: p.Total}
}

func toMessagePage(p chat.MessagePage) v1.MessagePage {
	items := make([]v1.MessageView, 0, len(p.Items))
	for _, m := range p.Items {
		items = append(items, chat.ToMessageView(m))
	}
	return v1.MessagePage{Items: items, Page: p.Page, Size: p.Size, Total: p.Total}
}

package api

import (
	"net/http"
	"strconv"
	"strings"

	"desk/cmd/internal/chat"
	v1 "desk/shared/contracts/chat/v1"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "invalid json")
		return
	}

	var first *chat.Content
	if req.FirstMessage != nil {
		c := req.FirstMessage.content()
		first = &c
	}

	conv, msg, err := h.chat.StartConversation(r.Context(), who, req.Title, first)
	if err != nil {
		h.writeServiceError(w, r, "api.conversation.create", err)
		return
	}

	resp := createConversationResponse{Conversation: chat.ToConversationView(conv)}
	if msg != nil {
		mv := chat.ToMessageView(*msg)
		resp.Message = &mv
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := chat.ConversationFilter{CustomerID: q.Get("customer_id")}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := chat.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, v1.CodeValidation, "unknown status")
			return
		}
		filter.Status = st
	}

	res, err := h.chat.ListConversations(r.Context(), who, filter, page)
	if err != nil {
		h.writeServiceError(w, r, "api.conversation.list", err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationPage(res))
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	conv, err := h.chat.AuthorizeRead(r.Context(), who, id)
	if err != nil {
		h.writeServiceError(w, r, "api.conversation.get", err)
		return
	}
	writeJSON(w, http.StatusOK, chat.ToConversationView(conv))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	page, ok := pageFromQuery(w, r)
	if !ok {
		return
	}

	res, err := h.chat.ListMessages(r.Context(), who, id, page)
	if err != nil {
		h.writeServiceError(w, r, "api.message.list", err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagePage(res))
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "invalid json")
		return
	}

	msg, err := h.chat.SendMessage(r.Context(), who, id, req.content())
	if err != nil {
		h.writeServiceError(w, r, "api.message.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, chat.ToMessageView(msg))
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	who, _ := IdentityFrom(r.Context())

	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeBadEnvelope, "invalid json")
		return
	}
	st, err := chat.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeValidation, "unknown status")
		return
	}

	conv, err := h.chat.UpdateStatus(r.Context(), who, id, st)
	if err != nil {
		h.writeServiceError(w, r, "api.conversation.status", err)
		return
	}
	h.audit(r, "conversation.status", map[string]any{"conversation_id": conv.ID, "status": string(conv.Status)})
	writeJSON(w, http.StatusOK, chat.ToConversationView(conv))
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, v1.CodeValidation, "invalid conversation id")
		return 0, false
	}
	return id, true
}

func pageFromQuery(w http.ResponseWriter, r *http.Request) (chat.PageRequest, bool) {
	q := r.URL.Query()
	var p chat.PageRequest
	for _, f := range []struct {
		key string
		dst *int
	}{{"page", &p.Page}, {"size", &p.Size}} {
		raw := strings.TrimSpace(q.Get(f.key))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, v1.CodeValidation, "invalid "+f.key)
			return chat.PageRequest{}, false
		}
		*f.dst = n
	}
	return p, true
}

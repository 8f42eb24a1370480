package api

import (
	"net/http"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request, owner string) {
	limit, offset := page(r)
	items, err := h.conversations.List(r.Context(), owner, r.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ConversationMessages(w http.ResponseWriter, r *http.Request, owner string) {
	limit, offset := page(r)
	items, err := h.conversations.Messages(r.Context(), owner, r.PathValue("id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request, owner string) {
	c, err := h.conversations.MarkRead(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) SetConversationStatus(w http.ResponseWriter, r *http.Request, owner string) {
	var in struct {
		Status model.ConversationStatus `json:"status"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.conversations.SetStatus(r.Context(), owner, r.PathValue("id"), in.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

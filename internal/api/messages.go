package api

import (
	"net/http"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request, owner string) {
	var in service.SendRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.DeviceID == "" {
		writeError(w, apperr.Validation("device_id is required; use /v1/messages/default to send through the default device"))
		return
	}
	m, err := h.messages.Send(r.Context(), owner, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) SendDefaultMessage(w http.ResponseWriter, r *http.Request, owner string) {
	var in service.SendRequest
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.messages.SendViaDefault(r.Context(), owner, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func parseTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, apperr.Validation("%s must be RFC 3339 or YYYY-MM-DD", name)
}

func messageFilter(r *http.Request) (model.MessageFilter, error) {
	q := r.URL.Query()
	f := model.MessageFilter{
		DeviceID:  q.Get("device_id"),
		Direction: model.Direction(q.Get("direction")),
		Type:      model.ContentType(q.Get("type")),
	}
	switch f.Direction {
	case "", model.Inbound, model.Outbound:
	default:
		return f, apperr.Validation("direction must be inbound or outbound")
	}
	var err error
	if f.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return f, err
	}
	f.Limit, f.Offset = page(r)
	return f, nil
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request, owner string) {
	f, err := messageFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := h.messages.History(r.Context(), owner, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) MessageStats(w http.ResponseWriter, r *http.Request, owner string) {
	f, err := messageFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bucket := model.Bucket(r.URL.Query().Get("bucket"))
	items, err := h.messages.Stats(r.Context(), owner, f, bucket)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": items})
}

func (h *Handler) ResendMessage(w http.ResponseWriter, r *http.Request, owner string) {
	m, err := h.messages.Resend(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request, owner string) {
	if err := h.messages.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

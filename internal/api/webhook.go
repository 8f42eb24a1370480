package api

import (
	"io"
	"net/http"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/ingest"
)

// VerifyWebhook answers the provider's subscription handshake by echoing
// hub.challenge when hub.verify_token matches.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		writeError(w, apperr.Auth("webhook verification failed"))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "read webhook body"))
		return
	}
	if h.appSecret != "" && !ingest.VerifySignature(h.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.log.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		writeError(w, apperr.Auth("invalid webhook signature"))
		return
	}

	p, err := ingest.DecodeWebhook(body)
	if err != nil {
		writeError(w, err)
		return
	}
	sum, err := h.webhooks.HandleWebhook(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("webhook processed",
		"messages", sum.Messages,
		"duplicates", sum.Duplicates,
		"statuses", sum.Statuses,
		"ignored", sum.Ignored,
	)
	writeJSON(w, http.StatusOK, sum)
}

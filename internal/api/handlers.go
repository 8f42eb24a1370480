// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/ingest"
	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/scheduler"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

const (
	ownerHeader  = "X-Owner-ID"
	maxBodyBytes = 1 << 20
)

// WebhookIngester consumes decoded cloud webhook deliveries.
type WebhookIngester interface {
	HandleWebhook(ctx context.Context, p *ingest.WebhookPayload) (ingest.WebhookSummary, error)
}

type Deps struct {
	Devices       *service.Devices
	Messages      *service.Router
	Conversations *service.Conversations
	Webhooks      WebhookIngester
	Jobs          *scheduler.Group
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer

	// VerifyToken answers the webhook subscription handshake.
	VerifyToken string
	// AppSecret, when set, requires signed webhook deliveries.
	AppSecret string
	Logger    *slog.Logger
}

type Handler struct {
	devices       *service.Devices
	messages      *service.Router
	conversations *service.Conversations
	webhooks      WebhookIngester
	jobs          *scheduler.Group
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	verifyToken   string
	appSecret     string
	log           *slog.Logger
}

func NewHandler(d Deps) *Handler {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	jobs := d.Jobs
	if jobs == nil {
		jobs = scheduler.NewGroup()
	}
	return &Handler{
		devices:       d.Devices,
		messages:      d.Messages,
		conversations: d.Conversations,
		webhooks:      d.Webhooks,
		jobs:          jobs,
		metrics:       d.Metrics,
		gatherer:      d.Gatherer,
		verifyToken:   d.VerifyToken,
		appSecret:     d.AppSecret,
		log:           l.With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) schedulerState() map[string]any {
	statuses := h.jobs.Statuses()
	running := false
	for _, s := range statuses {
		running = running || s.Running
	}
	return map[string]any{"running": running, "jobs": statuses}
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerState())
}

// SchedulerStart starts the job named by ?job=, or every job.
func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	if !h.controlJobs(w, r, (*scheduler.Scheduler).Start, (*scheduler.Group).StartAll) {
		return
	}
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	if !h.controlJobs(w, r, (*scheduler.Scheduler).Stop, (*scheduler.Group).StopAll) {
		return
	}
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) controlJobs(w http.ResponseWriter, r *http.Request, one func(*scheduler.Scheduler) bool, all func(*scheduler.Group) int) bool {
	name := r.URL.Query().Get("job")
	if name == "" {
		all(h.jobs)
		return true
	}
	job, ok := h.jobs.Get(name)
	if !ok {
		writeError(w, apperr.NotFound("job %s not found", name))
		return false
	}
	one(job)
	return true
}

func ownerOf(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(ownerHeader))
	if owner == "" {
		return "", apperr.Auth("missing %s header", ownerHeader)
	}
	return owner, nil
}

// withOwner rejects requests that do not identify their owner.
func withOwner(next func(w http.ResponseWriter, r *http.Request, owner string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerOf(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, owner)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid request body")
	}
	return nil
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func page(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	return parseInt(q.Get("limit"), 50), parseInt(q.Get("offset"), 0)
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindConnection:
		return http.StatusServiceUnavailable
	case apperr.KindCredit:
		return http.StatusPaymentRequired
	case apperr.KindRateLimit:
		return http.StatusTooManyRequests
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Kind   apperr.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	reason := apperr.ReasonOf(err)
	if kind == apperr.KindInternal {
		slog.Error("request failed", "error", err)
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			reason = "internal error"
		}
	}
	writeJSON(w, statusOf(kind), map[string]any{"error": errorBody{Kind: kind, Reason: reason}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

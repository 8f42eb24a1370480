package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/devices", withOwner(h.CreateDevice))
	mux.HandleFunc("GET /v1/devices", withOwner(h.ListDevices))
	mux.HandleFunc("GET /v1/devices/{id}", withOwner(h.GetDevice))
	mux.HandleFunc("PATCH /v1/devices/{id}", withOwner(h.UpdateDevice))
	mux.HandleFunc("DELETE /v1/devices/{id}", withOwner(h.DeleteDevice))
	mux.HandleFunc("PUT /v1/devices/{id}/settings", withOwner(h.UpdateDeviceSettings))
	mux.HandleFunc("POST /v1/devices/{id}/initialize", withOwner(h.InitializeDevice))
	mux.HandleFunc("GET /v1/devices/{id}/pairing", withOwner(h.DevicePairing))
	mux.HandleFunc("POST /v1/devices/{id}/disconnect", withOwner(h.DisconnectDevice))
	mux.HandleFunc("POST /v1/devices/{id}/default", withOwner(h.SetDefaultDevice))
	mux.HandleFunc("GET /v1/devices/{id}/stats", withOwner(h.DeviceStats))
	mux.HandleFunc("GET /v1/devices/{id}/conversations", withOwner(h.ListConversations))

	mux.HandleFunc("POST /v1/messages", withOwner(h.SendMessage))
	mux.HandleFunc("POST /v1/messages/default", withOwner(h.SendDefaultMessage))
	mux.HandleFunc("GET /v1/messages", withOwner(h.ListMessages))
	mux.HandleFunc("GET /v1/messages/stats", withOwner(h.MessageStats))
	mux.HandleFunc("POST /v1/messages/{id}/resend", withOwner(h.ResendMessage))
	mux.HandleFunc("DELETE /v1/messages/{id}", withOwner(h.DeleteMessage))

	mux.HandleFunc("GET /v1/conversations/{id}/messages", withOwner(h.ConversationMessages))
	mux.HandleFunc("POST /v1/conversations/{id}/read", withOwner(h.MarkConversationRead))
	mux.HandleFunc("PATCH /v1/conversations/{id}", withOwner(h.SetConversationStatus))

	mux.HandleFunc("GET /v1/webhooks/cloud", h.VerifyWebhook)
	mux.HandleFunc("POST /v1/webhooks/cloud", h.ReceiveWebhook)

	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("messaging-gateway"))
	})

	return instrument(h, mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency by matched route pattern.
func instrument(h *Handler, next http.Handler) http.Handler {
	if h.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		h.metrics.HTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

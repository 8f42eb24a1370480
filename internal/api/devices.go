package api

import (
	"net/http"
	"strconv"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request, owner string) {
	var in service.CreateDevice
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.devices.Create(r.Context(), owner, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request, owner string) {
	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, apperr.Validation("active must be true or false"))
			return
		}
		active = &v
	}
	limit, offset := page(r)

	items, err := h.devices.List(r.Context(), owner, active, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request, owner string) {
	d, err := h.devices.Get(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) UpdateDevice(w http.ResponseWriter, r *http.Request, owner string) {
	var in service.UpdateDevice
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.devices.Update(r.Context(), owner, r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) UpdateDeviceSettings(w http.ResponseWriter, r *http.Request, owner string) {
	var in model.DeviceSettings
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.devices.UpdateSettings(r.Context(), owner, r.PathValue("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request, owner string) {
	if err := h.devices.Delete(r.Context(), owner, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) InitializeDevice(w http.ResponseWriter, r *http.Request, owner string) {
	st, err := h.devices.Initialize(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"state": st})
}

// DevicePairing answers with the current artifact, or null when there is
// none.
func (h *Handler) DevicePairing(w http.ResponseWriter, r *http.Request, owner string) {
	a, err := h.devices.Pairing(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifact": a})
}

func (h *Handler) DisconnectDevice(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	if err := h.devices.Disconnect(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	d, err := h.devices.Get(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) SetDefaultDevice(w http.ResponseWriter, r *http.Request, owner string) {
	d, err := h.devices.SetDefault(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) DeviceStats(w http.ResponseWriter, r *http.Request, owner string) {
	st, err := h.devices.Stats(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

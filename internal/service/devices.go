package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/LeventeLantos/messaging-gateway/internal/adapter"
	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/pairing"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

// Connections is the connection supervisor as seen by device
// administration.
type Connections interface {
	Initialize(ctx context.Context, deviceID string) (model.ConnState, error)
	Delete(ctx context.Context, d model.Device) error
}

type PairingReader interface {
	Fetch(ctx context.Context, deviceID string) (*pairing.Artifact, error)
}

// DeviceView is a device together with its live connection status.
type DeviceView struct {
	model.Device
	Status model.ConnState `json:"connection_status"`
}

type CreateDevice struct {
	Name       string                  `json:"name"`
	Backend    model.Backend           `json:"backend"`
	CreditCost *int64                  `json:"credit_cost,omitempty"`
	Active     *bool                   `json:"active,omitempty"`
	Settings   *model.DeviceSettings   `json:"settings,omitempty"`
	Cloud      *model.CloudCredentials `json:"cloud,omitempty"`
}

type UpdateDevice struct {
	Name       *string                 `json:"name,omitempty"`
	Backend    *model.Backend          `json:"backend,omitempty"`
	CreditCost *int64                  `json:"credit_cost,omitempty"`
	Active     *bool                   `json:"active,omitempty"`
	Cloud      *model.CloudCredentials `json:"cloud,omitempty"`
}

type Devices struct {
	repo     repo.DeviceRepository
	conns    Connections
	pairing  PairingReader
	adapters *adapter.Selector
	log      *slog.Logger
}

func NewDevices(r repo.DeviceRepository, conns Connections, pr PairingReader, adapters *adapter.Selector, l *slog.Logger) *Devices {
	if l == nil {
		l = slog.Default()
	}
	return &Devices{repo: r, conns: conns, pairing: pr, adapters: adapters, log: l.With("component", "devices")}
}

func checkSettings(s model.DeviceSettings) error {
	switch s.PairingMode {
	case "", model.PairingModeQR:
	case model.PairingModeCode:
		if strings.TrimSpace(s.PairingPhone) == "" {
			return apperr.Validation("pairing_mode code requires pairing_phone")
		}
	default:
		return apperr.Validation("unknown pairing_mode %q", s.PairingMode)
	}
	return nil
}

func (s *Devices) view(ctx context.Context, d *model.Device) *DeviceView {
	v := &DeviceView{Device: *d, Status: d.State}
	if a, err := s.adapters.For(*d); err == nil {
		v.Status = a.Status(ctx, *d)
	}
	return v
}

func (s *Devices) Create(ctx context.Context, ownerID string, in CreateDevice) (*DeviceView, error) {
	if ownerID == "" {
		return nil, apperr.Auth("missing owner")
	}
	if !in.Backend.Valid() {
		return nil, apperr.Validation("unsupported backend kind %q", in.Backend)
	}

	d := &model.Device{
		OwnerID:    ownerID,
		Name:       strings.TrimSpace(in.Name),
		Backend:    in.Backend,
		Active:     true,
		CreditCost: 1,
		Settings:   model.DeviceSettings{PairingMode: model.PairingModeQR},
	}
	if in.CreditCost != nil {
		if *in.CreditCost < 0 {
			return nil, apperr.Validation("credit_cost must not be negative")
		}
		d.CreditCost = *in.CreditCost
	}
	if in.Active != nil {
		d.Active = *in.Active
	}
	if in.Settings != nil {
		if err := checkSettings(*in.Settings); err != nil {
			return nil, err
		}
		d.Settings = *in.Settings
		if d.Settings.PairingMode == "" {
			d.Settings.PairingMode = model.PairingModeQR
		}
	}
	switch d.Backend {
	case model.BackendCloud:
		if !in.Cloud.Present() {
			return nil, apperr.Validation("cloud devices require cloud.phone_number_id and cloud.access_token")
		}
		creds := *in.Cloud
		d.Cloud = &creds
	case model.BackendSession:
		if in.Cloud != nil {
			return nil, apperr.Validation("session devices do not take cloud credentials")
		}
	}

	if err := s.repo.CreateDevice(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("device created", "device_id", d.ID, "owner_id", ownerID, "backend", d.Backend, "default", d.IsDefault)
	return s.view(ctx, d), nil
}

func (s *Devices) List(ctx context.Context, ownerID string, active *bool, limit, offset int) ([]DeviceView, error) {
	items, err := s.repo.ListDevices(ctx, model.DeviceFilter{OwnerID: ownerID, Active: active, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	out := make([]DeviceView, 0, len(items))
	for i := range items {
		out = append(out, *s.view(ctx, &items[i]))
	}
	return out, nil
}

func (s *Devices) Get(ctx context.Context, ownerID, id string) (*DeviceView, error) {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, d), nil
}

// Update changes administrative fields. The backend kind is fixed at
// creation.
func (s *Devices) Update(ctx context.Context, ownerID, id string, in UpdateDevice) (*DeviceView, error) {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, err
	}
	if in.Backend != nil && *in.Backend != d.Backend {
		return nil, apperr.Validation("backend kind is immutable after creation")
	}
	if in.Name != nil {
		d.Name = strings.TrimSpace(*in.Name)
	}
	if in.CreditCost != nil {
		if *in.CreditCost < 0 {
			return nil, apperr.Validation("credit_cost must not be negative")
		}
		d.CreditCost = *in.CreditCost
	}
	if in.Cloud != nil {
		if d.Backend != model.BackendCloud {
			return nil, apperr.Validation("session devices do not take cloud credentials")
		}
		if !in.Cloud.Present() {
			return nil, apperr.Validation("cloud credentials require phone_number_id and access_token")
		}
		creds := *in.Cloud
		d.Cloud = &creds
	}
	deactivate := in.Active != nil && !*in.Active && d.Active
	if in.Active != nil {
		d.Active = *in.Active
	}

	if err := s.repo.UpdateDevice(ctx, d); err != nil {
		return nil, err
	}
	if deactivate {
		if err := s.disconnect(ctx, d); err != nil {
			s.log.Warn("disconnect deactivated device failed", "device_id", d.ID, "error", err)
		}
	}
	return s.Get(ctx, ownerID, id)
}

func (s *Devices) UpdateSettings(ctx context.Context, ownerID, id string, settings model.DeviceSettings) (*DeviceView, error) {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := checkSettings(settings); err != nil {
		return nil, err
	}
	if settings.PairingMode == "" {
		settings.PairingMode = model.PairingModeQR
	}
	d.Settings = settings
	if err := s.repo.UpdateDevice(ctx, d); err != nil {
		return nil, err
	}
	return s.view(ctx, d), nil
}

// Delete tears down the device's connection and local session, then
// removes the device.
func (s *Devices) Delete(ctx context.Context, ownerID, id string) error {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return err
	}
	if d.Backend == model.BackendSession && s.conns != nil {
		if err := s.conns.Delete(ctx, *d); err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.log.Warn("session teardown failed, deleting anyway", "device_id", d.ID, "error", err)
		}
	}
	if err := s.repo.DeleteDevice(ctx, d.ID); err != nil {
		return err
	}
	s.log.Info("device deleted", "device_id", d.ID, "owner_id", ownerID)
	return nil
}

func (s *Devices) Initialize(ctx context.Context, ownerID, id string) (model.ConnState, error) {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return "", err
	}
	if d.Backend != model.BackendSession {
		return "", apperr.Validation("cloud devices need no initialization")
	}
	return s.conns.Initialize(ctx, d.ID)
}

// Pairing returns the current pairing artifact, or nil when there is none.
func (s *Devices) Pairing(ctx context.Context, ownerID, id string) (*pairing.Artifact, error) {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, err
	}
	if d.Backend != model.BackendSession {
		return nil, nil
	}
	return s.pairing.Fetch(ctx, d.ID)
}

func (s *Devices) Disconnect(ctx context.Context, ownerID, id string) error {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return err
	}
	return s.disconnect(ctx, d)
}

func (s *Devices) disconnect(ctx context.Context, d *model.Device) error {
	a, err := s.adapters.For(*d)
	if err != nil {
		return err
	}
	return a.Disconnect(ctx, *d)
}

func (s *Devices) SetDefault(ctx context.Context, ownerID, id string) (*DeviceView, error) {
	if err := s.repo.SetDefault(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.Get(ctx, ownerID, id)
}

func (s *Devices) Stats(ctx context.Context, ownerID, id string) (*model.DeviceStats, error) {
	d, err := ownedDevice(ctx, s.repo, ownerID, id)
	if err != nil {
		return nil, err
	}
	st, err := s.repo.DeviceStats(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if a, err := s.adapters.For(*d); err == nil {
		st.State = a.Status(ctx, *d)
	}
	return st, nil
}

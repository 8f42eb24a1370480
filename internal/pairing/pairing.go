// Package pairing issues and expires the short-lived artifacts a person uses
// to link a session device: a QR image or a phone linking code.
package pairing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	DefaultTTL    = 5 * time.Minute
	DefaultQRSize = 256

	KindQR   = "qr"
	KindCode = "code"
)

// Artifact is the current pairing challenge of one device.
type Artifact struct {
	DeviceID  string    `json:"device_id"`
	Kind      string    `json:"kind"`
	Code      string    `json:"code"`
	Image     string    `json:"image,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store holds at most one artifact per device. Get returns nil, nil when
// nothing is stored.
type Store interface {
	Put(ctx context.Context, a Artifact) error
	Get(ctx context.Context, deviceID string) (*Artifact, error)
	Delete(ctx context.Context, deviceID string) error
}

// Sweeper is implemented by stores that need an explicit pass to drop
// expired entries.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Manager struct {
	store  Store
	ttl    time.Duration
	qrSize int
	now    func() time.Time
	log    *slog.Logger
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithQRSize(size int) Option {
	return func(m *Manager) {
		if size >= 128 && size <= 1024 {
			m.qrSize = size
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ttl:    DefaultTTL,
		qrSize: DefaultQRSize,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "pairing")
	return m
}

// Issue renders raw into an artifact of the given kind and stores it,
// replacing whatever the device had before.
func (m *Manager) Issue(ctx context.Context, deviceID, raw, kind string) (Artifact, error) {
	raw = strings.TrimSpace(raw)
	if deviceID == "" || raw == "" {
		return Artifact{}, errors.New("device id and challenge are required")
	}

	now := m.now().UTC()
	a := Artifact{
		DeviceID:  deviceID,
		Kind:      kind,
		Code:      raw,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}

	switch kind {
	case KindQR:
		png, err := qrcode.Encode(raw, qrcode.Medium, m.qrSize)
		if err != nil {
			return Artifact{}, fmt.Errorf("render qr: %w", err)
		}
		a.Image = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	case KindCode:
	default:
		return Artifact{}, fmt.Errorf("unknown pairing kind %q", kind)
	}

	if err := m.store.Put(ctx, a); err != nil {
		return Artifact{}, fmt.Errorf("store pairing artifact: %w", err)
	}
	m.log.Info("pairing artifact issued", "device_id", deviceID, "kind", kind, "expires_at", a.ExpiresAt)
	return a, nil
}

// Fetch returns the artifact of deviceID while it is unexpired. An expired
// entry is evicted and reported as absent.
func (m *Manager) Fetch(ctx context.Context, deviceID string) (*Artifact, error) {
	a, err := m.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, nil
	}
	if !m.now().Before(a.ExpiresAt) {
		if err := m.store.Delete(ctx, deviceID); err != nil {
			m.log.Warn("evict expired pairing artifact failed", "device_id", deviceID, "error", err)
		}
		return nil, nil
	}
	return a, nil
}

// Clear drops the artifact of deviceID, if any.
func (m *Manager) Clear(ctx context.Context, deviceID string) error {
	return m.store.Delete(ctx, deviceID)
}

// Sweep drops expired artifacts when the store needs it. Stores with native
// expiry are left alone.
func (m *Manager) Sweep(ctx context.Context) {
	s, ok := m.store.(Sweeper)
	if !ok {
		return
	}
	n, err := s.Sweep(ctx, m.now())
	if err != nil {
		m.log.Error("pairing sweep failed", "error", err)
		return
	}
	if n > 0 {
		m.log.Info("pairing sweep evicted artifacts", "count", n)
	}
}

// Package ingest turns provider events into canonical message and
// conversation mutations.
//
// Ingestion is idempotent on the external id: a redelivered message is a
// no-op. Status updates only ever move a message forward; unknown ids and
// regressions are dropped without error.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/cache"
	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/session"
	"github.com/LeventeLantos/messaging-gateway/internal/supervisor"
)

type Store interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	FindCloudDevice(ctx context.Context, phoneNumberID string) (*model.Device, error)
	InsertInbound(ctx context.Context, m *model.Message, touch model.ConversationTouch) (bool, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (bool, error)
}

var _ Store = (repo.Store)(nil)

// InboundMessage is a received message in provider-neutral form.
type InboundMessage struct {
	DeviceID   string
	ExternalID string
	Sender     string
	Content    model.Content
	At         time.Time
}

// StatusUpdate reports a new status for the message with ExternalID.
type StatusUpdate struct {
	ExternalID string
	Status     model.Status
	At         time.Time
	Reason     string
}

type Normalizer struct {
	store     Store
	cache     cache.MessageCache
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

var _ supervisor.InboundHandler = (*Normalizer)(nil)

func NewNormalizer(store Store, c cache.MessageCache, publisher events.Publisher, m *metrics.Metrics, l *slog.Logger) *Normalizer {
	if c == nil {
		c = cache.Noop{}
	}
	if l == nil {
		l = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(l)
	}
	return &Normalizer{
		store:     store,
		cache:     c,
		publisher: publisher,
		metrics:   m,
		log:       l.With("component", "normalizer"),
		now:       time.Now,
	}
}

// Ingest stores in as an inbound message. It returns the stored message, or
// nil when the external id was already ingested.
func (n *Normalizer) Ingest(ctx context.Context, in InboundMessage) (*model.Message, error) {
	if in.Sender == "" {
		return nil, apperr.Validation("inbound message without sender")
	}
	if in.ExternalID != "" {
		if _, seen, err := n.cache.Lookup(ctx, in.ExternalID); err != nil {
			n.log.Warn("external id cache lookup failed", "external_id", in.ExternalID, "error", err)
		} else if seen {
			return nil, nil
		}
	}

	d, err := n.store.GetDevice(ctx, in.DeviceID)
	if err != nil {
		return nil, err
	}

	at := in.At
	if at.IsZero() {
		at = n.now()
	}
	at = at.UTC()

	m := &model.Message{
		ID:          uuid.NewString(),
		DeviceID:    d.ID,
		Direction:   model.Inbound,
		Counterpart: in.Sender,
		Content:     in.Content,
		ExternalID:  in.ExternalID,
		Status:      model.Delivered,
		StatusAt:    at,
		CreatedAt:   at,
	}
	touch := model.ConversationTouch{
		DeviceID:    d.ID,
		Counterpart: in.Sender,
		Direction:   model.Inbound,
		Preview:     in.Content.Preview(),
		At:          at,
	}

	created, err := n.store.InsertInbound(ctx, m, touch)
	if err != nil {
		return nil, err
	}
	if !created {
		n.log.Debug("duplicate inbound message ignored", "device_id", d.ID, "external_id", in.ExternalID)
		return nil, nil
	}

	if m.ExternalID != "" {
		if err := n.cache.Remember(ctx, m.ExternalID, m.ID, at); err != nil {
			n.log.Warn("remember external id failed", "external_id", m.ExternalID, "error", err)
		}
	}
	n.metrics.MessageStored(string(d.Backend), string(model.Inbound))

	content := m.Content
	if err := n.publisher.Publish(ctx, model.Event{
		Type:       model.EventMessageReceived,
		DeviceID:   d.ID,
		MessageID:  m.ID,
		Sender:     m.Counterpart,
		Content:    &content,
		OccurredAt: n.now().UTC(),
	}); err != nil {
		n.log.Warn("publish message.received failed", "message_id", m.ID, "error", err)
	}
	return m, nil
}

// ApplyStatus moves the message with u.ExternalID to u.Status when that is
// forward progress. It reports whether the message changed.
func (n *Normalizer) ApplyStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	if !u.Status.Valid() {
		return false, apperr.Validation("unknown status %q", u.Status)
	}

	m, err := n.findByExternalID(ctx, u.ExternalID)
	if apperr.Is(err, apperr.KindNotFound) {
		n.metrics.StatusIgnored("unknown")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !m.Status.Advances(u.Status) {
		n.metrics.StatusIgnored("stale")
		n.log.Debug("status update ignored", "message_id", m.ID, "from", m.Status, "to", u.Status)
		return false, nil
	}

	at := u.At
	if at.IsZero() {
		at = n.now()
	}
	ok, err := n.store.UpdateStatus(ctx, m.ID, m.Status, u.Status, at.UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		n.metrics.StatusIgnored("stale")
		return false, nil
	}
	if u.Status == model.Failed {
		n.log.Warn("message failed", "message_id", m.ID, "external_id", u.ExternalID, "reason", u.Reason)
	}
	return true, nil
}

func (n *Normalizer) findByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	if externalID == "" {
		return nil, apperr.NotFound("empty external id")
	}
	id, ok, err := n.cache.Lookup(ctx, externalID)
	if err != nil {
		n.log.Warn("external id cache lookup failed", "external_id", externalID, "error", err)
	}
	if ok {
		m, err := n.store.GetMessage(ctx, id)
		if err == nil {
			return m, nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
	}
	return n.store.GetMessageByExternalID(ctx, externalID)
}

// Remember records the external id of a message the gateway sent, so
// receipts resolve without a database lookup.
func (n *Normalizer) Remember(ctx context.Context, m *model.Message) {
	if m.ExternalID == "" {
		return
	}
	if err := n.cache.Remember(ctx, m.ExternalID, m.ID, m.CreatedAt); err != nil {
		n.log.Warn("remember external id failed", "external_id", m.ExternalID, "error", err)
	}
}

// Inbound ingests a message heard by a session device.
func (n *Normalizer) Inbound(ctx context.Context, deviceID string, in session.Inbound) error {
	_, err := n.Ingest(ctx, InboundMessage{
		DeviceID:   deviceID,
		ExternalID: in.ExternalID,
		Sender:     in.Sender,
		Content:    in.Content,
		At:         in.At,
	})
	return err
}

// Receipt applies a session receipt to every message it names.
func (n *Normalizer) Receipt(ctx context.Context, deviceID string, r session.Receipt) error {
	for _, id := range r.ExternalIDs {
		if _, err := n.ApplyStatus(ctx, StatusUpdate{ExternalID: id, Status: r.Status, At: r.At}); err != nil {
			return err
		}
	}
	return nil
}

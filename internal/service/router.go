// Package service implements the request-level operations of the gateway:
// outbound routing, device administration and conversation reads.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/adapter"
	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/credit"
	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

// SentRecorder is told about every committed outbound message so receipts
// for it can be correlated.
type SentRecorder interface {
	Remember(ctx context.Context, m *model.Message)
}

type SendRequest struct {
	DeviceID     string        `json:"device_id"`
	Recipient    string        `json:"recipient"`
	Content      model.Content `json:"content"`
	AutomationID string        `json:"automation_id,omitempty"`
	LeadID       string        `json:"lead_id,omitempty"`

	resendOf string
}

// Router is the outbound path: credit check, adapter selection, send,
// then one durable commit of message, counters and conversation.
type Router struct {
	devices  repo.DeviceRepository
	messages repo.MessageRepository
	meter    credit.Meter
	adapters *adapter.Selector
	recorder SentRecorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func NewRouter(devices repo.DeviceRepository, messages repo.MessageRepository, meter credit.Meter, adapters *adapter.Selector, recorder SentRecorder, m *metrics.Metrics, l *slog.Logger) *Router {
	if l == nil {
		l = slog.Default()
	}
	return &Router{
		devices:  devices,
		messages: messages,
		meter:    meter,
		adapters: adapters,
		recorder: recorder,
		metrics:  m,
		log:      l.With("component", "router"),
		now:      time.Now,
	}
}

// normalizeRecipient reduces a phone number to its digits. Addresses that
// name a server, such as group ids, are kept as given.
func normalizeRecipient(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "@") {
		return raw, nil
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return "", apperr.Validation("recipient %q is not a phone number", raw)
	}
	return digits, nil
}

func ownedDevice(ctx context.Context, devices repo.DeviceRepository, ownerID, deviceID string) (*model.Device, error) {
	d, err := devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, apperr.NotFound("device %s not found", deviceID)
	}
	return d, nil
}

// Send delivers req through its device. Nothing is persisted or debited
// unless the transport accepted the message.
func (r *Router) Send(ctx context.Context, ownerID string, req SendRequest) (*model.Message, error) {
	msg, err := r.send(ctx, ownerID, req)
	if err != nil {
		r.metrics.SendFailed(string(apperr.KindOf(err)))
	}
	return msg, err
}

func (r *Router) send(ctx context.Context, ownerID string, req SendRequest) (*model.Message, error) {
	recipient, err := normalizeRecipient(req.Recipient)
	if err != nil {
		return nil, err
	}
	if reason := req.Content.Check(); reason != "" {
		return nil, apperr.Validation("%s", reason)
	}

	d, err := ownedDevice(ctx, r.devices, ownerID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !d.Active {
		return nil, apperr.Validation("device %s is inactive", d.ID)
	}

	balance, err := r.meter.Balance(ctx, d.OwnerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "read credit balance")
	}
	if balance < d.CreditCost {
		return nil, apperr.Credit("balance %d is below the per-message cost %d", balance, d.CreditCost)
	}

	a, err := r.adapters.For(*d)
	if err != nil {
		return nil, err
	}
	res, err := a.Send(ctx, *d, recipient, req.Content)
	if err != nil {
		r.log.Warn("send failed",
			"device_id", d.ID,
			"backend", d.Backend,
			"kind", apperr.KindOf(err),
			"error", err,
		)
		return nil, err
	}

	now := r.now().UTC()
	status := res.Status
	if status == "" {
		status = model.Sent
	}
	m := &model.Message{
		ID:             uuid.NewString(),
		DeviceID:       d.ID,
		Direction:      model.Outbound,
		Counterpart:    recipient,
		Content:        res.Content,
		ExternalID:     res.ExternalID,
		Status:         status,
		StatusAt:       now,
		CreditsCharged: d.CreditCost,
		AutomationID:   req.AutomationID,
		LeadID:         req.LeadID,
		ResendOf:       req.resendOf,
		CreatedAt:      now,
	}
	touch := model.ConversationTouch{
		DeviceID:    d.ID,
		Counterpart: recipient,
		Direction:   model.Outbound,
		Preview:     m.Content.Preview(),
		At:          now,
	}

	if err := r.messages.CommitOutbound(ctx, m, touch); err != nil {
		r.log.Error("message delivered but not recorded",
			"device_id", d.ID,
			"message_id", m.ID,
			"external_id", res.ExternalID,
			"error", err,
		)
		// No row means no pending debit for the reconciler; charge now.
		if m.CreditsCharged > 0 {
			if derr := r.meter.Debit(ctx, d.OwnerID, m.CreditsCharged, m.ID); derr != nil {
				r.log.Error("debit of unrecorded message failed",
					"message_id", m.ID,
					"external_id", res.ExternalID,
					"amount", m.CreditsCharged,
					"error", derr,
				)
			}
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "message %s was delivered but could not be recorded", res.ExternalID)
	}
	r.metrics.MessageStored(string(d.Backend), string(model.Outbound))
	if r.recorder != nil {
		r.recorder.Remember(ctx, m)
	}

	if m.DebitPending {
		if err := r.meter.Debit(ctx, d.OwnerID, m.CreditsCharged, m.ID); err != nil {
			r.log.Warn("debit deferred to reconciler", "message_id", m.ID, "error", err)
		} else if err := r.messages.MarkDebited(ctx, m.ID); err != nil {
			r.log.Warn("mark debited failed", "message_id", m.ID, "error", err)
		} else {
			m.DebitPending = false
		}
	}

	r.log.Info("message sent",
		"message_id", m.ID,
		"device_id", d.ID,
		"backend", d.Backend,
		"type", m.Content.Type,
	)
	return m, nil
}

// SendViaDefault sends through the owner's default device.
func (r *Router) SendViaDefault(ctx context.Context, ownerID string, req SendRequest) (*model.Message, error) {
	d, err := r.devices.GetDefaultDevice(ctx, ownerID)
	if err != nil {
		r.metrics.SendFailed(string(apperr.KindOf(err)))
		return nil, err
	}
	req.DeviceID = d.ID
	return r.Send(ctx, ownerID, req)
}

// Resend sends the content of a failed outbound message again as a new
// message.
func (r *Router) Resend(ctx context.Context, ownerID, messageID string) (*model.Message, error) {
	prev, err := r.ownedMessage(ctx, ownerID, messageID)
	if err != nil {
		return nil, err
	}
	if prev.Direction != model.Outbound {
		return nil, apperr.Validation("only outbound messages can be resent")
	}
	if prev.Status != model.Failed {
		return nil, apperr.Validation("message %s is %s; only failed messages can be resent", prev.ID, prev.Status)
	}
	return r.Send(ctx, ownerID, SendRequest{
		DeviceID:     prev.DeviceID,
		Recipient:    prev.Counterpart,
		Content:      prev.Content,
		AutomationID: prev.AutomationID,
		LeadID:       prev.LeadID,
		resendOf:     prev.ID,
	})
}

func (r *Router) ownedMessage(ctx context.Context, ownerID, messageID string) (*model.Message, error) {
	m, err := r.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := ownedDevice(ctx, r.devices, ownerID, m.DeviceID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.NotFound("message %s not found", messageID)
		}
		return nil, err
	}
	return m, nil
}

func (r *Router) scope(ctx context.Context, ownerID string, f model.MessageFilter) (model.MessageFilter, error) {
	f.OwnerID = ownerID
	if f.DeviceID != "" {
		if _, err := ownedDevice(ctx, r.devices, ownerID, f.DeviceID); err != nil {
			return f, err
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, apperr.Validation("date range ends before it starts")
	}
	return f, nil
}

// History lists the owner's messages, newest first.
func (r *Router) History(ctx context.Context, ownerID string, f model.MessageFilter) ([]model.Message, error) {
	f, err := r.scope(ctx, ownerID, f)
	if err != nil {
		return nil, err
	}
	return r.messages.ListMessages(ctx, f)
}

func (r *Router) Stats(ctx context.Context, ownerID string, f model.MessageFilter, bucket model.Bucket) ([]model.StatsBucket, error) {
	if bucket == "" {
		bucket = model.BucketDay
	}
	if !bucket.Valid() {
		return nil, apperr.Validation("unknown bucket %q", bucket)
	}
	f, err := r.scope(ctx, ownerID, f)
	if err != nil {
		return nil, err
	}
	return r.messages.MessageStats(ctx, f, bucket)
}

func (r *Router) Delete(ctx context.Context, ownerID, messageID string) error {
	if _, err := r.ownedMessage(ctx, ownerID, messageID); err != nil {
		return err
	}
	return r.messages.DeleteMessage(ctx, messageID)
}

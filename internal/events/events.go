// Package events publishes domain events for external automation consumers.
//
// Publishing is fire-and-forget from the caller's point of view: callers log
// a failed publish and carry on.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// Topic joins prefix and the event type with sep, e.g. "gateway/events/message.received".
func Topic(prefix, sep string, t model.EventType) string {
	prefix = strings.TrimRight(prefix, sep)
	if prefix == "" {
		return string(t)
	}
	return prefix + sep + string(t)
}

func encode(e model.Event) ([]byte, error) {
	return json.Marshal(e)
}

// LogPublisher writes events to the log. It is the default sink.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(l *slog.Logger) *LogPublisher {
	if l == nil {
		l = slog.Default()
	}
	return &LogPublisher{log: l.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e model.Event) error {
	p.log.InfoContext(ctx, "domain event",
		"type", e.Type,
		"device_id", e.DeviceID,
		"message_id", e.MessageID,
		"state", e.State,
		"reason", e.Reason,
	)
	return nil
}

// Instrumented counts publish outcomes of an underlying Publisher.
type Instrumented struct {
	next    Publisher
	metrics *metrics.Metrics
}

func NewInstrumented(next Publisher, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func (p *Instrumented) Publish(ctx context.Context, e model.Event) error {
	err := p.next.Publish(ctx, e)
	p.metrics.EventPublished(string(e.Type), err)
	return err
}

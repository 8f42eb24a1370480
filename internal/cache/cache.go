// Package cache keeps short-lived lookups in Redis: external provider ids
// mapped to message ids, and pairing artifacts.
package cache

import (
	"context"
	"time"
)

// MessageCache maps provider-assigned external ids to stored message ids.
// It is a fast path only; the message store stays authoritative.
type MessageCache interface {
	Remember(ctx context.Context, externalID, messageID string, at time.Time) error
	Lookup(ctx context.Context, externalID string) (messageID string, ok bool, err error)
}

// Noop is a MessageCache that remembers nothing.
type Noop struct{}

func (Noop) Remember(context.Context, string, string, time.Time) error { return nil }

func (Noop) Lookup(context.Context, string) (string, bool, error) { return "", false, nil }

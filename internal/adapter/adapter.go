// Package adapter hides the two transports behind one send/status/disconnect
// contract. Callers pick an adapter once per device through Selector.
package adapter

import (
	"context"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// Result is what a transport reports for an accepted send.
type Result struct {
	ExternalID string
	Status     model.Status
	// Content is the content as delivered, with template bodies resolved
	// when the transport renders them locally.
	Content model.Content
}

type BackendAdapter interface {
	Send(ctx context.Context, d model.Device, recipient string, content model.Content) (Result, error)
	Status(ctx context.Context, d model.Device) model.ConnState
	Disconnect(ctx context.Context, d model.Device) error
}

type Selector struct {
	session BackendAdapter
	cloud   BackendAdapter
}

func NewSelector(session, cloud BackendAdapter) *Selector {
	return &Selector{session: session, cloud: cloud}
}

// For returns the adapter serving d's backend kind.
func (s *Selector) For(d model.Device) (BackendAdapter, error) {
	var a BackendAdapter
	switch d.Backend {
	case model.BackendSession:
		a = s.session
	case model.BackendCloud:
		a = s.cloud
	default:
		return nil, apperr.Validation("unsupported backend kind %q", d.Backend)
	}
	if a == nil {
		return nil, apperr.Validation("backend %s is not enabled", d.Backend)
	}
	return a, nil
}

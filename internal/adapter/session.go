package adapter

import (
	"context"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
)

// Connections is the part of the connection supervisor the session adapter
// drives.
type Connections interface {
	Send(ctx context.Context, deviceID, recipient string, content model.Content) (string, error)
	Status(deviceID string) (model.ConnState, bool)
	Disconnect(ctx context.Context, deviceID string) error
}

// SessionAdapter sends through the live connection task of a session
// device.
type SessionAdapter struct {
	conns     Connections
	templates repo.TemplateStore
}

var _ BackendAdapter = (*SessionAdapter)(nil)

func NewSessionAdapter(conns Connections, templates repo.TemplateStore) *SessionAdapter {
	return &SessionAdapter{conns: conns, templates: templates}
}

func (a *SessionAdapter) Send(ctx context.Context, d model.Device, recipient string, content model.Content) (Result, error) {
	// The session protocol has no template concept; render the body here.
	if content.Type == model.ContentTemplate && content.Text == "" && a.templates != nil {
		t, err := a.templates.GetTemplate(ctx, d.OwnerID, content.TemplateName, content.TemplateLanguage)
		if err != nil {
			return Result{}, err
		}
		content.Text = t.Render(content.TemplateParams)
	}

	id, err := a.conns.Send(ctx, d.ID, recipient, content)
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalID: id, Status: model.Sent, Content: content}, nil
}

// Status reports the state of the live task, falling back to the stored
// state. A stored live state without a task is stale and reads as
// disconnected.
func (a *SessionAdapter) Status(_ context.Context, d model.Device) model.ConnState {
	if st, ok := a.conns.Status(d.ID); ok {
		return st
	}
	if d.State.Live() {
		return model.StateDisconnected
	}
	return d.State
}

func (a *SessionAdapter) Disconnect(ctx context.Context, d model.Device) error {
	return a.conns.Disconnect(ctx, d.ID)
}

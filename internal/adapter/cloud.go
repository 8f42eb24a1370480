package adapter

import (
	"context"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

type CloudSender interface {
	Send(ctx context.Context, creds model.CloudCredentials, recipient string, content model.Content) (string, error)
}

// CloudAdapter is stateless: every send is one request with the device's
// stored credentials.
type CloudAdapter struct {
	client CloudSender
}

var _ BackendAdapter = (*CloudAdapter)(nil)

func NewCloudAdapter(client CloudSender) *CloudAdapter {
	return &CloudAdapter{client: client}
}

func (a *CloudAdapter) Send(ctx context.Context, d model.Device, recipient string, content model.Content) (Result, error) {
	if !d.Cloud.Present() {
		return Result{}, apperr.Auth("device %s has no cloud credentials", d.ID)
	}
	id, err := a.client.Send(ctx, *d.Cloud, recipient, content)
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalID: id, Status: model.Sent, Content: content}, nil
}

func (a *CloudAdapter) Status(_ context.Context, d model.Device) model.ConnState {
	if d.Cloud.Present() {
		return model.StateConnected
	}
	return model.StateDisconnected
}

// Disconnect is a no-op; there is no connection to release.
func (a *CloudAdapter) Disconnect(context.Context, model.Device) error { return nil }

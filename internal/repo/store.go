// Package repo persists devices, messages and conversations.
//
// Connection-state fields of a device are written only through
// UpdateConnection, which the connection supervisor owns. Message and
// conversation rows are written only by the outbound router and the inbound
// normalizer through CommitOutbound and InsertInbound; both apply the
// message, the device counter and the conversation thread in one unit.
package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

type DeviceRepository interface {
	// CreateDevice stores d. The first device of an owner becomes default.
	CreateDevice(ctx context.Context, d *model.Device) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	GetDefaultDevice(ctx context.Context, ownerID string) (*model.Device, error)
	FindCloudDevice(ctx context.Context, phoneNumberID string) (*model.Device, error)
	ListDevices(ctx context.Context, f model.DeviceFilter) ([]model.Device, error)
	// UpdateDevice writes the administrative fields of d: name, active,
	// credit cost, settings and cloud credentials.
	UpdateDevice(ctx context.Context, d *model.Device) error
	// DeleteDevice removes the device with its messages and conversations.
	// When it was the default, the newest remaining active device of the
	// owner is promoted.
	DeleteDevice(ctx context.Context, id string) error
	// SetDefault clears the default flag on every sibling and sets it on id
	// in one transaction.
	SetDefault(ctx context.Context, ownerID, id string) error
	UpdateConnection(ctx context.Context, id string, u ConnectionUpdate) error
	DeviceStats(ctx context.Context, id string) (*model.DeviceStats, error)
	// ListSessionDevices returns active session devices holding a session
	// reference whose stored state is restorable, for restoring connections
	// at boot.
	ListSessionDevices(ctx context.Context) ([]model.Device, error)
}

// ConnectionUpdate carries supervisor-owned fields. Nil pointers are left
// unchanged.
type ConnectionUpdate struct {
	State      model.ConnState
	Address    *string
	SessionRef *string
	LastError  *string
}

type MessageRepository interface {
	// CommitOutbound persists a sent message with DebitPending set, counts it
	// on the device and touches its conversation, atomically.
	CommitOutbound(ctx context.Context, m *model.Message, touch model.ConversationTouch) error
	// InsertInbound persists a received message unless one with the same
	// external id exists. created is false for duplicates.
	InsertInbound(ctx context.Context, m *model.Message, touch model.ConversationTouch) (created bool, err error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	// UpdateStatus moves a message from status from to status to. It returns
	// false when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (bool, error)
	ListMessages(ctx context.Context, f model.MessageFilter) ([]model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MessageStats(ctx context.Context, f model.MessageFilter, bucket model.Bucket) ([]model.StatsBucket, error)
	ListPendingDebits(ctx context.Context, limit int) ([]PendingDebit, error)
	MarkDebited(ctx context.Context, id string) error
}

// PendingDebit is an outbound message whose credit debit has not been
// confirmed by the credit meter.
type PendingDebit struct {
	MessageID string
	OwnerID   string
	Amount    int64
}

type ConversationRepository interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, deviceID string, limit, offset int) ([]model.Conversation, error)
	// ConversationMessages returns messages oldest first.
	ConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	MarkConversationRead(ctx context.Context, id string) error
	SetConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error
}

type Store interface {
	DeviceRepository
	MessageRepository
	ConversationRepository
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

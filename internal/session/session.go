// Package session drives the multi-device session protocol for one device.
//
// A Session is owned by exactly one connection task. It reports everything
// that happens on the wire through the emit callback given to Factory.Open;
// the callback must not block for long.
package session

import (
	"context"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

type EventKind int

const (
	// EventPairing carries a fresh pairing challenge in Code.
	EventPairing EventKind = iota + 1
	// EventPairingTimeout means no challenge was answered in time.
	EventPairingTimeout
	// EventConnected carries the resolved Address and session Ref.
	EventConnected
	// EventDisconnected is a recoverable transport drop.
	EventDisconnected
	// EventLoggedOut means the credentials were revoked.
	EventLoggedOut
	EventMessage
	EventReceipt
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventPairingTimeout:
		return "pairing_timeout"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventLoggedOut:
		return "logged_out"
	case EventMessage:
		return "message"
	case EventReceipt:
		return "receipt"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind

	Code        string
	PairingKind string

	Address string
	Ref     string
	Reason  string

	Inbound *Inbound
	Receipt *Receipt
}

// Inbound is a message received by the device.
type Inbound struct {
	ExternalID string
	Sender     string
	Content    model.Content
	At         time.Time
}

// Receipt reports a status change of messages the device sent.
type Receipt struct {
	ExternalIDs []string
	Status      model.Status
	At          time.Time
}

type Session interface {
	// Connect dials the provider. Pairing challenges, if any, arrive as
	// events afterwards.
	Connect(ctx context.Context) error
	Disconnect()
	// Logout revokes the credentials on the provider side.
	Logout(ctx context.Context) error
	Send(ctx context.Context, recipient string, content model.Content) (externalID string, err error)
	// Wipe removes the locally stored credentials.
	Wipe(ctx context.Context) error
}

type Factory interface {
	Open(ctx context.Context, d model.Device, emit func(Event)) (Session, error)
}

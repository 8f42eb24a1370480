package model

import "time"

type Backend string

const (
	BackendSession Backend = "session"
	BackendCloud   Backend = "cloud"
)

func (b Backend) Valid() bool {
	return b == BackendSession || b == BackendCloud
}

// ConnState is the connection lifecycle state of a device. Cloud devices
// never leave StateUninitialized in storage; their live status is derived
// from the presence of credentials.
type ConnState string

const (
	StateUninitialized ConnState = "uninitialized"
	StateInitializing  ConnState = "initializing"
	StatePairingWait   ConnState = "pairing_wait"
	StateConnected     ConnState = "connected"
	StateReconnecting  ConnState = "reconnecting"
	StateDisconnected  ConnState = "disconnected"
	StateLoggedOut     ConnState = "logged_out"
)

// Live reports whether a connection task owns the device in this state.
func (s ConnState) Live() bool {
	switch s {
	case StateInitializing, StatePairingWait, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// Restorable reports whether a device stored in this state is reconnected
// at boot. logged_out is terminal and disconnected was asked for by the
// owner.
func (s ConnState) Restorable() bool {
	return s != StateLoggedOut && s != StateDisconnected
}

const (
	PairingModeQR   = "qr"
	PairingModeCode = "code"
)

type DeviceSettings struct {
	PairingMode  string `json:"pairing_mode"`
	PairingPhone string `json:"pairing_phone,omitempty"`
	ReadReceipts bool   `json:"read_receipts"`
}

// CloudCredentials are the long-lived credentials of a cloud device.
type CloudCredentials struct {
	PhoneNumberID     string `json:"phone_number_id"`
	BusinessAccountID string `json:"business_account_id,omitempty"`
	AccessToken       string `json:"access_token,omitempty"`
	APIVersion        string `json:"api_version,omitempty"`
}

func (c *CloudCredentials) Present() bool {
	return c != nil && c.PhoneNumberID != "" && c.AccessToken != ""
}

type Device struct {
	ID      string  `json:"id"`
	OwnerID string  `json:"owner_id"`
	Name    string  `json:"name"`
	Backend Backend `json:"backend"`

	// SessionRef identifies the local session credentials of a session
	// device. Opaque outside the session package.
	SessionRef string            `json:"-"`
	Cloud      *CloudCredentials `json:"-"`

	State     ConnState `json:"state"`
	Address   string    `json:"address,omitempty"`
	LastError string    `json:"last_error,omitempty"`

	IsDefault  bool  `json:"is_default"`
	Active     bool  `json:"active"`
	CreditCost int64 `json:"credit_cost"`

	SentCount     int64     `json:"sent_count"`
	ReceivedCount int64     `json:"received_count"`
	PeriodStart   time.Time `json:"period_start"`

	Settings DeviceSettings `json:"settings"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PeriodStartOf returns the counter period containing t.
func PeriodStartOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

type DeviceFilter struct {
	OwnerID string
	Active  *bool
	Limit   int
	Offset  int
}

type DeviceStats struct {
	DeviceID      string           `json:"device_id"`
	State         ConnState        `json:"state"`
	PeriodStart   time.Time        `json:"period_start"`
	SentCount     int64            `json:"sent_count"`
	ReceivedCount int64            `json:"received_count"`
	ByStatus      map[Status]int64 `json:"by_status"`
	Conversations int64            `json:"conversations"`
	Unread        int64            `json:"unread"`
}

package model

import "time"

type EventType string

const (
	EventMessageReceived    EventType = "message.received"
	EventDeviceStateChanged EventType = "device.state_changed"
	EventDeviceFailed       EventType = "device.failed"
)

// Event is published to external automation consumers.
type Event struct {
	Type       EventType `json:"type"`
	DeviceID   string    `json:"device_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	Content    *Content  `json:"content,omitempty"`
	State      ConnState `json:"state,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

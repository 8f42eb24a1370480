package model

import "time"

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is the thread between one device and one counterpart address.
type Conversation struct {
	ID            string             `json:"id"`
	DeviceID      string             `json:"device_id"`
	Counterpart   string             `json:"counterpart"`
	LastMessageAt time.Time          `json:"last_message_at"`
	LastPreview   string             `json:"last_preview"`
	LastDirection Direction          `json:"last_direction"`
	UnreadCount   int64              `json:"unread_count"`
	TotalCount    int64              `json:"total_count"`
	Status        ConversationStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ConversationTouch is one message's effect on its thread.
type ConversationTouch struct {
	DeviceID    string
	Counterpart string
	Direction   Direction
	Preview     string
	At          time.Time
}

package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	Pending   Status = "pending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case Pending:
		return 0
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	}
	return -1
}

func (s Status) Valid() bool {
	return s == Failed || s.rank() >= 0
}

func (s Status) Terminal() bool {
	return s == Read || s == Failed
}

// Advances reports whether moving from s to next is forward progress.
// Same-status updates are not progress.
func (s Status) Advances(next Status) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	if next == Failed {
		return true
	}
	return next.rank() > s.rank()
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMedia    ContentType = "media"
	ContentTemplate ContentType = "template"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
)

type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`

	MediaURL  string `json:"media_url,omitempty"`
	MediaMime string `json:"media_mime,omitempty"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"file_name,omitempty"`

	TemplateName     string   `json:"template_name,omitempty"`
	TemplateLanguage string   `json:"template_language,omitempty"`
	TemplateParams   []string `json:"template_params,omitempty"`

	Latitude     float64 `json:"latitude,omitempty"`
	Longitude    float64 `json:"longitude,omitempty"`
	LocationName string  `json:"location_name,omitempty"`
	Address      string  `json:"address,omitempty"`

	ContactName  string `json:"contact_name,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`
	VCard        string `json:"vcard,omitempty"`
}

// Check returns a description of what is missing, or "" when c is sendable.
func (c Content) Check() string {
	switch c.Type {
	case ContentText:
		if strings.TrimSpace(c.Text) == "" {
			return "text content requires text"
		}
	case ContentMedia:
		if c.MediaURL == "" {
			return "media content requires media_url"
		}
	case ContentTemplate:
		if c.TemplateName == "" {
			return "template content requires template_name"
		}
	case ContentLocation:
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return "location content has out of range coordinates"
		}
	case ContentContact:
		if c.ContactName == "" || (c.ContactPhone == "" && c.VCard == "") {
			return "contact content requires contact_name and a phone or vcard"
		}
	default:
		return fmt.Sprintf("unsupported content type %q", c.Type)
	}
	return ""
}

const previewMax = 80

// Preview is the short text shown on a conversation row.
func (c Content) Preview() string {
	var s string
	switch c.Type {
	case ContentText:
		s = c.Text
	case ContentMedia:
		s = c.Caption
		if s == "" {
			s = "[media]"
		}
	case ContentTemplate:
		s = c.Text
		if s == "" {
			s = "[template " + c.TemplateName + "]"
		}
	case ContentLocation:
		s = c.LocationName
		if s == "" {
			s = "[location]"
		}
	case ContentContact:
		s = "[contact " + c.ContactName + "]"
	}
	if utf8.RuneCountInString(s) > previewMax {
		r := []rune(s)
		s = string(r[:previewMax])
	}
	return s
}

type Message struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Counterpart    string    `json:"counterpart"`
	Content        Content   `json:"content"`
	ExternalID     string    `json:"external_id,omitempty"`
	Status         Status    `json:"status"`
	StatusAt       time.Time `json:"status_at"`
	CreditsCharged int64     `json:"credits_charged"`
	DebitPending   bool      `json:"-"`
	AutomationID   string    `json:"automation_id,omitempty"`
	LeadID         string    `json:"lead_id,omitempty"`
	ResendOf       string    `json:"resend_of,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type MessageFilter struct {
	DeviceID  string
	OwnerID   string
	Direction Direction
	Type      ContentType
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

type Bucket string

const (
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

func (b Bucket) Valid() bool {
	return b == BucketDay || b == BucketWeek || b == BucketMonth
}

// Truncate returns the start of the bucket containing t, in UTC.
func (b Bucket) Truncate(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch b {
	case BucketWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

type StatsBucket struct {
	Start    time.Time `json:"start"`
	Inbound  int64     `json:"inbound"`
	Outbound int64     `json:"outbound"`
	Failed   int64     `json:"failed"`
	Credits  int64     `json:"credits"`
}

package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// WebhookPayload is a batched event delivery of the cloud API.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []cloudMessage `json:"messages"`
	Statuses []cloudStatus  `json:"statuses"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudMedia `json:"image"`
	Video    *cloudMedia `json:"video"`
	Audio    *cloudMedia `json:"audio"`
	Document *cloudMedia `json:"document"`
	Sticker  *cloudMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
	Contacts []struct {
		Name struct {
			FormattedName string `json:"formatted_name"`
		} `json:"name"`
		Phones []struct {
			Phone string `json:"phone"`
		} `json:"phones"`
	} `json:"contacts"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

func DecodeWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "malformed webhook payload")
	}
	return &p, nil
}

// VerifySignature checks an X-Hub-Signature-256 header against body.
func VerifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookSummary counts what one delivery did.
type WebhookSummary struct {
	Messages   int `json:"messages"`
	Duplicates int `json:"duplicates"`
	Statuses   int `json:"statuses"`
	Ignored    int `json:"ignored"`
}

// HandleWebhook feeds every message and status of p through the normalizer.
// Changes for unknown phone numbers are skipped.
func (n *Normalizer) HandleWebhook(ctx context.Context, p *WebhookPayload) (WebhookSummary, error) {
	var sum WebhookSummary
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			v := change.Value
			d, err := n.store.FindCloudDevice(ctx, v.Metadata.PhoneNumberID)
			if apperr.Is(err, apperr.KindNotFound) {
				n.log.Warn("webhook for unknown phone number", "phone_number_id", v.Metadata.PhoneNumberID)
				sum.Ignored += len(v.Messages) + len(v.Statuses)
				continue
			}
			if err != nil {
				return sum, err
			}

			for _, cm := range v.Messages {
				in := InboundMessage{
					DeviceID:   d.ID,
					ExternalID: cm.ID,
					Sender:     cm.From,
					Content:    cloudContent(cm),
					At:         unixTime(cm.Timestamp),
				}
				m, err := n.Ingest(ctx, in)
				if err != nil {
					return sum, fmt.Errorf("ingest %s: %w", cm.ID, err)
				}
				if m == nil {
					sum.Duplicates++
					continue
				}
				sum.Messages++
			}

			for _, st := range v.Statuses {
				status, ok := cloudStatusOf(st.Status)
				if !ok {
					sum.Ignored++
					continue
				}
				u := StatusUpdate{ExternalID: st.ID, Status: status, At: unixTime(st.Timestamp)}
				if len(st.Errors) > 0 {
					u.Reason = fmt.Sprintf("%d %s", st.Errors[0].Code, st.Errors[0].Title)
				}
				changed, err := n.ApplyStatus(ctx, u)
				if err != nil {
					return sum, fmt.Errorf("apply status %s: %w", st.ID, err)
				}
				if changed {
					sum.Statuses++
				} else {
					sum.Ignored++
				}
			}
		}
	}
	return sum, nil
}

func cloudStatusOf(s string) (model.Status, bool) {
	switch s {
	case "sent":
		return model.Sent, true
	case "delivered":
		return model.Delivered, true
	case "read":
		return model.Read, true
	case "failed":
		return model.Failed, true
	}
	return "", false
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// mediaRef points at provider-hosted media that must be fetched with the
// device's credentials.
func mediaRef(id string) string {
	return "cloud-media:" + id
}

func cloudContent(cm cloudMessage) model.Content {
	media := func(m *cloudMedia) model.Content {
		return model.Content{
			Type:      model.ContentMedia,
			MediaURL:  mediaRef(m.ID),
			MediaMime: m.MimeType,
			Caption:   m.Caption,
			FileName:  m.Filename,
		}
	}

	switch {
	case cm.Text != nil:
		return model.Content{Type: model.ContentText, Text: cm.Text.Body}
	case cm.Image != nil:
		return media(cm.Image)
	case cm.Video != nil:
		return media(cm.Video)
	case cm.Audio != nil:
		return media(cm.Audio)
	case cm.Document != nil:
		return media(cm.Document)
	case cm.Sticker != nil:
		return media(cm.Sticker)
	case cm.Location != nil:
		return model.Content{
			Type:         model.ContentLocation,
			Latitude:     cm.Location.Latitude,
			Longitude:    cm.Location.Longitude,
			LocationName: cm.Location.Name,
			Address:      cm.Location.Address,
		}
	case len(cm.Contacts) > 0:
		c := cm.Contacts[0]
		out := model.Content{Type: model.ContentContact, ContactName: c.Name.FormattedName}
		if len(c.Phones) > 0 {
			out.ContactPhone = c.Phones[0].Phone
		}
		return out
	case cm.Button != nil:
		return model.Content{Type: model.ContentText, Text: cm.Button.Text}
	case cm.Interactive != nil && cm.Interactive.ButtonReply != nil:
		return model.Content{Type: model.ContentText, Text: cm.Interactive.ButtonReply.Title}
	case cm.Interactive != nil && cm.Interactive.ListReply != nil:
		return model.Content{Type: model.ContentText, Text: cm.Interactive.ListReply.Title}
	}
	return model.Content{Type: model.ContentText, Text: "[unsupported " + cm.Type + "]"}
}

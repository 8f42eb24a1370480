package session

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// ParseRecipient accepts a bare phone number or a full JID.
func ParseRecipient(recipient string) (types.JID, error) {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		return types.ParseJID(recipient)
	}
	digits := strings.TrimPrefix(recipient, "+")
	if digits == "" {
		return types.JID{}, fmt.Errorf("empty recipient")
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("recipient %q is not a phone number", recipient)
		}
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// contentOf extracts the canonical content of an inbound message. ok is
// false for message kinds the gateway does not carry.
func contentOf(msg *waE2E.Message) (model.Content, bool) {
	if msg == nil {
		return model.Content{}, false
	}
	switch {
	case msg.GetConversation() != "":
		return model.Content{Type: model.ContentText, Text: msg.GetConversation()}, true
	case msg.GetExtendedTextMessage() != nil:
		return model.Content{Type: model.ContentText, Text: msg.GetExtendedTextMessage().GetText()}, true
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return model.Content{Type: model.ContentMedia, MediaURL: m.GetURL(), MediaMime: m.GetMimetype(), Caption: m.GetCaption()}, true
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return model.Content{Type: model.ContentMedia, MediaURL: m.GetURL(), MediaMime: m.GetMimetype(), Caption: m.GetCaption()}, true
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return model.Content{Type: model.ContentMedia, MediaURL: m.GetURL(), MediaMime: m.GetMimetype()}, true
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return model.Content{Type: model.ContentMedia, MediaURL: m.GetURL(), MediaMime: m.GetMimetype(), Caption: m.GetCaption(), FileName: m.GetFileName()}, true
	case msg.GetLocationMessage() != nil:
		m := msg.GetLocationMessage()
		return model.Content{
			Type:         model.ContentLocation,
			Latitude:     m.GetDegreesLatitude(),
			Longitude:    m.GetDegreesLongitude(),
			LocationName: m.GetName(),
			Address:      m.GetAddress(),
		}, true
	case msg.GetContactMessage() != nil:
		m := msg.GetContactMessage()
		return model.Content{Type: model.ContentContact, ContactName: m.GetDisplayName(), VCard: m.GetVcard()}, true
	}
	return model.Content{}, false
}

// textMessage builds the wire message for content that needs no upload.
func textMessage(c model.Content) (*waE2E.Message, error) {
	switch c.Type {
	case model.ContentText, model.ContentTemplate:
		if c.Text == "" {
			return nil, fmt.Errorf("%s content has no text to send", c.Type)
		}
		return &waE2E.Message{Conversation: proto.String(c.Text)}, nil
	case model.ContentLocation:
		return &waE2E.Message{
			LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude:  proto.Float64(c.Latitude),
				DegreesLongitude: proto.Float64(c.Longitude),
				Name:             proto.String(c.LocationName),
				Address:          proto.String(c.Address),
			},
		}, nil
	case model.ContentContact:
		vcard := c.VCard
		if vcard == "" {
			vcard = fmt.Sprintf("BEGIN:VCARD\nVERSION:3.0\nFN:%s\nTEL;type=CELL:%s\nEND:VCARD", c.ContactName, c.ContactPhone)
		}
		return &waE2E.Message{
			ContactMessage: &waE2E.ContactMessage{
				DisplayName: proto.String(c.ContactName),
				Vcard:       proto.String(vcard),
			},
		}, nil
	}
	return nil, fmt.Errorf("content type %q needs an upload", c.Type)
}

func mediaTypeOf(mime string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

func mediaMessage(c model.Content, mediaType whatsmeow.MediaType, up whatsmeow.UploadResponse) *waE2E.Message {
	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(c.Caption),
			Mimetype:      proto.String(c.MediaMime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(c.Caption),
			Mimetype:      proto.String(c.MediaMime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(c.MediaMime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       proto.String(c.Caption),
		FileName:      proto.String(c.FileName),
		Mimetype:      proto.String(c.MediaMime),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}

func receiptStatus(t types.ReceiptType) (model.Status, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return model.Delivered, true
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		return model.Read, true
	}
	return "", false
}

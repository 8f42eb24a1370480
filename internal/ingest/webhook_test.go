package ingest

import (
	"context"
	"testing"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const deliveryBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PNID-1"},
        "contacts": [{"wa_id": "3644", "profile": {"name": "Ana"}}],
        "messages": [
          {"from": "3644", "id": "wamid.hook-1", "timestamp": "1792310400", "type": "text", "text": {"body": "hi there"}},
          {"from": "3644", "id": "wamid.hook-2", "timestamp": "1792310401", "type": "image", "image": {"id": "MEDIA-9", "mime_type": "image/jpeg", "caption": "pic"}},
          {"from": "3644", "id": "wamid.hook-1", "timestamp": "1792310400", "type": "text", "text": {"body": "hi there"}}
        ],
        "statuses": [
          {"id": "wamid.unknown", "status": "delivered", "timestamp": "1792310402", "recipient_id": "3644"}
        ]
      }
    }]
  }]
}`

func TestHandleWebhook_IngestsBatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p, err := DecodeWebhook([]byte(deliveryBody))
	if err != nil {
		t.Fatalf("DecodeWebhook error: %v", err)
	}
	sum, err := f.norm.HandleWebhook(ctx, p)
	if err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if sum.Messages != 2 || sum.Duplicates != 1 || sum.Statuses != 0 || sum.Ignored != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	img, err := f.store.GetMessageByExternalID(ctx, "wamid.hook-2")
	if err != nil {
		t.Fatalf("expected image message: %v", err)
	}
	if img.DeviceID != f.cloud.ID || img.Content.Type != model.ContentMedia || img.Content.MediaURL != "cloud-media:MEDIA-9" || img.Content.Caption != "pic" {
		t.Fatalf("unexpected image message %+v", img)
	}
	if img.StatusAt.Unix() != 1792310401 {
		t.Fatalf("expected provider timestamp, got %v", img.StatusAt)
	}
}

func TestHandleWebhook_StatusUpdates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := &model.Message{DeviceID: f.cloud.ID, Direction: model.Outbound, Counterpart: "3644",
		Content: model.Content{Type: model.ContentText, Text: "x"}, ExternalID: "wamid.out", Status: model.Sent}
	if err := f.store.CommitOutbound(ctx, m, model.ConversationTouch{DeviceID: f.cloud.ID, Counterpart: "3644", Direction: model.Outbound}); err != nil {
		t.Fatalf("CommitOutbound: %v", err)
	}

	body := `{"entry":[{"changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"PNID-1"},
	  "statuses":[
	    {"id":"wamid.out","status":"read","timestamp":"1792310500"},
	    {"id":"wamid.out","status":"delivered","timestamp":"1792310400"},
	    {"id":"wamid.out","status":"deleted","timestamp":"1792310600"}
	  ]}}]}]}`
	p, _ := DecodeWebhook([]byte(body))
	sum, err := f.norm.HandleWebhook(ctx, p)
	if err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if sum.Statuses != 1 || sum.Ignored != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	got, _ := f.store.GetMessage(ctx, m.ID)
	if got.Status != model.Read {
		t.Fatalf("expected read, got %s", got.Status)
	}
}

func TestHandleWebhook_UnknownPhoneNumberSkipped(t *testing.T) {
	f := newFixture(t, nil)

	body := `{"entry":[{"changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"OTHER"},
	  "messages":[{"from":"1","id":"wamid.x","timestamp":"1","type":"text","text":{"body":"x"}}]}}]}]}`
	p, _ := DecodeWebhook([]byte(body))
	sum, err := f.norm.HandleWebhook(context.Background(), p)
	if err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if sum.Ignored != 1 || sum.Messages != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestDecodeWebhook_Malformed(t *testing.T) {
	if _, err := DecodeWebhook([]byte("{not json")); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(deliveryBody)
	sig := Sign("app-secret", body)

	if !VerifySignature("app-secret", body, sig) {
		t.Fatalf("expected valid signature")
	}
	if VerifySignature("other-secret", body, sig) {
		t.Fatalf("expected signature with another secret to fail")
	}
	if VerifySignature("app-secret", append(body, ' '), sig) {
		t.Fatalf("expected tampered body to fail")
	}
	if VerifySignature("app-secret", body, "sha1=abcd") || VerifySignature("app-secret", body, "sha256=zz") {
		t.Fatalf("expected malformed headers to fail")
	}
}

func TestCloudContentVariants(t *testing.T) {
	body := `{"entry":[{"changes":[{"value":{"metadata":{"phone_number_id":"PNID-1"},"messages":[
	  {"from":"1","id":"a","type":"location","location":{"latitude":47.49,"longitude":19.04,"name":"Office"}},
	  {"from":"1","id":"b","type":"contacts","contacts":[{"name":{"formatted_name":"Bob"},"phones":[{"phone":"+3611"}]}]},
	  {"from":"1","id":"c","type":"interactive","interactive":{"button_reply":{"title":"Yes"}}},
	  {"from":"1","id":"d","type":"reaction"}
	]}}]}]}`
	p, err := DecodeWebhook([]byte(body))
	if err != nil {
		t.Fatalf("DecodeWebhook error: %v", err)
	}
	msgs := p.Entry[0].Changes[0].Value.Messages

	if c := cloudContent(msgs[0]); c.Type != model.ContentLocation || c.LocationName != "Office" {
		t.Fatalf("unexpected location %+v", c)
	}
	if c := cloudContent(msgs[1]); c.Type != model.ContentContact || c.ContactName != "Bob" || c.ContactPhone != "+3611" {
		t.Fatalf("unexpected contact %+v", c)
	}
	if c := cloudContent(msgs[2]); c.Type != model.ContentText || c.Text != "Yes" {
		t.Fatalf("unexpected interactive %+v", c)
	}
	if c := cloudContent(msgs[3]); c.Text != "[unsupported reaction]" {
		t.Fatalf("unexpected fallback %+v", c)
	}
}

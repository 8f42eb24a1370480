package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/LeventeLantos/messaging-gateway/internal/adapter"
	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/credit"
	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/service"
)

type fakeAdapter struct {
	calls      int
	recipients []string
	err        error
	state      model.ConnState
	disconnect int
}

var _ adapter.BackendAdapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Send(_ context.Context, d model.Device, recipient string, content model.Content) (adapter.Result, error) {
	f.calls++
	f.recipients = append(f.recipients, recipient)
	if f.err != nil {
		return adapter.Result{}, f.err
	}
	return adapter.Result{ExternalID: fmt.Sprintf("wamid.%s.%d", d.ID, f.calls), Status: model.Sent, Content: content}, nil
}

func (f *fakeAdapter) Status(context.Context, model.Device) model.ConnState {
	if f.state == "" {
		return model.StateConnected
	}
	return f.state
}

func (f *fakeAdapter) Disconnect(context.Context, model.Device) error {
	f.disconnect++
	return nil
}

type failingMeter struct {
	*credit.MemoryMeter
}

func (failingMeter) Debit(context.Context, string, int64, string) error {
	return errors.New("ledger unavailable")
}

type recorder struct {
	ids []string
}

func (r *recorder) Remember(_ context.Context, m *model.Message) {
	r.ids = append(r.ids, m.ExternalID)
}

type routerFixture struct {
	store    *repo.MemoryStore
	meter    *credit.MemoryMeter
	session  *fakeAdapter
	cloud    *fakeAdapter
	metrics  *metrics.Metrics
	recorder *recorder
	router   *service.Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		store:    repo.NewMemoryStore(),
		meter:    credit.NewMemoryMeter(0),
		session:  &fakeAdapter{},
		cloud:    &fakeAdapter{},
		metrics:  metrics.New(prometheus.NewRegistry()),
		recorder: &recorder{},
	}
	f.router = service.NewRouter(f.store, f.store, f.meter, adapter.NewSelector(f.session, f.cloud), f.recorder, f.metrics, nil)
	return f
}

func (f *routerFixture) device(t *testing.T, owner string, backend model.Backend, cost int64) *model.Device {
	t.Helper()
	d := &model.Device{OwnerID: owner, Backend: backend, Active: true, CreditCost: cost}
	if backend == model.BackendCloud {
		d.Cloud = &model.CloudCredentials{PhoneNumberID: "PN-" + owner, AccessToken: "t"}
	}
	if err := f.store.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	return d
}

func text(s string) model.Content {
	return model.Content{Type: model.ContentText, Text: s}
}

func TestRouter_InsufficientCreditSendsNothing(t *testing.T) {
	f := newRouterFixture(t)
	d := f.device(t, "o1", model.BackendSession, 1)

	_, err := f.router.Send(context.Background(), "o1", service.SendRequest{DeviceID: d.ID, Recipient: "3611", Content: text("hi")})
	if !apperr.Is(err, apperr.KindCredit) {
		t.Fatalf("expected credit error, got %v", err)
	}
	if f.session.calls != 0 {
		t.Fatalf("expected no adapter call, got %d", f.session.calls)
	}
	msgs, _ := f.store.ListMessages(context.Background(), model.MessageFilter{})
	if len(msgs) != 0 {
		t.Fatalf("expected no message rows, got %d", len(msgs))
	}
	if b, _ := f.meter.Balance(context.Background(), "o1"); b != 0 {
		t.Fatalf("expected nothing debited, got balance %d", b)
	}
	if got := testutil.ToFloat64(f.metrics.SendFailures.WithLabelValues("credit")); got != 1 {
		t.Fatalf("expected credit failure counted, got %v", got)
	}
}

func TestRouter_SendCommitsAndDebits(t *testing.T) {
	f := newRouterFixture(t)
	d := f.device(t, "o1", model.BackendCloud, 2)
	f.meter.SetBalance("o1", 5)
	ctx := context.Background()

	m, err := f.router.Send(ctx, "o1", service.SendRequest{DeviceID: d.ID, Recipient: "+36 (1) 234-567", Content: text("hello"), LeadID: "lead-9"})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if f.cloud.calls != 1 || f.session.calls != 0 {
		t.Fatalf("expected exactly one cloud call, got cloud=%d session=%d", f.cloud.calls, f.session.calls)
	}
	if f.cloud.recipients[0] != "361234567" {
		t.Fatalf("expected normalized recipient, got %q", f.cloud.recipients[0])
	}
	if m.Status != model.Sent || m.Direction != model.Outbound || m.CreditsCharged != 2 || m.LeadID != "lead-9" {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.DebitPending {
		t.Fatalf("expected debit confirmed")
	}
	if b, _ := f.meter.Balance(ctx, "o1"); b != 3 {
		t.Fatalf("expected balance 3, got %d", b)
	}

	got, _ := f.store.GetDevice(ctx, d.ID)
	if got.SentCount != 1 {
		t.Fatalf("expected sent counter 1, got %d", got.SentCount)
	}
	convs, _ := f.store.ListConversations(ctx, d.ID, 10, 0)
	if len(convs) != 1 || convs[0].Counterpart != "361234567" || convs[0].UnreadCount != 0 || convs[0].TotalCount != 1 {
		t.Fatalf("unexpected conversations %+v", convs)
	}
	if pending, _ := f.store.ListPendingDebits(ctx, 10); len(pending) != 0 {
		t.Fatalf("expected no pending debits, got %+v", pending)
	}
	if len(f.recorder.ids) != 1 || f.recorder.ids[0] != m.ExternalID {
		t.Fatalf("expected external id recorded, got %v", f.recorder.ids)
	}
}

func TestRouter_AdapterFailurePersistsNothing(t *testing.T) {
	f := newRouterFixture(t)
	d := f.device(t, "o1", model.BackendSession, 1)
	f.meter.SetBalance("o1", 10)
	f.session.err = apperr.Connection("device is reconnecting")

	_, err := f.router.Send(context.Background(), "o1", service.SendRequest{DeviceID: d.ID, Recipient: "3611", Content: text("hi")})
	if !apperr.Is(err, apperr.KindConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	msgs, _ := f.store.ListMessages(context.Background(), model.MessageFilter{})
	if len(msgs) != 0 {
		t.Fatalf("expected no rows, got %d", len(msgs))
	}
	if b, _ := f.meter.Balance(context.Background(), "o1"); b != 10 {
		t.Fatalf("expected no debit, got balance %d", b)
	}
}

func TestRouter_DebitFailureLeavesPendingForReconciler(t *testing.T) {
	f := newRouterFixture(t)
	d := f.device(t, "o1", model.BackendSession, 1)

	meter := failingMeter{credit.NewMemoryMeter(10)}
	router := service.NewRouter(f.store, f.store, meter, adapter.NewSelector(f.session, f.cloud), nil, nil, nil)

	m, err := router.Send(context.Background(), "o1", service.SendRequest{DeviceID: d.ID, Recipient: "3611", Content: text("hi")})
	if err != nil {
		t.Fatalf("expected send to succeed, got %v", err)
	}
	if !m.DebitPending {
		t.Fatalf("expected debit left pending")
	}
	pending, _ := f.store.ListPendingDebits(context.Background(), 10)
	if len(pending) != 1 || pending[0].MessageID != m.ID || pending[0].OwnerID != "o1" {
		t.Fatalf("unexpected pending debits %+v", pending)
	}
}

func TestRouter_DeviceChecks(t *testing.T) {
	f := newRouterFixture(t)
	f.meter.SetBalance("o1", 10)
	ctx := context.Background()
	d := f.device(t, "o1", model.BackendSession, 1)

	if _, err := f.router.Send(ctx, "o1", service.SendRequest{DeviceID: "missing", Recipient: "1", Content: text("x")}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if _, err := f.router.Send(ctx, "o2", service.SendRequest{DeviceID: d.ID, Recipient: "1", Content: text("x")}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found for another owner, got %v", err)
	}
	if _, err := f.router.Send(ctx, "o1", service.SendRequest{DeviceID: d.ID, Recipient: "abc", Content: text("x")}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for bad recipient, got %v", err)
	}
	if _, err := f.router.Send(ctx, "o1", service.SendRequest{DeviceID: d.ID, Recipient: "1", Content: model.Content{Type: model.ContentText}}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for empty text, got %v", err)
	}

	d.Active = false
	_ = f.store.UpdateDevice(ctx, d)
	if _, err := f.router.Send(ctx, "o1", service.SendRequest{DeviceID: d.ID, Recipient: "1", Content: text("x")}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for inactive device, got %v", err)
	}
	if f.session.calls != 0 {
		t.Fatalf("expected no adapter calls, got %d", f.session.calls)
	}
}

func TestRouter_SendViaDefault(t *testing.T) {
	f := newRouterFixture(t)
	f.meter.SetBalance("o1", 10)
	ctx := context.Background()

	first := f.device(t, "o1", model.BackendSession, 1)
	second := f.device(t, "o1", model.BackendCloud, 1)

	m, err := f.router.SendViaDefault(ctx, "o1", service.SendRequest{Recipient: "3611", Content: text("x")})
	if err != nil {
		t.Fatalf("SendViaDefault error: %v", err)
	}
	if m.DeviceID != first.ID {
		t.Fatalf("expected first device as default, got %s", m.DeviceID)
	}

	if err := f.store.SetDefault(ctx, "o1", second.ID); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	m, _ = f.router.SendViaDefault(ctx, "o1", service.SendRequest{Recipient: "3611", Content: text("y")})
	if m.DeviceID != second.ID {
		t.Fatalf("expected second device after switching default, got %s", m.DeviceID)
	}

	if _, err := f.router.SendViaDefault(ctx, "nobody", service.SendRequest{Recipient: "1", Content: text("x")}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found without devices, got %v", err)
	}
}

func TestRouter_ResendOnlyFailedOutbound(t *testing.T) {
	f := newRouterFixture(t)
	f.meter.SetBalance("o1", 10)
	ctx := context.Background()
	d := f.device(t, "o1", model.BackendSession, 1)

	orig, err := f.router.Send(ctx, "o1", service.SendRequest{DeviceID: d.ID, Recipient: "3611", Content: text("retry me")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if _, err := f.router.Resend(ctx, "o1", orig.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for a sent message, got %v", err)
	}

	if ok, _ := f.store.UpdateStatus(ctx, orig.ID, model.Sent, model.Failed, orig.StatusAt); !ok {
		t.Fatalf("failed to mark message failed")
	}
	again, err := f.router.Resend(ctx, "o1", orig.ID)
	if err != nil {
		t.Fatalf("Resend error: %v", err)
	}
	if again.ID == orig.ID || again.ResendOf != orig.ID || again.Content.Text != "retry me" || again.Counterpart != "3611" {
		t.Fatalf("unexpected resend %+v", again)
	}
	if f.session.calls != 2 {
		t.Fatalf("expected two adapter calls, got %d", f.session.calls)
	}

	if _, err := f.router.Resend(ctx, "o2", orig.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found for another owner, got %v", err)
	}

	in := &model.Message{DeviceID: d.ID, Direction: model.Inbound, Counterpart: "3622", Content: text("x"), Status: model.Failed}
	if _, err := f.store.InsertInbound(ctx, in, model.ConversationTouch{DeviceID: d.ID, Counterpart: "3622", Direction: model.Inbound}); err != nil {
		t.Fatalf("InsertInbound: %v", err)
	}
	if _, err := f.router.Resend(ctx, "o1", in.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for inbound message, got %v", err)
	}
}

func TestRouter_HistoryAndDelete(t *testing.T) {
	f := newRouterFixture(t)
	f.meter.SetBalance("o1", 10)
	ctx := context.Background()
	d := f.device(t, "o1", model.BackendSession, 1)
	other := f.device(t, "o2", model.BackendSession, 0)

	m, _ := f.router.Send(ctx, "o1", service.SendRequest{DeviceID: d.ID, Recipient: "1", Content: text("a")})
	_, _ = f.router.Send(ctx, "o2", service.SendRequest{DeviceID: other.ID, Recipient: "1", Content: text("b")})

	items, err := f.router.History(ctx, "o1", model.MessageFilter{})
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(items) != 1 || items[0].ID != m.ID {
		t.Fatalf("expected only the owner's message, got %+v", items)
	}
	if _, err := f.router.History(ctx, "o1", model.MessageFilter{DeviceID: other.ID}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found for a foreign device filter, got %v", err)
	}
	if _, err := f.router.Stats(ctx, "o1", model.MessageFilter{}, "hour"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for unknown bucket, got %v", err)
	}

	if err := f.router.Delete(ctx, "o2", m.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found deleting another owner's message, got %v", err)
	}
	if err := f.router.Delete(ctx, "o1", m.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := f.store.GetMessage(ctx, m.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected message gone, got %v", err)
	}
}

type failingCommit struct {
	*repo.MemoryStore
}

func (failingCommit) CommitOutbound(context.Context, *model.Message, model.ConversationTouch) error {
	return errors.New("connection reset by peer")
}

func TestRouter_UnrecordedSendStillDebits(t *testing.T) {
	f := newRouterFixture(t)
	d := f.device(t, "o1", model.BackendSession, 2)
	f.meter.SetBalance("o1", 5)
	ctx := context.Background()

	router := service.NewRouter(f.store, failingCommit{f.store}, f.meter, adapter.NewSelector(f.session, f.cloud), f.recorder, f.metrics, nil)
	_, err := router.Send(ctx, "o1", service.SendRequest{DeviceID: d.ID, Recipient: "3611", Content: text("hi")})
	if !apperr.Is(err, apperr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if f.session.calls != 1 {
		t.Fatalf("expected the adapter to deliver once, got %d", f.session.calls)
	}
	if b, _ := f.meter.Balance(ctx, "o1"); b != 3 {
		t.Fatalf("expected delivered message charged, got balance %d", b)
	}
	if len(f.recorder.ids) != 0 {
		t.Fatalf("expected nothing remembered, got %v", f.recorder.ids)
	}
}

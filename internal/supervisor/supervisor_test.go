package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/backoff"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/pairing"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/session"
)

type fakeSession struct {
	mu           sync.Mutex
	emit         func(session.Event)
	connects     int
	connectErr   error
	panicConnect bool
	disconnects  int
	loggedOut    bool
	wiped        bool
	sent         []string
}

var _ session.Session = (*fakeSession)(nil)

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.panicConnect {
		panic("transport exploded")
	}
	return f.connectErr
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSession) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeSession) Wipe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wiped = true
	return nil
}

func (f *fakeSession) Send(_ context.Context, recipient string, _ model.Content) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recipient)
	return "wamid." + recipient, nil
}

func (f *fakeSession) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSession) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeSession) Emit(ev session.Event) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit(ev)
}

type fakeFactory struct {
	mu         sync.Mutex
	sessions   map[string]*fakeSession
	panicOpen  map[string]bool
	panicConns map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		sessions:   make(map[string]*fakeSession),
		panicOpen:  make(map[string]bool),
		panicConns: make(map[string]bool),
	}
}

func (f *fakeFactory) Open(_ context.Context, d model.Device, emit func(session.Event)) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOpen[d.ID] {
		panic("factory exploded")
	}
	s, ok := f.sessions[d.ID]
	if !ok {
		s = &fakeSession{}
		f.sessions[d.ID] = s
	}
	s.mu.Lock()
	s.emit = emit
	s.panicConnect = f.panicConns[d.ID]
	s.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) session(t *testing.T, id string) *fakeSession {
	t.Helper()
	var s *fakeSession
	waitFor(t, time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		s = f.sessions[id]
		return s != nil && s.Connects() > 0
	})
	return s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(t model.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type recordingInbound struct {
	mu       sync.Mutex
	messages []session.Inbound
}

func (r *recordingInbound) Inbound(_ context.Context, _ string, in session.Inbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, in)
	return nil
}

func (r *recordingInbound) Receipt(context.Context, string, session.Receipt) error { return nil }

type stateLog struct {
	mu     sync.Mutex
	states map[string][]model.ConnState
}

func (l *stateLog) observe(id string, st model.ConnState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[id] = append(l.states[id], st)
}

func (l *stateLog) of(id string) []model.ConnState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ConnState(nil), l.states[id]...)
}

type harness struct {
	sup       *Supervisor
	store     *repo.MemoryStore
	factory   *fakeFactory
	pairing   *pairing.Manager
	clock     *clock
	publisher *recordingPublisher
	inbound   *recordingInbound
	states    *stateLog
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newHarness(t *testing.T, policy backoff.Policy) *harness {
	t.Helper()

	h := &harness{
		store:     repo.NewMemoryStore(),
		factory:   newFakeFactory(),
		clock:     &clock{t: time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)},
		publisher: &recordingPublisher{},
		inbound:   &recordingInbound{},
		states:    &stateLog{states: make(map[string][]model.ConnState)},
	}
	h.pairing = pairing.NewManager(pairing.NewMemoryStore(), pairing.WithClock(h.clock.now))
	h.sup = New(h.factory, h.store, h.pairing, h.inbound, h.publisher, Options{
		Policy:   policy,
		Observer: h.states.observe,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

func (h *harness) device(t *testing.T, owner string) model.Device {
	t.Helper()
	d := &model.Device{OwnerID: owner, Name: "phone", Backend: model.BackendSession, Active: true, CreditCost: 1}
	if err := h.store.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice error: %v", err)
	}
	return *d
}

func (h *harness) waitState(t *testing.T, id string, want model.ConnState) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		st, ok := h.sup.Status(id)
		if ok {
			return st == want
		}
		d, err := h.store.GetDevice(context.Background(), id)
		return err == nil && d.State == want
	})
}

func fastPolicy(maxAttempts int) backoff.Policy {
	return backoff.Policy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2, MaxAttempts: maxAttempts}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestInitialize_RejectsSecondLiveTask(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")
	ctx := context.Background()

	st, err := h.sup.Initialize(ctx, d.ID)
	if err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	if st != model.StateInitializing {
		t.Fatalf("expected initializing, got %s", st)
	}

	_, err = h.sup.Initialize(ctx, d.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on second initialize, got %v", err)
	}

	h.factory.session(t, d.ID).Emit(session.Event{Kind: session.EventConnected, Address: "15550001", Ref: "15550001.0:1@s.whatsapp.net"})
	h.waitState(t, d.ID, model.StateConnected)

	if _, err := h.sup.Initialize(ctx, d.ID); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict while connected, got %v", err)
	}
	if h.sup.Live() != 1 {
		t.Fatalf("expected exactly one live task, got %d", h.sup.Live())
	}
}

func TestInitialize_RejectsCloudAndInactive(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	ctx := context.Background()

	cloud := &model.Device{OwnerID: "o", Backend: model.BackendCloud, Active: true}
	_ = h.store.CreateDevice(ctx, cloud)
	if _, err := h.sup.Initialize(ctx, cloud.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for cloud device, got %v", err)
	}

	inactive := &model.Device{OwnerID: "o", Backend: model.BackendSession, Active: false}
	_ = h.store.CreateDevice(ctx, inactive)
	if _, err := h.sup.Initialize(ctx, inactive.ID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for inactive device, got %v", err)
	}

	if _, err := h.sup.Initialize(ctx, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPairingChallengeExpiresAfterFiveMinutes(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")
	ctx := context.Background()

	if _, err := h.sup.Initialize(ctx, d.ID); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	h.factory.session(t, d.ID).Emit(session.Event{Kind: session.EventPairing, Code: "2@abc", PairingKind: pairing.KindQR})
	h.waitState(t, d.ID, model.StatePairingWait)

	a, err := h.pairing.Fetch(ctx, d.ID)
	if err != nil || a == nil {
		t.Fatalf("expected artifact right after challenge, got %v, %v", a, err)
	}

	h.clock.advance(5 * time.Minute)
	a, err = h.pairing.Fetch(ctx, d.ID)
	if err != nil || a != nil {
		t.Fatalf("expected no artifact after 5 minutes, got %v, %v", a, err)
	}
}

func TestConnectedClearsPairingAndRecordsAddress(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")
	ctx := context.Background()

	_, _ = h.sup.Initialize(ctx, d.ID)
	s := h.factory.session(t, d.ID)
	s.Emit(session.Event{Kind: session.EventPairing, Code: "2@abc", PairingKind: pairing.KindQR})
	h.waitState(t, d.ID, model.StatePairingWait)

	s.Emit(session.Event{Kind: session.EventConnected, Address: "15550001", Ref: "15550001.0:7@s.whatsapp.net"})
	h.waitState(t, d.ID, model.StateConnected)

	if a, _ := h.pairing.Fetch(ctx, d.ID); a != nil {
		t.Fatalf("expected pairing artifact cleared on connect")
	}
	got, _ := h.store.GetDevice(ctx, d.ID)
	if got.Address != "15550001" || got.SessionRef != "15550001.0:7@s.whatsapp.net" {
		t.Fatalf("expected address and session ref recorded, got %q %q", got.Address, got.SessionRef)
	}
}

func TestRecoverableDropReconnectsAndResetsAttempts(t *testing.T) {
	h := newHarness(t, fastPolicy(5))
	d := h.device(t, "owner-1")

	_, _ = h.sup.Initialize(context.Background(), d.ID)
	s := h.factory.session(t, d.ID)
	s.Emit(session.Event{Kind: session.EventConnected, Address: "1"})
	h.waitState(t, d.ID, model.StateConnected)

	s.Emit(session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})
	h.waitState(t, d.ID, model.StateReconnecting)
	if got := h.sup.Attempts(d.ID); got != 1 {
		t.Fatalf("expected attempt counter 1, got %d", got)
	}

	// The retry reconnects the same session.
	waitFor(t, time.Second, func() bool { return s.Connects() >= 2 })
	s.Emit(session.Event{Kind: session.EventConnected, Address: "1"})
	h.waitState(t, d.ID, model.StateConnected)

	if got := h.sup.Attempts(d.ID); got != 0 {
		t.Fatalf("expected attempt counter reset, got %d", got)
	}
	want := []model.ConnState{model.StateInitializing, model.StateConnected, model.StateReconnecting, model.StateConnected}
	got := h.states.of(d.ID)
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
}

func TestTerminalLogoutWipesWithoutRetry(t *testing.T) {
	h := newHarness(t, fastPolicy(5))
	d := h.device(t, "owner-1")
	ctx := context.Background()

	_, _ = h.sup.Initialize(ctx, d.ID)
	s := h.factory.session(t, d.ID)
	s.Emit(session.Event{Kind: session.EventConnected, Address: "1", Ref: "1.0:1@s.whatsapp.net"})
	h.waitState(t, d.ID, model.StateConnected)

	s.Emit(session.Event{Kind: session.EventLoggedOut, Reason: "logged out: 401"})
	h.waitState(t, d.ID, model.StateLoggedOut)
	waitFor(t, time.Second, func() bool { return h.sup.Live() == 0 })

	if h.sup.PendingRetries() != 0 {
		t.Fatalf("expected no retry timer after logout")
	}
	s.mu.Lock()
	wiped := s.wiped
	s.mu.Unlock()
	if !wiped {
		t.Fatalf("expected local session wiped")
	}
	got, _ := h.store.GetDevice(ctx, d.ID)
	if got.SessionRef != "" {
		t.Fatalf("expected session ref cleared, got %q", got.SessionRef)
	}
	if h.publisher.count(model.EventDeviceFailed) != 1 {
		t.Fatalf("expected one device.failed event")
	}
	for _, st := range h.states.of(d.ID) {
		if st == model.StateReconnecting {
			t.Fatalf("terminal logout must not pass through reconnecting")
		}
	}
}

func TestReconnectBudgetExhaustedEndsLoggedOut(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")

	_, _ = h.sup.Initialize(context.Background(), d.ID)
	s := h.factory.session(t, d.ID)
	s.Emit(session.Event{Kind: session.EventConnected, Address: "1"})
	h.waitState(t, d.ID, model.StateConnected)

	s.setConnectErr(errors.New("dial tcp: network unreachable"))
	s.Emit(session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})

	h.waitState(t, d.ID, model.StateLoggedOut)
	waitFor(t, time.Second, func() bool { return h.sup.Live() == 0 })

	// Initial connect plus one per scheduled attempt.
	if got := s.Connects(); got != 4 {
		t.Fatalf("expected 4 connects, got %d", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.Connects(); got != 4 {
		t.Fatalf("expected no connects after giving up, got %d", got)
	}
	if h.sup.PendingRetries() != 0 {
		t.Fatalf("expected no pending timers")
	}
	got, _ := h.store.GetDevice(context.Background(), d.ID)
	if got.LastError == "" {
		t.Fatalf("expected failure reason recorded")
	}
	if h.publisher.count(model.EventDeviceFailed) != 1 {
		t.Fatalf("expected one device.failed event")
	}
}

func TestTaskFaultDoesNotAffectOtherDevices(t *testing.T) {
	h := newHarness(t, fastPolicy(2))
	a := h.device(t, "owner-1")
	b := h.device(t, "owner-2")
	ctx := context.Background()

	h.factory.mu.Lock()
	h.factory.panicConns[a.ID] = true
	h.factory.mu.Unlock()

	if _, err := h.sup.Initialize(ctx, b.ID); err != nil {
		t.Fatalf("Initialize(b) error: %v", err)
	}
	sb := h.factory.session(t, b.ID)
	sb.Emit(session.Event{Kind: session.EventConnected, Address: "2"})
	h.waitState(t, b.ID, model.StateConnected)

	if _, err := h.sup.Initialize(ctx, a.ID); err != nil {
		t.Fatalf("Initialize(a) error: %v", err)
	}
	h.waitState(t, a.ID, model.StateLoggedOut)

	if st, ok := h.sup.Status(b.ID); !ok || st != model.StateConnected {
		t.Fatalf("expected device b untouched and connected, got %s (live=%v)", st, ok)
	}
	if _, err := h.sup.Send(ctx, b.ID, "15550009", model.Content{Type: model.ContentText, Text: "still here"}); err != nil {
		t.Fatalf("expected device b to keep sending, got %v", err)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, backoff.Policy{Base: time.Hour, Max: time.Hour, Factor: 2, MaxAttempts: 5})
	d := h.device(t, "owner-1")
	ctx := context.Background()

	_, _ = h.sup.Initialize(ctx, d.ID)
	s := h.factory.session(t, d.ID)
	s.Emit(session.Event{Kind: session.EventConnected, Address: "1"})
	h.waitState(t, d.ID, model.StateConnected)
	s.Emit(session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})
	h.waitState(t, d.ID, model.StateReconnecting)
	waitFor(t, time.Second, func() bool { return h.sup.PendingRetries() == 1 })

	if err := h.sup.Disconnect(ctx, d.ID); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if h.sup.PendingRetries() != 0 {
		t.Fatalf("expected retry timer cancelled")
	}
	if h.sup.Live() != 0 {
		t.Fatalf("expected task torn down")
	}
	got, _ := h.store.GetDevice(ctx, d.ID)
	if got.State != model.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got.State)
	}

	if _, err := h.sup.Initialize(ctx, d.ID); err != nil {
		t.Fatalf("expected re-initialize after disconnect, got %v", err)
	}
}

func TestDeleteLogsOutAndWipes(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")
	ctx := context.Background()

	_, _ = h.sup.Initialize(ctx, d.ID)
	s := h.factory.session(t, d.ID)
	s.Emit(session.Event{Kind: session.EventConnected, Address: "1"})
	h.waitState(t, d.ID, model.StateConnected)

	if err := h.sup.Delete(ctx, d); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedOut || !s.wiped || s.disconnects == 0 {
		t.Fatalf("expected logout, wipe and disconnect; got %+v", s)
	}
}

func TestSendRequiresConnectedSession(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")
	ctx := context.Background()

	content := model.Content{Type: model.ContentText, Text: "hi"}
	if _, err := h.sup.Send(ctx, d.ID, "1", content); !apperr.Is(err, apperr.KindConnection) {
		t.Fatalf("expected connection error without task, got %v", err)
	}

	_, _ = h.sup.Initialize(ctx, d.ID)
	s := h.factory.session(t, d.ID)
	if _, err := h.sup.Send(ctx, d.ID, "1", content); !apperr.Is(err, apperr.KindConnection) {
		t.Fatalf("expected connection error while initializing, got %v", err)
	}

	s.Emit(session.Event{Kind: session.EventConnected, Address: "1"})
	h.waitState(t, d.ID, model.StateConnected)
	id, err := h.sup.Send(ctx, d.ID, "15550001", content)
	if err != nil || id != "wamid.15550001" {
		t.Fatalf("Send = %q, %v", id, err)
	}
}

func TestInboundMessagesForwarded(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")

	_, _ = h.sup.Initialize(context.Background(), d.ID)
	s := h.factory.session(t, d.ID)
	s.Emit(session.Event{Kind: session.EventMessage, Inbound: &session.Inbound{
		ExternalID: "wamid.in",
		Sender:     "15550002",
		Content:    model.Content{Type: model.ContentText, Text: "hello"},
		At:         time.Now(),
	}})

	waitFor(t, time.Second, func() bool {
		h.inbound.mu.Lock()
		defer h.inbound.mu.Unlock()
		return len(h.inbound.messages) == 1
	})
}

func TestRestoreSkipsTerminalAndDisconnectedDevices(t *testing.T) {
	h := newHarness(t, fastPolicy(2))
	ctx := context.Background()

	failed := h.device(t, "owner-1")
	_, _ = h.sup.Initialize(ctx, failed.ID)
	fs := h.factory.session(t, failed.ID)
	fs.Emit(session.Event{Kind: session.EventConnected, Address: "1", Ref: "1.0:1@s.whatsapp.net"})
	h.waitState(t, failed.ID, model.StateConnected)
	fs.setConnectErr(errors.New("dial tcp: network unreachable"))
	fs.Emit(session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})
	h.waitState(t, failed.ID, model.StateLoggedOut)

	stopped := h.device(t, "owner-2")
	_, _ = h.sup.Initialize(ctx, stopped.ID)
	h.factory.session(t, stopped.ID).Emit(session.Event{Kind: session.EventConnected, Address: "2", Ref: "2.0:1@s.whatsapp.net"})
	h.waitState(t, stopped.ID, model.StateConnected)
	if err := h.sup.Disconnect(ctx, stopped.ID); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.sup.Live() == 0 })

	kept := h.device(t, "owner-3")
	ref := "3.0:1@s.whatsapp.net"
	if err := h.store.UpdateConnection(ctx, kept.ID, repo.ConnectionUpdate{State: model.StateConnected, SessionRef: &ref}); err != nil {
		t.Fatalf("UpdateConnection error: %v", err)
	}

	candidates, err := h.store.ListSessionDevices(ctx)
	if err != nil {
		t.Fatalf("ListSessionDevices error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != kept.ID {
		t.Fatalf("expected only %s as boot candidate, got %+v", kept.ID, candidates)
	}

	var all []model.Device
	for _, id := range []string{failed.ID, stopped.ID, kept.ID} {
		d, err := h.store.GetDevice(ctx, id)
		if err != nil {
			t.Fatalf("GetDevice(%s) error: %v", id, err)
		}
		all = append(all, *d)
	}
	if got := h.sup.Restore(ctx, all); got != 1 {
		t.Fatalf("expected 1 restored task, got %d", got)
	}
	if _, ok := h.sup.Status(failed.ID); ok {
		t.Fatalf("logged out device must stay down after restore")
	}
	if _, ok := h.sup.Status(stopped.ID); ok {
		t.Fatalf("disconnected device must stay down after restore")
	}
	if _, ok := h.sup.Status(kept.ID); !ok {
		t.Fatalf("expected %s restored", kept.ID)
	}
}

func TestShutdownKeepsDeviceRestorable(t *testing.T) {
	h := newHarness(t, fastPolicy(3))
	d := h.device(t, "owner-1")
	ctx := context.Background()

	_, _ = h.sup.Initialize(ctx, d.ID)
	h.factory.session(t, d.ID).Emit(session.Event{Kind: session.EventConnected, Address: "1", Ref: "1.0:1@s.whatsapp.net"})
	h.waitState(t, d.ID, model.StateConnected)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.sup.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	candidates, err := h.store.ListSessionDevices(ctx)
	if err != nil {
		t.Fatalf("ListSessionDevices error: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != d.ID {
		t.Fatalf("expected %s restorable after shutdown, got %+v", d.ID, candidates)
	}
}

func TestStopModeString(t *testing.T) {
	cases := map[stopMode]string{
		stopNone:       "none",
		stopDisconnect: "disconnect",
		stopDelete:     "delete",
		stopShutdown:   "shutdown",
	}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Fatalf("stopMode(%d).String() = %q, want %q", int(m), got, want)
		}
	}
}

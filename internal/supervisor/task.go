package supervisor

import (
	"context"
	"sync"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/session"
)

const inboxSize = 64

type stopMode int

const (
	stopNone stopMode = iota
	stopDisconnect
	stopDelete
	stopShutdown
)

func (m stopMode) String() string {
	switch m {
	case stopDisconnect:
		return "disconnect"
	case stopDelete:
		return "delete"
	case stopShutdown:
		return "shutdown"
	}
	return "none"
}

type task struct {
	id     string
	device model.Device

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan session.Event
	retry  chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	state    model.ConnState
	sess     session.Session
	attempts int
	mode     stopMode
	ended    bool
}

func newTask(d model.Device) *task {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{
		id:     d.ID,
		device: d,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan session.Event, inboxSize),
		retry:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  model.StateUninitialized,
	}
}

func (t *task) State() model.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *task) setState(st model.ConnState) model.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	t.state = st
	return prev
}

func (t *task) session() session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

func (t *task) connectedSession() (session.Session, model.ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != model.StateConnected {
		return nil, t.state
	}
	return t.sess, t.state
}

func (t *task) requestStop(mode stopMode) {
	t.mu.Lock()
	if t.mode == stopNone {
		t.mode = mode
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *task) stopMode() stopMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// emit hands a session event to the task. It blocks while the inbox is full
// and gives up once the task is stopping.
func (t *task) emit(ev session.Event) {
	select {
	case t.inbox <- ev:
	case <-t.ctx.Done():
	}
}

func (s *Supervisor) run(t *task) {
	defer close(t.done)
	defer s.release(t)

	s.transition(t, model.StateInitializing, connUpdate{})
	s.guard(t, "connect", func() { s.connect(t) })

	for !t.ended {
		select {
		case <-t.ctx.Done():
			s.teardown(t)
			return
		case ev := <-t.inbox:
			if t.ctx.Err() != nil {
				continue
			}
			s.guard(t, ev.Kind.String(), func() { s.handle(t, ev) })
		case <-t.retry:
			if t.ctx.Err() != nil {
				continue
			}
			s.guard(t, "reconnect", func() { s.connect(t) })
		}
	}
}

func (s *Supervisor) connect(t *task) {
	sess := t.session()
	if sess == nil {
		opened, err := s.factory.Open(t.ctx, t.device, t.emit)
		if err != nil {
			s.connectFailed(t, err)
			return
		}
		t.mu.Lock()
		t.sess = opened
		t.mu.Unlock()
		sess = opened
	}
	if err := sess.Connect(t.ctx); err != nil {
		s.connectFailed(t, err)
	}
}

func (s *Supervisor) connectFailed(t *task, err error) {
	if t.ctx.Err() != nil {
		return
	}
	if apperr.Is(err, apperr.KindAuth) {
		s.finish(t, model.StateLoggedOut, "credentials rejected: "+err.Error(), true)
		return
	}
	s.dropped(t, "connect failed: "+err.Error())
}

func (s *Supervisor) handle(t *task, ev session.Event) {
	switch ev.Kind {
	case session.EventPairing:
		switch t.State() {
		case model.StateInitializing, model.StatePairingWait, model.StateReconnecting:
		default:
			s.log.Warn("pairing challenge ignored", "device_id", t.id, "state", t.State())
			return
		}
		if _, err := s.pairing.Issue(t.ctx, t.id, ev.Code, ev.PairingKind); err != nil {
			s.log.Error("issue pairing artifact failed", "device_id", t.id, "error", err)
			return
		}
		s.transition(t, model.StatePairingWait, connUpdate{})

	case session.EventPairingTimeout:
		s.finish(t, model.StateDisconnected, ev.Reason, false)

	case session.EventConnected:
		s.timers.Cancel(t.id)
		if err := s.pairing.Clear(t.ctx, t.id); err != nil {
			s.log.Warn("clear pairing artifact failed", "device_id", t.id, "error", err)
		}
		t.mu.Lock()
		t.attempts = 0
		t.mu.Unlock()
		empty := ""
		u := connUpdate{address: &ev.Address, lastError: &empty}
		if ev.Ref != "" {
			u.ref = &ev.Ref
		}
		s.transition(t, model.StateConnected, u)

	case session.EventDisconnected:
		s.dropped(t, ev.Reason)

	case session.EventLoggedOut:
		s.finish(t, model.StateLoggedOut, ev.Reason, true)

	case session.EventMessage:
		if s.inbound == nil || ev.Inbound == nil {
			return
		}
		if err := s.inbound.Inbound(t.ctx, t.id, *ev.Inbound); err != nil {
			s.log.Error("ingest session message failed", "device_id", t.id, "external_id", ev.Inbound.ExternalID, "error", err)
		}

	case session.EventReceipt:
		if s.inbound == nil || ev.Receipt == nil {
			return
		}
		if err := s.inbound.Receipt(t.ctx, t.id, *ev.Receipt); err != nil {
			s.log.Error("apply session receipt failed", "device_id", t.id, "error", err)
		}
	}
}

// dropped handles a recoverable loss: schedule the next attempt, or give
// up once the attempt budget is spent.
func (s *Supervisor) dropped(t *task, reason string) {
	switch t.State() {
	case model.StateReconnecting:
		if s.timers.Pending(t.id) {
			return
		}
	case model.StateInitializing, model.StatePairingWait, model.StateConnected:
	default:
		return
	}

	t.mu.Lock()
	t.attempts++
	attempt := t.attempts
	t.mu.Unlock()

	if s.policy.Exhausted(attempt) {
		s.finish(t, model.StateLoggedOut, "reconnect attempts exhausted: "+reason, false)
		return
	}

	delay := s.policy.Delay(attempt)
	s.transition(t, model.StateReconnecting, connUpdate{lastError: &reason})
	s.metrics.ReconnectScheduled()
	s.log.Warn("reconnect scheduled", "device_id", t.id, "attempt", attempt, "delay", delay.String(), "reason", reason)

	retry := t.retry
	s.timers.Schedule(t.id, delay, func() {
		select {
		case retry <- struct{}{}:
		default:
		}
	})
}

// finish moves t to a final state and ends it. wipe also removes the local
// credentials.
func (s *Supervisor) finish(t *task, state model.ConnState, reason string, wipe bool) {
	s.timers.Cancel(t.id)

	ctx, cancel := s.persistCtx()
	defer cancel()

	if err := s.pairing.Clear(ctx, t.id); err != nil {
		s.log.Warn("clear pairing artifact failed", "device_id", t.id, "error", err)
	}

	u := connUpdate{lastError: &reason}
	if sess := t.session(); sess != nil {
		safely(s.log, t.id, "disconnect", sess.Disconnect)
		if wipe {
			safely(s.log, t.id, "wipe", func() {
				if err := sess.Wipe(ctx); err != nil {
					s.log.Error("wipe session failed", "device_id", t.id, "error", err)
				}
			})
		}
	}
	if wipe {
		empty := ""
		u.ref, u.address = &empty, &empty
	}
	s.transition(t, state, u)

	if state == model.StateLoggedOut {
		s.publish(ctx, model.Event{Type: model.EventDeviceFailed, DeviceID: t.id, State: state, Reason: reason})
	}

	t.ended = true
	t.cancel()
}

// teardown runs once a stop was requested from outside the task.
func (s *Supervisor) teardown(t *task) {
	mode := t.stopMode()
	s.timers.Cancel(t.id)

	ctx, cancel := s.persistCtx()
	defer cancel()

	if err := s.pairing.Clear(ctx, t.id); err != nil {
		s.log.Warn("clear pairing artifact failed", "device_id", t.id, "error", err)
	}

	if sess := t.session(); sess != nil {
		if mode == stopDelete {
			safely(s.log, t.id, "logout", func() {
				if err := sess.Logout(ctx); err != nil {
					s.log.Warn("logout session failed", "device_id", t.id, "error", err)
				}
			})
		}
		safely(s.log, t.id, "disconnect", sess.Disconnect)
		if mode == stopDelete {
			safely(s.log, t.id, "wipe", func() {
				if err := sess.Wipe(ctx); err != nil {
					s.log.Error("wipe session failed", "device_id", t.id, "error", err)
				}
			})
		}
	}

	// Shutdown keeps the stored state so the next boot restores the device.
	if mode == stopDisconnect {
		s.transition(t, model.StateDisconnected, connUpdate{})
	}
	s.log.Info("connection task stopped", "device_id", t.id, "mode", mode)
}

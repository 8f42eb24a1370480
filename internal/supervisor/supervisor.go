// Package supervisor owns the live connection of every session device.
//
// Each device gets one task: a goroutine that processes the device's
// session events serially and is the only writer of the device's
// connection fields in the registry. A failure inside one task is
// recovered and treated as a transport drop of that device alone.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/backoff"
	"github.com/LeventeLantos/messaging-gateway/internal/events"
	"github.com/LeventeLantos/messaging-gateway/internal/metrics"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
	"github.com/LeventeLantos/messaging-gateway/internal/pairing"
	"github.com/LeventeLantos/messaging-gateway/internal/repo"
	"github.com/LeventeLantos/messaging-gateway/internal/session"
)

const persistTimeout = 5 * time.Second

type Registry interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	UpdateConnection(ctx context.Context, id string, u repo.ConnectionUpdate) error
}

type Pairing interface {
	Issue(ctx context.Context, deviceID, raw, kind string) (pairing.Artifact, error)
	Clear(ctx context.Context, deviceID string) error
}

// InboundHandler receives what a session device hears on the wire.
type InboundHandler interface {
	Inbound(ctx context.Context, deviceID string, in session.Inbound) error
	Receipt(ctx context.Context, deviceID string, r session.Receipt) error
}

type Options struct {
	Policy  backoff.Policy
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Observer, when set, is called after every state change.
	Observer func(deviceID string, state model.ConnState)
}

type Supervisor struct {
	factory   session.Factory
	registry  Registry
	pairing   Pairing
	inbound   InboundHandler
	publisher events.Publisher
	policy    backoff.Policy
	metrics   *metrics.Metrics
	log       *slog.Logger
	observe   func(string, model.ConnState)
	now       func() time.Time

	timers *Timers

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

func New(factory session.Factory, registry Registry, pm Pairing, inbound InboundHandler, publisher events.Publisher, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.Factor == 0 {
		opts.Policy = backoff.DefaultPolicy()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(opts.Logger)
	}
	return &Supervisor{
		factory:   factory,
		registry:  registry,
		pairing:   pm,
		inbound:   inbound,
		publisher: publisher,
		policy:    opts.Policy,
		metrics:   opts.Metrics,
		log:       opts.Logger.With("component", "supervisor"),
		observe:   opts.Observer,
		now:       time.Now,
		timers:    NewTimers(),
		tasks:     make(map[string]*task),
	}
}

// Initialize starts the connection task of a session device. It fails with
// a conflict while the device already has a live task.
func (s *Supervisor) Initialize(ctx context.Context, deviceID string) (model.ConnState, error) {
	d, err := s.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if d.Backend != model.BackendSession {
		return "", apperr.Validation("device %s does not use the session backend", deviceID)
	}
	if !d.Active {
		return "", apperr.Validation("device %s is inactive", deviceID)
	}
	if d.SessionRef == "" && d.Settings.PairingMode == model.PairingModeCode && d.Settings.PairingPhone == "" {
		return "", apperr.Validation("phone code pairing requires settings.pairing_phone")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", apperr.Connection("supervisor is shutting down")
	}
	if t, ok := s.tasks[deviceID]; ok {
		s.mu.Unlock()
		st := t.State()
		return st, apperr.Conflict("device %s already has a live connection (%s)", deviceID, st)
	}
	t := newTask(*d)
	s.tasks[deviceID] = t
	s.mu.Unlock()

	s.metrics.TaskStarted()
	go s.run(t)
	return model.StateInitializing, nil
}

// Restore initializes every given device whose stored state is restorable,
// logging the ones that fail.
func (s *Supervisor) Restore(ctx context.Context, devices []model.Device) int {
	started := 0
	for _, d := range devices {
		if !d.State.Restorable() {
			s.log.Debug("restore skipped", "device_id", d.ID, "state", d.State)
			continue
		}
		if _, err := s.Initialize(ctx, d.ID); err != nil {
			s.log.Warn("restore session failed", "device_id", d.ID, "error", err)
			continue
		}
		started++
	}
	s.log.Info("sessions restored", "started", started, "candidates", len(devices))
	return started
}

func (s *Supervisor) lookup(deviceID string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[deviceID]
}

// Status returns the state of the live task of deviceID. ok is false when
// the device has none.
func (s *Supervisor) Status(deviceID string) (state model.ConnState, ok bool) {
	t := s.lookup(deviceID)
	if t == nil {
		return "", false
	}
	return t.State(), true
}

// Attempts returns the reconnection attempt counter of a live task.
func (s *Supervisor) Attempts(deviceID string) int {
	t := s.lookup(deviceID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Live returns the number of running tasks.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// PendingRetries returns the number of scheduled reconnection timers.
func (s *Supervisor) PendingRetries() int {
	return s.timers.Len()
}

// Send delivers content through the connected session of deviceID.
func (s *Supervisor) Send(ctx context.Context, deviceID, recipient string, content model.Content) (externalID string, err error) {
	t := s.lookup(deviceID)
	if t == nil {
		return "", apperr.Connection("device %s has no live connection", deviceID)
	}
	sess, st := t.connectedSession()
	if sess == nil {
		return "", apperr.Connection("device %s is %s", deviceID, st)
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session send panic recovered", "device_id", deviceID, "panic", r)
			err = apperr.Connection("send on device %s failed unexpectedly", deviceID)
		}
	}()
	return sess.Send(ctx, recipient, content)
}

// Disconnect cancels any pending retry, stops the task and releases the
// live session. Stored credentials are kept.
func (s *Supervisor) Disconnect(ctx context.Context, deviceID string) error {
	s.timers.Cancel(deviceID)

	t := s.lookup(deviceID)
	if t == nil {
		d, err := s.registry.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		// A live state without a task is left over from a previous process.
		if d.State.Live() {
			return s.registry.UpdateConnection(ctx, deviceID, repo.ConnectionUpdate{State: model.StateDisconnected})
		}
		return nil
	}
	return s.stop(ctx, t, stopDisconnect)
}

// Delete tears the device's connection down like Disconnect, then logs the
// session out and wipes its local credentials.
func (s *Supervisor) Delete(ctx context.Context, d model.Device) error {
	s.timers.Cancel(d.ID)

	if t := s.lookup(d.ID); t != nil {
		return s.stop(ctx, t, stopDelete)
	}
	if d.Backend != model.BackendSession || d.SessionRef == "" {
		return nil
	}

	sess, err := s.factory.Open(ctx, d, func(session.Event) {})
	if err != nil {
		return fmt.Errorf("open session of %s for wipe: %w", d.ID, err)
	}
	return sess.Wipe(ctx)
}

func (s *Supervisor) stop(ctx context.Context, t *task, mode stopMode) error {
	t.requestStop(mode)
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every task and waits for them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	s.timers.StopAll()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			return s.stop(gctx, t, stopShutdown)
		})
	}
	err := g.Wait()
	s.log.Info("supervisor stopped", "tasks", len(tasks))
	return err
}

func (s *Supervisor) release(t *task) {
	s.mu.Lock()
	if s.tasks[t.id] == t {
		delete(s.tasks, t.id)
	}
	s.mu.Unlock()
	s.metrics.TaskEnded()
}

func (s *Supervisor) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}

type connUpdate struct {
	address   *string
	ref       *string
	lastError *string
}

// transition records a new state of t in the registry and tells observers.
func (s *Supervisor) transition(t *task, state model.ConnState, u connUpdate) {
	prev := t.setState(state)

	ctx, cancel := s.persistCtx()
	defer cancel()

	if err := s.registry.UpdateConnection(ctx, t.id, repo.ConnectionUpdate{
		State:      state,
		Address:    u.address,
		SessionRef: u.ref,
		LastError:  u.lastError,
	}); err != nil {
		s.log.Error("persist connection state failed", "device_id", t.id, "state", state, "error", err)
	}
	if prev == state {
		return
	}

	s.log.Info("device state changed", "device_id", t.id, "from", prev, "to", state)
	s.metrics.Transition(string(state))
	if s.observe != nil {
		s.observe(t.id, state)
	}

	var reason string
	if u.lastError != nil {
		reason = *u.lastError
	}
	s.publish(ctx, model.Event{Type: model.EventDeviceStateChanged, DeviceID: t.id, State: state, Reason: reason})
}

func (s *Supervisor) publish(ctx context.Context, e model.Event) {
	e.OccurredAt = s.now().UTC()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Warn("publish event failed", "type", e.Type, "device_id", e.DeviceID, "error", err)
	}
}

// guard runs fn for t and turns a panic into a fault of t alone.
func (s *Supervisor) guard(t *task, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection task panic recovered",
				"device_id", t.id,
				"op", op,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.fault(t, fmt.Sprintf("task fault during %s: %v", op, r))
		}
	}()
	fn()
}

func (s *Supervisor) fault(t *task, reason string) {
	if sess := t.session(); sess != nil {
		safely(s.log, t.id, "disconnect", sess.Disconnect)
	}
	s.dropped(t, reason)
}

func safely(log *slog.Logger, deviceID, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("session cleanup panic recovered", "device_id", deviceID, "op", op, "panic", r)
		}
	}()
	fn()
}

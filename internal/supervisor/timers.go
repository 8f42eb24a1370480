package supervisor

import (
	"sync"
	"time"
)

// Timers is the arena of pending reconnection timers, at most one per
// device. A cancelled or replaced timer never runs its callback.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*pendingTimer
	seq     uint64
}

type pendingTimer struct {
	timer *time.Timer
	gen   uint64
}

func NewTimers() *Timers {
	return &Timers{pending: make(map[string]*pendingTimer)}
}

// Schedule runs fn after d unless cancelled first. It replaces any timer
// already pending for id.
func (a *Timers) Schedule(id string, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.pending[id]; ok {
		old.timer.Stop()
	}
	a.seq++
	gen := a.seq
	a.pending[id] = &pendingTimer{
		gen:   gen,
		timer: time.AfterFunc(d, func() { a.fire(id, gen, fn) }),
	}
}

func (a *Timers) fire(id string, gen uint64, fn func()) {
	a.mu.Lock()
	p, ok := a.pending[id]
	if !ok || p.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.pending, id)
	a.mu.Unlock()

	fn()
}

// Cancel drops the timer of id. It reports whether one was pending.
func (a *Timers) Cancel(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pending[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(a.pending, id)
	return true
}

func (a *Timers) Pending(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[id]
	return ok
}

func (a *Timers) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// StopAll cancels every pending timer.
func (a *Timers) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, p := range a.pending {
		p.timer.Stop()
		delete(a.pending, id)
	}
}

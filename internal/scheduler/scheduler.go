// Package scheduler runs periodic background jobs such as credit
// reconciliation and the pairing sweep.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Scheduler struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)
	log      *slog.Logger

	running atomic.Bool
	ticks   atomic.Int64
	panics  atomic.Int64
	lastAt  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

func WithName(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.name = name
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func New(interval time.Duration, tickFn func(context.Context), opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	s := &Scheduler{
		name:     "job",
		interval: interval,
		tickFn:   tickFn,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("job", s.name)
	return s, nil
}

func (s *Scheduler) Name() string { return s.name }

// Start launches the loop with an immediate first tick. It returns false
// when the job is already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Status is a point-in-time view of one job.
type Status struct {
	Name       string     `json:"name"`
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	Ticks      int64      `json:"ticks"`
	Panics     int64      `json:"panics"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
}

func (s *Scheduler) Status() Status {
	st := Status{
		Name:     s.name,
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Ticks:    s.ticks.Load(),
		Panics:   s.panics.Load(),
	}
	if ns := s.lastAt.Load(); ns > 0 {
		at := time.Unix(0, ns).UTC()
		st.LastTickAt = &at
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.lastAt.Store(start.UnixNano())
	s.tickFn(ctx)
	s.ticks.Add(1)
	s.log.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}

// Group controls a set of named jobs together.
type Group struct {
	mu   sync.RWMutex
	jobs map[string]*Scheduler
}

func NewGroup(jobs ...*Scheduler) *Group {
	g := &Group{jobs: make(map[string]*Scheduler, len(jobs))}
	for _, j := range jobs {
		g.Add(j)
	}
	return g
}

func (g *Group) Add(j *Scheduler) {
	if j == nil {
		return
	}
	g.mu.Lock()
	g.jobs[j.name] = j
	g.mu.Unlock()
}

func (g *Group) Get(name string) (*Scheduler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.jobs[name]
	return j, ok
}

func (g *Group) each(fn func(*Scheduler)) {
	g.mu.RLock()
	jobs := make([]*Scheduler, 0, len(g.jobs))
	for _, j := range g.jobs {
		jobs = append(jobs, j)
	}
	g.mu.RUnlock()
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].name < jobs[k].name })
	for _, j := range jobs {
		fn(j)
	}
}

// StartAll starts every stopped job and reports how many were started.
func (g *Group) StartAll() int {
	n := 0
	g.each(func(j *Scheduler) {
		if j.Start() {
			n++
		}
	})
	return n
}

func (g *Group) StopAll() int {
	n := 0
	g.each(func(j *Scheduler) {
		if j.Stop() {
			n++
		}
	})
	return n
}

// Statuses lists every job ordered by name.
func (g *Group) Statuses() []Status {
	var out []Status
	g.each(func(j *Scheduler) {
		out = append(out, j.Status())
	})
	return out
}

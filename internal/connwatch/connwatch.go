// Package connwatch tracks the reachability of harbor's external
// dependencies: the MQTT broker, the container runtime and the model
// provider. Each dependency gets a Watcher that probes it with
// exponential backoff until it first answers, then polls it on a fixed
// interval and logs every transition. A Manager aggregates the watchers
// into the report served on /health.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Probe checks one dependency. Return nil when it is reachable.
type Probe func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first retry delay while the dependency has never
	// answered (default 2s).
	Initial time.Duration
	// Max caps retry growth (default 60s).
	Max time.Duration
	// Factor multiplies the delay after each failed attempt (default 2).
	Factor float64
	// Attempts bounds the startup phase (default 10).
	Attempts int
	// Poll is the steady-state probe interval (default 60s).
	Poll time.Duration
	// Timeout bounds each probe call (default 10s).
	Timeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s, ten startup attempts and
// one-minute polling.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  2 * time.Second,
		Max:      60 * time.Second,
		Factor:   2.0,
		Attempts: 10,
		Poll:     60 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor <= 0 {
		b.Factor = d.Factor
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Dependency describes one watched dependency.
type Dependency struct {
	Name  string
	Probe Probe
	// Critical dependencies make the host unhealthy while down.
	Critical bool
	Backoff  Backoff
	// OnUp and OnDown run in their own goroutine on each transition.
	OnUp   func()
	OnDown func(err error)
}

// Status is one dependency's state as reported on /health.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	Critical  bool      `json:"critical"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one dependency until stopped.
type Watcher struct {
	dep    Dependency
	logger *slog.Logger
	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Up reports whether the last probe succeeded.
func (w *Watcher) Up() bool {
	return w.up.Load()
}

// Status snapshots the watcher.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.dep.Name,
		Up:        w.up.Load(),
		Critical:  w.dep.Critical,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.dep.Backoff
	log := w.logger.With("dependency", w.dep.Name)

	delay := b.Initial
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		err := w.check(ctx)
		if err == nil {
			log.Info("dependency reachable", "attempts", attempt)
			w.transition(true, nil)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == b.Attempts {
			log.Warn("dependency unreachable at startup, polling in background", "attempts", attempt, "error", err)
			break
		}
		log.Debug("dependency probe failed", "attempt", attempt, "retry_in", delay, "error", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Factor), b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		switch wasUp := w.up.Load(); {
		case wasUp && err != nil:
			log.Warn("dependency down", "error", err)
			w.transition(false, err)
		case !wasUp && err == nil:
			log.Info("dependency recovered")
			w.transition(true, nil)
		case err != nil:
			log.Debug("dependency still down", "error", err)
		}
	}
}

func (w *Watcher) transition(up bool, err error) {
	w.up.Store(up)
	switch {
	case up && w.dep.OnUp != nil:
		go w.dep.OnUp()
	case !up && w.dep.OnDown != nil:
		go w.dep.OnDown(err)
	}
}

func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.dep.Backoff.Timeout)
	defer cancel()
	err := w.dep.Probe(pctx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers of one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager. logger may be nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts watching dep until ctx is done or Stop is called.
// Watching a name twice replaces and stops the earlier watcher.
func (m *Manager) Watch(ctx context.Context, dep Dependency) *Watcher {
	if dep.Name == "" || dep.Probe == nil {
		panic("connwatch: dependency needs a name and a probe")
	}
	dep.Backoff = dep.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{dep: dep, logger: m.logger, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.watchers[dep.Name]
	m.watchers[dep.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(wctx)
	return w
}

// Report is the aggregate health of all dependencies.
type Report struct {
	Healthy      bool     `json:"healthy"`
	Dependencies []Status `json:"dependencies"`
}

// Report returns every dependency's status, sorted by name. The report
// is healthy while every critical dependency is up.
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := Report{Healthy: true, Dependencies: make([]Status, 0, len(m.watchers))}
	for _, w := range m.watchers {
		s := w.Status()
		if s.Critical && !s.Up {
			r.Healthy = false
		}
		r.Dependencies = append(r.Dependencies, s)
	}
	sort.Slice(r.Dependencies, func(i, j int) bool { return r.Dependencies[i].Name < r.Dependencies[j].Name })
	return r
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}

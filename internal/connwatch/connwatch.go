// Package connwatch tracks the health of tool backends such as MCP
// servers and the MQTT broker.
//
// Each watcher probes one backend. At startup it retries with
// exponential backoff; after that it polls on a fixed interval. Every
// up or down transition is published on the event bus as backend_up or
// backend_down, and tools bound to the backend read [Watcher.IsReady]
// as their availability.
//
// This is separate from httpkit's dial retry, which covers sub-second
// failures of a single request.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/agentcore/internal/events"
)

// ProbeFunc checks whether a backend is reachable. Nil means healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds startup attempts before falling back to polling.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig is 2s doubling to 60s over 10 startup attempts,
// then a probe every 60s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Spec describes one backend to watch.
type Spec struct {
	// Name is the backend name tools carry in [tools.Tool.Backend],
	// for example "mcp:github".
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on transitions.
	OnReady func()
	OnDown  func(err error)
}

// ServiceStatus is a backend's health for status endpoints.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one backend.
type Watcher struct {
	spec   Spec
	bus    *events.Bus
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the backend answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the watcher's current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.spec.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
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
	b := w.spec.Backoff

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("backend connected", "attempts", attempt)
			break
		}
		if attempt == b.MaxRetries {
			w.logger.Warn("backend unreachable at startup, polling in background",
				"attempts", attempt, "error", err)
			break
		}
		w.logger.Debug("backend probe failed, retrying",
			"attempt", attempt, "next_delay", delay, "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.check(ctx)
		}
	}
}

// check probes once, records the outcome and handles a transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.spec.Backoff.ProbeTimeout)
	err := w.spec.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	if w.ready.Swap(up) == up {
		return err
	}

	if up {
		w.logger.Info("backend up")
		w.bus.Emit(events.SourceConnwatch, events.KindBackendUp, map[string]any{"backend": w.spec.Name})
		if w.spec.OnReady != nil {
			go w.spec.OnReady()
		}
	} else {
		w.logger.Warn("backend down", "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindBackendDown, map[string]any{
			"backend": w.spec.Name,
			"error":   err.Error(),
		})
		if w.spec.OnDown != nil {
			go w.spec.OnDown(err)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers for every backend.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager returns a Manager that publishes transitions on bus. bus
// may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher for spec. It panics on an empty name or nil
// probe. Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, spec Spec) *Watcher {
	if spec.Name == "" || spec.Probe == nil {
		panic("connwatch: Spec needs a Name and a Probe")
	}
	spec.Backoff = spec.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		spec:   spec,
		bus:    m.bus,
		logger: m.logger.With("backend", spec.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[spec.Name]
	m.watchers[spec.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Available returns an availability func for tools bound to the named
// backend. Unknown backends report unavailable.
func (m *Manager) Available(name string) func() bool {
	return func() bool {
		m.mu.RLock()
		w := m.watchers[name]
		m.mu.RUnlock()
		return w != nil && w.IsReady()
	}
}

// Status returns the health of every backend sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down every watcher.
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

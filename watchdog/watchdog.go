// Package watchdog implements the companion watchdog service: per-client
// kick/timeout tracking with configurable precedence (per-process >
// per-app > default interval), notifying a registered handler on expiry.
// Manager is an in-process Go API: it is not advertised through the
// directory broker, and no session close handler calls Forget for it.
//
// The background expiry loop is grounded on
// coreengine/kernel/cleanup.go's CleanupLoop: a ticker-driven goroutine
// with a stop channel and panic recovery, adapted here to sweep
// per-client deadlines instead of sweeping stale kernel records.
package watchdog

import (
	"sync"
	"time"

	"github.com/legato-project/messaging/eventloop"
)

// DefaultInterval is used when neither a per-process nor a per-app
// interval has been configured for a client, per spec.md §5's precedence
// rule.
const DefaultInterval = 30 * time.Second

// sweepInterval bounds expiry-detection latency; spec.md documents ±10ms
// precision, which this sweep period comfortably satisfies without a
// dedicated timer per client.
const sweepInterval = 5 * time.Millisecond

// ClientID identifies one watched client by owning process.
type ClientID struct {
	AppID string
	PID   int32
}

// Config supplies the interval precedence inputs: PerProcess overrides
// PerApp, which overrides DefaultInterval.
type Config struct {
	PerProcess map[int32]time.Duration
	PerApp     map[string]time.Duration
}

func (c Config) intervalFor(id ClientID) time.Duration {
	if d, ok := c.PerProcess[id.PID]; ok {
		return d
	}
	if d, ok := c.PerApp[id.AppID]; ok {
		return d
	}
	return DefaultInterval
}

type clientState struct {
	id       ClientID
	deadline time.Time
	interval time.Duration
}

// Manager tracks every registered client's kick deadline and calls the
// expiry handler once per client that misses its deadline.
type Manager struct {
	cfg      Config
	logger   eventloop.Logger
	onExpire func(id ClientID)

	mu       sync.Mutex
	clients  map[ClientID]*clientState
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Manager. onExpire is invoked (from the sweep goroutine,
// never concurrently) once per client the first time it misses its
// deadline; the client is removed from tracking at that point — a
// subsequent Kick re-registers it.
func New(cfg Config, onExpire func(id ClientID), logger eventloop.Logger) *Manager {
	if logger == nil {
		logger = eventloop.NoopLogger()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		onExpire: onExpire,
		clients:  make(map[ClientID]*clientState),
		stopped:  make(chan struct{}),
	}
}

// Start spawns the sweep goroutine.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopped:
			return
		}
	}
}

func (m *Manager) sweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("watchdog_sweep_panic_recovered", "error", r)
		}
	}()

	now := time.Now()
	var expired []ClientID

	m.mu.Lock()
	for id, c := range m.clients {
		if now.After(c.deadline) {
			expired = append(expired, id)
			delete(m.clients, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Warn("watchdog_expired", "app_id", id.AppID, "pid", id.PID)
		if m.onExpire != nil {
			m.onExpire(id)
		}
	}
}

// Kick resets id's deadline using its configured interval, registering it
// if not already tracked.
func (m *Manager) Kick(id ClientID) {
	interval := m.cfg.intervalFor(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[id] = &clientState{
		id:       id,
		interval: interval,
		deadline: time.Now().Add(interval),
	}
}

// Now and Never are the two special values of Timeout's duration
// argument, matching the watchdog IPC's general timeout(milliseconds)
// call (spec.md §5): Now forces immediate expiry, Never suspends
// expiry indefinitely. Any other value is an ordinary one-shot
// override duration.
const (
	// Now forces id to expire on the next sweep, regardless of interval.
	Now time.Duration = 0
	// Never stops tracking id; it will not expire until kicked again
	// with a normal interval.
	Never time.Duration = -1
)

// Timeout applies a one-shot timeout override to id, independent of its
// configured interval: id expires d from now, replacing whatever
// deadline Kick last set. The two special values Now and Never select
// immediate expiry and indefinite suspension respectively; any other
// non-negative d is an arbitrary one-shot override duration, per
// spec.md §5's general timeout(milliseconds) call.
func (m *Manager) Timeout(id ClientID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case d == Never:
		delete(m.clients, id)
	case d <= Now:
		m.clients[id] = &clientState{id: id, deadline: time.Now().Add(-time.Millisecond)}
	default:
		m.clients[id] = &clientState{id: id, interval: d, deadline: time.Now().Add(d)}
	}
}

// Forget removes id from tracking without treating it as an expiry (used
// when a client disconnects cleanly).
func (m *Manager) Forget(id ClientID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, id)
}

// Tracked reports whether id currently has a live deadline.
func (m *Manager) Tracked(id ClientID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[id]
	return ok
}

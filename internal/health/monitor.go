// Package health polls vector database reachability and notifies subscribers
// when the status changes.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/ctxengine/pkg/types"
)

// Checker performs one reachability check
type Checker interface {
	HealthCheck(ctx context.Context, force bool) types.HealthStatus
}

// EventKind distinguishes health notifications
type EventKind string

const (
	// EventChanged is sent when health flips or the failure count changes
	EventChanged EventKind = "changed"
	// EventAlert is sent when consecutive failures reach the threshold
	EventAlert EventKind = "alert"
	// EventSlow is sent when a healthy check exceeds the slow threshold
	EventSlow EventKind = "slow"
	// EventRecovered is sent when a recovery recheck succeeds
	EventRecovered EventKind = "recovered"
)

// Event is delivered to subscribers
type Event struct {
	Kind   EventKind
	Status types.HealthStatus
}

// Config controls the polling cycle
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	AutoRecovery     bool
	RecoveryDelay    time.Duration
	RecoveryAttempts int
	SlowThreshold    time.Duration
	CheckTimeout     time.Duration
}

// DefaultConfig returns the default monitor settings
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		FailureThreshold: 3,
		AutoRecovery:     true,
		RecoveryDelay:    5 * time.Second,
		RecoveryAttempts: 1,
		SlowThreshold:    2 * time.Second,
		CheckTimeout:     10 * time.Second,
	}
}

// Monitor polls a Checker on a fixed interval. Status is only written by the
// polling goroutine (or an explicit Poll call).
type Monitor struct {
	cfg     Config
	checker Checker
	logger  *slog.Logger

	mu      sync.RWMutex
	status  types.HealthStatus
	polled  bool
	alerted bool
	subs    map[int]func(Event)
	nextSub int

	pollMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor. Start begins polling.
func NewMonitor(checker Checker, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.RecoveryAttempts < 1 {
		cfg.RecoveryAttempts = 1
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		checker: checker,
		logger:  logger,
		subs:    make(map[int]func(Event)),
	}
}

// Subscribe registers fn for health events. The returned function removes it.
// Callbacks run on the polling goroutine and must not block.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Status returns a copy of the last observed status
func (m *Monitor) Status() types.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Start polls immediately and then on every interval until Stop or ctx ends
func (m *Monitor) Start(ctx context.Context) {
	m.pollMu.Lock()
	if m.cancel != nil {
		m.pollMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.pollMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the polling goroutine
func (m *Monitor) Stop() {
	m.pollMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.pollMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Poll runs one polling cycle: check, update, notify and, past the failure
// threshold, alert and optionally attempt recovery
func (m *Monitor) Poll(ctx context.Context) {
	st := m.check(ctx)
	if ctx.Err() != nil {
		return
	}

	prev, first := m.update(st)
	if first || prev.IsHealthy != st.IsHealthy || prev.ConsecutiveFailures != st.ConsecutiveFailures {
		m.emit(Event{Kind: EventChanged, Status: st})
	}

	if st.IsHealthy {
		if st.Slow {
			m.logger.Warn("vector store responding slowly", "response_time", st.ResponseTime)
			m.emit(Event{Kind: EventSlow, Status: st})
		}
		m.mu.Lock()
		m.alerted = false
		m.mu.Unlock()
		return
	}

	if st.ConsecutiveFailures < m.cfg.FailureThreshold {
		return
	}

	m.mu.Lock()
	firstAlert := !m.alerted
	m.alerted = true
	m.mu.Unlock()

	if firstAlert {
		m.logger.Error("vector store unhealthy",
			"consecutive_failures", st.ConsecutiveFailures,
			"error", st.LastError)
		m.emit(Event{Kind: EventAlert, Status: st})
	}

	if m.cfg.AutoRecovery {
		m.recover(ctx)
	}
}

// recover waits and rechecks. It does not reconnect.
func (m *Monitor) recover(ctx context.Context) {
	for attempt := 1; attempt <= m.cfg.RecoveryAttempts; attempt++ {
		timer := time.NewTimer(m.cfg.RecoveryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		st := m.check(ctx)
		if ctx.Err() != nil {
			return
		}
		m.update(st)
		if st.IsHealthy {
			m.logger.Info("vector store recovered", "attempt", attempt, "response_time", st.ResponseTime)
			m.mu.Lock()
			m.alerted = false
			m.mu.Unlock()
			m.emit(Event{Kind: EventRecovered, Status: st})
			m.emit(Event{Kind: EventChanged, Status: st})
			return
		}
		m.logger.Warn("recovery check failed", "attempt", attempt, "error", st.LastError)
		m.emit(Event{Kind: EventChanged, Status: st})
	}
}

func (m *Monitor) check(ctx context.Context) types.HealthStatus {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	st := m.checker.HealthCheck(checkCtx, true)
	if st.LastCheck.IsZero() {
		st.LastCheck = time.Now()
	}

	prev := m.Status()
	if st.IsHealthy {
		st.ConsecutiveFailures = 0
		st.Slow = m.cfg.SlowThreshold > 0 && st.ResponseTime > m.cfg.SlowThreshold
	} else {
		st.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		st.Slow = false
	}
	return st
}

func (m *Monitor) update(st types.HealthStatus) (prev types.HealthStatus, first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, first = m.status, !m.polled
	m.status = st
	m.polled = true
	return prev, first
}

func (m *Monitor) emit(ev Event) {
	m.mu.RLock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

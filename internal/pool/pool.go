// Package pool maintains a bounded set of live connections with acquire and
// release semantics, periodic health probing and idle eviction.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/ctxengine/pkg/types"
)

// Conn is the capability a pooled connection must offer
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new connection
type Dialer[C Conn] func(ctx context.Context) (C, error)

// Config bounds the pool
type Config struct {
	MinConnections  int
	MaxConnections  int
	AcquireTimeout  time.Duration
	IdleTimeout     time.Duration
	HealthInterval  time.Duration
	CleanupInterval time.Duration
	PingTimeout     time.Duration
}

// DefaultConfig returns sensible pool bounds
func DefaultConfig() Config {
	return Config{
		MinConnections:  1,
		MaxConnections:  5,
		AcquireTimeout:  10 * time.Second,
		IdleTimeout:     5 * time.Minute,
		HealthInterval:  30 * time.Second,
		CleanupInterval: time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// waitWindow bounds the samples kept for the average wait time
const waitWindow = 100

// Pooled is a connection owned by the pool. It is only valid between
// Acquire and the matching Release.
type Pooled[C Conn] struct {
	ID         int64
	Conn       C
	CreatedAt  time.Time
	LastUsedAt time.Time

	healthy bool
	inUse   bool
	broken  bool
}

// MarkBroken flags the connection so that Release destroys it
func (p *Pooled[C]) MarkBroken() {
	p.broken = true
}

// Stats is a snapshot of pool counters
type Stats struct {
	Total          int
	Active         int
	Idle           int
	Unhealthy      int
	Waiting        int
	TotalCreated   int64
	TotalDestroyed int64
	Timeouts       int64
	AvgWait        time.Duration
}

type waiter[C Conn] struct {
	ch chan *Pooled[C]
}

// Pool is a bounded connection pool. All state is guarded by mu.
type Pool[C Conn] struct {
	cfg    Config
	dial   Dialer[C]
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[int64]*Pooled[C]
	idle     []*Pooled[C] // LIFO, most recently released last
	waiters  *list.List   // FIFO of *waiter[C]
	pending  int          // Dials in flight, counted against MaxConnections
	nextID   int64
	closed   bool
	created  int64
	destroyd int64
	timeouts int64
	waits    []time.Duration
	waitPos  int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool. No connection is opened until Warm or Acquire.
func New[C Conn](cfg Config, dial Dialer[C], logger *slog.Logger) (*Pool[C], error) {
	if cfg.MaxConnections < 1 {
		return nil, types.NewValidationError("maxConnections", "must be at least 1")
	}
	if cfg.MinConnections < 0 || cfg.MinConnections > cfg.MaxConnections {
		return nil, types.NewValidationError("minConnections", fmt.Sprintf("must be between 0 and %d", cfg.MaxConnections))
	}
	if cfg.AcquireTimeout <= 0 {
		return nil, types.NewValidationError("acquireTimeout", "must be positive")
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[C]{
		cfg:     cfg,
		dial:    dial,
		logger:  logger,
		conns:   make(map[int64]*Pooled[C]),
		waiters: list.New(),
		stop:    make(chan struct{}),
	}, nil
}

// Warm opens connections until MinConnections exist
func (p *Pool[C]) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return types.ErrPoolClosed
		}
		if len(p.conns)+p.pending >= p.cfg.MinConnections {
			p.mu.Unlock()
			return nil
		}
		p.pending++
		p.mu.Unlock()

		pc, err := p.open(ctx)
		if err != nil {
			return err
		}
		p.Release(pc)
	}
}

// Start launches the health and cleanup sweeps
func (p *Pool[C]) Start() {
	if p.cfg.HealthInterval > 0 {
		p.wg.Add(1)
		go p.loop(p.cfg.HealthInterval, p.HealthSweep)
	}
	if p.cfg.CleanupInterval > 0 {
		p.wg.Add(1)
		go p.loop(p.cfg.CleanupInterval, func(context.Context) { p.Cleanup() })
	}
}

func (p *Pool[C]) loop(interval time.Duration, fn func(ctx context.Context)) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			fn(context.Background())
		}
	}
}

// Acquire returns an idle healthy connection, opens a new one while under
// MaxConnections, or waits in FIFO order for a release. Waiting ends with
// ErrAcquireTimeout after AcquireTimeout.
func (p *Pool[C]) Acquire(ctx context.Context) (*Pooled[C], error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.ErrPoolClosed
	}

	if pc := p.takeHealthyLocked(); pc != nil {
		p.checkoutLocked(pc, start)
		p.mu.Unlock()
		return pc, nil
	}

	// Make room by dropping an unhealthy idle connection
	if len(p.conns)+p.pending >= p.cfg.MaxConnections && len(p.idle) > 0 {
		pc := p.idle[0]
		p.idle = p.idle[1:]
		p.destroyLocked(pc)
	}

	if len(p.conns)+p.pending < p.cfg.MaxConnections {
		p.pending++
		p.mu.Unlock()
		pc, err := p.open(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.checkoutLocked(pc, start)
		p.mu.Unlock()
		return pc, nil
	}

	w := &waiter[C]{ch: make(chan *Pooled[C], 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case pc, ok := <-w.ch:
		if !ok {
			return nil, types.ErrPoolClosed
		}
		p.recordWait(time.Since(start))
		return pc, nil
	case <-timer.C:
		return nil, p.abandon(elem, w, true)
	case <-ctx.Done():
		_ = p.abandon(elem, w, false)
		return nil, ctx.Err()
	}
}

// abandon removes a waiter. A connection handed over concurrently with the
// timeout is released again so it is not leaked.
func (p *Pool[C]) abandon(elem *list.Element, w *waiter[C], timedOut bool) error {
	p.mu.Lock()
	p.waiters.Remove(elem)
	if timedOut {
		p.timeouts++
	}
	p.mu.Unlock()

	select {
	case pc, ok := <-w.ch:
		if ok && pc != nil {
			p.Release(pc)
		}
	default:
	}

	if timedOut {
		return fmt.Errorf("%w after %s", types.ErrAcquireTimeout, p.cfg.AcquireTimeout)
	}
	return nil
}

// Release returns a connection. The oldest waiter receives it directly.
// Connections marked broken are destroyed and a waiter, if any, gets a
// replacement.
func (p *Pool[C]) Release(pc *Pooled[C]) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if _, owned := p.conns[pc.ID]; !owned {
		p.mu.Unlock()
		return
	}
	pc.inUse = false
	pc.LastUsedAt = time.Now()

	if p.closed {
		p.destroyLocked(pc)
		p.mu.Unlock()
		return
	}

	hasWaiter := p.waiters.Len() > 0
	if pc.broken || (!pc.healthy && hasWaiter) {
		p.destroyLocked(pc)
		needReplacement := hasWaiter && len(p.conns)+p.pending < p.cfg.MaxConnections
		if needReplacement {
			p.pending++
		}
		p.mu.Unlock()
		if needReplacement {
			go p.replace()
		}
		return
	}

	if pc.healthy {
		if w := p.popWaiterLocked(); w != nil {
			pc.inUse = true
			pc.LastUsedAt = time.Now()
			w.ch <- pc
			p.mu.Unlock()
			return
		}
	}

	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// replace opens a connection for a queued waiter after a broken one was destroyed
func (p *Pool[C]) replace() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()

	pc, err := p.open(ctx)
	if err != nil {
		p.logger.Warn("failed to open replacement connection", "error", err)
		return
	}
	p.Release(pc)
}

// open dials a connection for a slot already reserved in pending
func (p *Pool[C]) open(ctx context.Context) (*Pooled[C], error) {
	conn, err := p.dial(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending--
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	if p.closed {
		_ = conn.Close()
		return nil, types.ErrPoolClosed
	}

	p.nextID++
	now := time.Now()
	pc := &Pooled[C]{
		ID:         p.nextID,
		Conn:       conn,
		CreatedAt:  now,
		LastUsedAt: now,
		healthy:    true,
		inUse:      true,
	}
	p.conns[pc.ID] = pc
	p.created++
	p.logger.Debug("opened pooled connection", "id", pc.ID, "total", len(p.conns))
	return pc, nil
}

// takeHealthyLocked removes the most recently used healthy idle connection
func (p *Pool[C]) takeHealthyLocked() *Pooled[C] {
	for i := len(p.idle) - 1; i >= 0; i-- {
		pc := p.idle[i]
		if pc.healthy {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return pc
		}
	}
	return nil
}

func (p *Pool[C]) checkoutLocked(pc *Pooled[C], start time.Time) {
	pc.inUse = true
	pc.broken = false
	pc.LastUsedAt = time.Now()
	p.recordWaitLocked(time.Since(start))
}

func (p *Pool[C]) popWaiterLocked() *waiter[C] {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	p.waiters.Remove(front)
	return front.Value.(*waiter[C])
}

func (p *Pool[C]) destroyLocked(pc *Pooled[C]) {
	delete(p.conns, pc.ID)
	p.destroyd++
	if err := pc.Conn.Close(); err != nil {
		p.logger.Debug("close pooled connection", "id", pc.ID, "error", err)
	}
}

func (p *Pool[C]) recordWait(d time.Duration) {
	p.mu.Lock()
	p.recordWaitLocked(d)
	p.mu.Unlock()
}

func (p *Pool[C]) recordWaitLocked(d time.Duration) {
	if len(p.waits) < waitWindow {
		p.waits = append(p.waits, d)
		return
	}
	p.waits[p.waitPos] = d
	p.waitPos = (p.waitPos + 1) % waitWindow
}

// HealthSweep pings idle connections and marks failing ones unhealthy.
// Connections are borrowed from the idle list while checked so no acquirer
// can observe them.
func (p *Pool[C]) HealthSweep(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	batch := p.idle
	p.idle = nil
	for _, pc := range batch {
		pc.inUse = true
	}
	p.mu.Unlock()

	for _, pc := range batch {
		pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
		err := pc.Conn.Ping(pingCtx)
		cancel()

		if err != nil {
			p.logger.Warn("pooled connection failed health check", "id", pc.ID, "error", err)
		}
		p.mu.Lock()
		pc.healthy = err == nil
		p.mu.Unlock()
		p.Release(pc)
	}
}

// Cleanup evicts idle connections that are unhealthy or unused for longer
// than IdleTimeout, never shrinking the pool below MinConnections
func (p *Pool[C]) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	now := time.Now()
	kept := p.idle[:0]
	for _, pc := range p.idle {
		expired := p.cfg.IdleTimeout > 0 && now.Sub(pc.LastUsedAt) > p.cfg.IdleTimeout
		if (!pc.healthy || expired) && len(p.conns) > p.cfg.MinConnections {
			p.destroyLocked(pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
}

// Stats returns a snapshot of the pool counters
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:          len(p.conns),
		Idle:           len(p.idle),
		Waiting:        p.waiters.Len(),
		TotalCreated:   p.created,
		TotalDestroyed: p.destroyd,
		Timeouts:       p.timeouts,
	}
	for _, pc := range p.conns {
		if pc.inUse {
			s.Active++
		}
		if !pc.healthy {
			s.Unhealthy++
		}
	}
	if len(p.waits) > 0 {
		var sum time.Duration
		for _, w := range p.waits {
			sum += w
		}
		s.AvgWait = sum / time.Duration(len(p.waits))
	}
	return s
}

// Close stops the sweeps, fails all waiters with ErrPoolClosed and closes idle
// connections. Connections still in use are closed on release.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)

	for w := p.popWaiterLocked(); w != nil; w = p.popWaiterLocked() {
		close(w.ch)
	}

	var errs []error
	for _, pc := range p.idle {
		delete(p.conns, pc.ID)
		p.destroyd++
		if err := pc.Conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.idle = nil
	p.mu.Unlock()

	p.wg.Wait()
	return errors.Join(errs...)
}

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dshills/ctxengine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChecker returns queued results, repeating the last one
type scriptedChecker struct {
	mu      sync.Mutex
	results []types.HealthStatus
	calls   int
}

func (s *scriptedChecker) HealthCheck(ctx context.Context, force bool) types.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]
}

func (s *scriptedChecker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func healthy(rt time.Duration) types.HealthStatus {
	return types.HealthStatus{IsHealthy: true, ResponseTime: rt}
}

func unhealthy(msg string) types.HealthStatus {
	return types.HealthStatus{IsHealthy: false, LastError: msg}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func testConfig() Config {
	return Config{
		Interval:         time.Hour,
		FailureThreshold: 2,
		AutoRecovery:     false,
		RecoveryDelay:    time.Millisecond,
		SlowThreshold:    100 * time.Millisecond,
		CheckTimeout:     time.Second,
	}
}

func TestPoll_NotifiesOnlyOnChange(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{
		healthy(time.Millisecond),
		healthy(2 * time.Millisecond),
		unhealthy("refused"),
		healthy(time.Millisecond),
	}}
	m := NewMonitor(checker, testConfig(), nil)
	rec := &recorder{}
	m.Subscribe(rec.record)
	ctx := context.Background()

	m.Poll(ctx) // first observation
	m.Poll(ctx) // unchanged
	assert.Equal(t, []EventKind{EventChanged}, rec.kinds())

	m.Poll(ctx) // flip to unhealthy
	assert.False(t, m.Status().IsHealthy)
	assert.Equal(t, 1, m.Status().ConsecutiveFailures)
	assert.Equal(t, "refused", m.Status().LastError)

	m.Poll(ctx) // flip back
	assert.True(t, m.Status().IsHealthy)
	assert.Equal(t, 0, m.Status().ConsecutiveFailures)
	assert.Equal(t, []EventKind{EventChanged, EventChanged, EventChanged}, rec.kinds())
}

func TestPoll_FailureCountChangeNotifies(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{unhealthy("a")}}
	cfg := testConfig()
	cfg.FailureThreshold = 10
	m := NewMonitor(checker, cfg, nil)
	rec := &recorder{}
	m.Subscribe(rec.record)

	for i := 0; i < 3; i++ {
		m.Poll(context.Background())
	}
	assert.Equal(t, 3, m.Status().ConsecutiveFailures)
	assert.Equal(t, []EventKind{EventChanged, EventChanged, EventChanged}, rec.kinds())
}

func TestPoll_AlertAtThresholdOnce(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{unhealthy("down")}}
	m := NewMonitor(checker, testConfig(), nil)
	rec := &recorder{}
	m.Subscribe(rec.record)

	for i := 0; i < 4; i++ {
		m.Poll(context.Background())
	}

	alerts := 0
	for _, k := range rec.kinds() {
		if k == EventAlert {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts)
	assert.Equal(t, 4, m.Status().ConsecutiveFailures)
}

func TestPoll_AutoRecovery(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{
		unhealthy("down"),
		unhealthy("down"),
		healthy(time.Millisecond), // recovery recheck
	}}
	cfg := testConfig()
	cfg.AutoRecovery = true
	m := NewMonitor(checker, cfg, nil)
	rec := &recorder{}
	m.Subscribe(rec.record)

	m.Poll(context.Background())
	m.Poll(context.Background())

	assert.Equal(t, 3, checker.callCount())
	assert.True(t, m.Status().IsHealthy)
	assert.Contains(t, rec.kinds(), EventAlert)
	assert.Contains(t, rec.kinds(), EventRecovered)
}

func TestPoll_AutoRecoveryFails(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{unhealthy("down")}}
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.AutoRecovery = true
	cfg.RecoveryAttempts = 2
	m := NewMonitor(checker, cfg, nil)

	m.Poll(context.Background())

	assert.Equal(t, 3, checker.callCount())
	assert.False(t, m.Status().IsHealthy)
	assert.Equal(t, 3, m.Status().ConsecutiveFailures)
}

func TestPoll_SlowButHealthy(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{healthy(500 * time.Millisecond)}}
	m := NewMonitor(checker, testConfig(), nil)
	rec := &recorder{}
	m.Subscribe(rec.record)

	m.Poll(context.Background())

	st := m.Status()
	assert.True(t, st.IsHealthy)
	assert.True(t, st.Slow)
	assert.Equal(t, []EventKind{EventChanged, EventSlow}, rec.kinds())
}

func TestUnsubscribe(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{healthy(0), unhealthy("x")}}
	m := NewMonitor(checker, testConfig(), nil)
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.record)

	m.Poll(context.Background())
	unsubscribe()
	m.Poll(context.Background())

	assert.Len(t, rec.kinds(), 1)
}

func TestStartStop(t *testing.T) {
	checker := &scriptedChecker{results: []types.HealthStatus{healthy(0)}}
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond
	m := NewMonitor(checker, cfg, nil)

	m.Start(context.Background())
	m.Start(context.Background()) // no second loop
	require.Eventually(t, func() bool { return checker.callCount() >= 3 }, time.Second, time.Millisecond)
	m.Stop()

	calls := checker.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, checker.callCount())
	assert.False(t, m.Status().LastCheck.IsZero())
}

type blockingChecker struct{}

func (blockingChecker) HealthCheck(ctx context.Context, force bool) types.HealthStatus {
	<-ctx.Done()
	return types.HealthStatus{LastError: errors.New("health check timed out").Error()}
}

func TestPoll_CheckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CheckTimeout = 10 * time.Millisecond
	m := NewMonitor(blockingChecker{}, cfg, nil)

	m.Poll(context.Background())
	assert.False(t, m.Status().IsHealthy)
	assert.Equal(t, 1, m.Status().ConsecutiveFailures)
}

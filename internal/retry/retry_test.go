package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/ctxengine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(20))
}

func TestDo_SucceedsAfterMaxRetriesFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), nil, "test", nil, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 4, calls)
}

func TestDo_ExhaustionRaisesConnectivityError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), nil, "upsert", nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnectivity)
	assert.Equal(t, 4, calls)

	var ce *types.ConnectivityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "upsert", ce.Op)
	assert.Equal(t, 4, ce.Attempts)
}

func TestDo_ValidationNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), nil, "search", nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, types.NewValidationError("limit", "out of range")
	})

	assert.ErrorIs(t, err, types.ErrValidation)
	assert.NotErrorIs(t, err, types.ErrConnectivity)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentUnwrapped(t *testing.T) {
	cause := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), nil, "op", nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, Permanent(cause)
	})

	assert.Same(t, cause, err)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomClassifier(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), nil, "op", func(error) bool { return false }, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("x")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, p, nil, "op", nil, func(ctx context.Context) (int, error) {
		return 0, errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_AttemptTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.AttemptTimeout = 10 * time.Millisecond

	calls := 0
	_, err := Do(context.Background(), p, nil, "slow", nil, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, err, types.ErrConnectivity)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

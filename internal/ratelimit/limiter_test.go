package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalLimiter_SpacesCalls(t *testing.T) {
	// 1200 per minute = one slot every 50ms.
	l := NewInterval(1200)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	elapsed := time.Since(start)

	// First call is immediate, the next three are spaced 50ms apart.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestIntervalLimiter_DisabledRateNeverBlocks(t *testing.T) {
	l := NewInterval(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestIntervalLimiter_CancelledContext(t *testing.T) {
	// 6 per minute = a 10s interval, far beyond the test's patience.
	l := NewInterval(6)

	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIntervalLimiter_AlreadyCancelled(t *testing.T) {
	l := NewInterval(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenBlocks(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "call %d should fit in the burst", i)
	}
	assert.False(t, l.Allow(), "bucket should be drained")
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(Config{RequestsPerSecond: 100, Burst: 1})
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow(), "bucket should refill at the configured rate")
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

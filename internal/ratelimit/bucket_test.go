package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/usagesync/internal/clock"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBurstThenWait(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := New(Config{PerMinute: 50, Burst: 10}, clk)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Acquire(ctx), "acquire %d", i+1)
	}
	require.Zero(t, clk.Slept(), "first 10 acquisitions should not wait")

	start := clk.Now()
	require.NoError(t, b.Acquire(ctx))
	elapsed := clk.Now().Sub(start)

	require.Greater(t, elapsed, time.Duration(0))
	require.InDelta(t, float64(1200*time.Millisecond), float64(elapsed), float64(time.Millisecond))
}

func TestAcquireTimesOut(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := New(Config{PerMinute: 60, Burst: 1, Timeout: 500 * time.Millisecond}, clk)
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx))
	err := b.Acquire(ctx)
	require.ErrorIs(t, err, ErrThrottleTimeout)
	require.Empty(t, clk.Sleeps(), "timed out acquire must not sleep")

	// The cancelled reservation returns its token.
	clk.Advance(time.Second)
	require.NoError(t, b.Acquire(ctx))
	require.Empty(t, clk.Sleeps())
}

func TestAcquireRespectsContextDeadline(t *testing.T) {
	b := New(Config{PerMinute: 6, Burst: 1}, nil)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Acquire(ctx)
	require.True(t, errors.Is(err, ErrThrottleTimeout))
	require.Less(t, time.Since(start), time.Second)
}

func TestReset(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := New(Config{PerMinute: 50, Burst: 3}, clk)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(context.Background()))
	}
	require.InDelta(t, 0, b.Tokens(), 1e-9)

	b.Reset()
	require.InDelta(t, 3, b.Tokens(), 1e-9)
}

// frozenClock never advances, so every caller reserves at the same instant.
type frozenClock struct {
	mu     sync.Mutex
	at     time.Time
	sleeps []time.Duration
}

func (c *frozenClock) Now() time.Time { return c.at }

func (c *frozenClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return nil
}

func TestConcurrentCallersQueue(t *testing.T) {
	clk := &frozenClock{at: epoch}
	b := New(Config{PerMinute: 60, Burst: 5}, clk)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Acquire(context.Background())
		}()
	}
	wg.Wait()

	clk.mu.Lock()
	defer clk.mu.Unlock()
	sort.Slice(clk.sleeps, func(i, j int) bool { return clk.sleeps[i] < clk.sleeps[j] })
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, clk.sleeps,
		"callers beyond the burst queue behind each other")
}

func TestDefaults(t *testing.T) {
	b := New(Config{}, nil)
	cfg := b.Config()
	require.Equal(t, float64(DefaultPerMinute), cfg.PerMinute)
	require.Equal(t, DefaultBurst, cfg.Burst)
	require.Equal(t, DefaultTimeout, cfg.Timeout)
}

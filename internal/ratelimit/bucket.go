// Package ratelimit provides the process-wide admission bucket that bounds
// outbound requests to the provider's admin API.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/theirongolddev/usagesync/internal/clock"

	"golang.org/x/time/rate"
)

// ErrThrottleTimeout is returned when a token would not become available
// within the acquire timeout.
var ErrThrottleTimeout = errors.New("ratelimit: timed out waiting for admission")

// Defaults used when a Config leaves a knob unset.
const (
	DefaultPerMinute = 50
	DefaultBurst     = 10
	DefaultTimeout   = 60 * time.Second
)

// Config controls bucket capacity and refill.
type Config struct {
	PerMinute float64
	Burst     int
	Timeout   time.Duration
}

// Bucket is a continuously refilling token bucket shared by every caller in
// the process. Acquisitions are granted in reservation order, so concurrent
// callers are served first come, first served.
type Bucket struct {
	cfg   Config
	clock clock.Clock

	mu  sync.RWMutex
	lim *rate.Limiter
}

// New returns a full bucket. A nil clock uses the wall clock.
func New(cfg Config, clk clock.Clock) *Bucket {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.Burst < 1 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	b := &Bucket{cfg: cfg, clock: clk}
	b.lim = b.newLimiter()
	return b
}

func (b *Bucket) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(b.cfg.PerMinute/60), b.cfg.Burst)
}

// Acquire blocks until one token is available and consumes it.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.RLock()
	lim := b.lim
	b.mu.RUnlock()

	now := b.clock.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("ratelimit: burst %d cannot admit a request", b.cfg.Burst)
	}

	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > b.cfg.Timeout {
		r.CancelAt(now)
		return fmt.Errorf("%w (need %s, budget %s)", ErrThrottleTimeout, delay.Round(time.Millisecond), b.cfg.Timeout)
	}
	if deadline, ok := ctx.Deadline(); ok && now.Add(delay).After(deadline) {
		r.CancelAt(now)
		return fmt.Errorf("%w (need %s, context deadline sooner)", ErrThrottleTimeout, delay.Round(time.Millisecond))
	}

	if err := b.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(b.clock.Now())
		return err
	}
	return nil
}

// Tokens reports the tokens currently available.
func (b *Bucket) Tokens() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lim.TokensAt(b.clock.Now())
}

// Config returns the effective configuration.
func (b *Bucket) Config() Config {
	return b.cfg
}

// Reset refills the bucket to capacity and drops outstanding reservations.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lim = b.newLimiter()
}

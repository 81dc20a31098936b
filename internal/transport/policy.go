// Package transport wraps single HTTP calls with bounded retry, jitter and
// Retry-After handling. The retry decision is a pure function of the attempt
// outcome so it can be tested without timers.
package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by Policy.withDefaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxJitter   = 250 * time.Millisecond
)

// Kind is what the send loop should do after an attempt.
type Kind int

// Action kinds.
const (
	// Return hands the response to the caller as-is.
	Return Kind = iota
	// Retry sleeps Action.Delay and sends again.
	Retry
	// Fail stops and surfaces the attempt's error.
	Fail
)

func (k Kind) String() string {
	switch k {
	case Return:
		return "return"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Outcome describes one finished attempt. Err is set when no response arrived.
type Outcome struct {
	StatusCode int
	Header     http.Header
	Err        error
}

// Action is the policy decision for an Outcome.
type Action struct {
	Kind  Kind
	Delay time.Duration
	// Advance reports whether the backoff slot was consumed. Retry-After
	// waits leave the slot untouched.
	Advance bool
}

// Policy holds the retry knobs.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxJitter         time.Duration
	RespectRetryAfter bool

	// Jitter returns a duration in [0, max]. Nil uses math/rand/v2.
	Jitter func(max time.Duration) time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.Jitter == nil {
		p.Jitter = randomJitter
	}
	return p
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

// Decide maps an attempt outcome to the next action. slot is the number of
// backoff slots consumed so far; now is used to evaluate HTTP-date Retry-After
// values.
func (p Policy) Decide(slot int, out Outcome, now time.Time) Action {
	p = p.withDefaults()

	if out.Err != nil {
		if errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded) {
			return Action{Kind: Fail}
		}
		return p.backoff(slot)
	}

	if !Retryable(out.StatusCode) {
		return Action{Kind: Return}
	}

	if p.RespectRetryAfter {
		if d, ok := ParseRetryAfter(out.Header.Get("Retry-After"), now); ok {
			return Action{Kind: Retry, Delay: d}
		}
	}
	return p.backoff(slot)
}

func (p Policy) backoff(slot int) Action {
	delay := p.BaseDelay*time.Duration(slot+1) + p.Jitter(p.MaxJitter)
	return Action{Kind: Retry, Delay: delay, Advance: true}
}

// Retryable reports whether a status is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// ParseRetryAfter reads a Retry-After value given either as delta-seconds or
// as an HTTP-date. Dates in the past yield a zero delay.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

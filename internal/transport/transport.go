package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/theirongolddev/usagesync/internal/clock"
)

// ErrRetriesExhausted matches every *ExhaustedError.
var ErrRetriesExhausted = errors.New("transport: retries exhausted")

// ExhaustedError reports the final attempt after the retry budget ran out.
type ExhaustedError struct {
	Attempts   int
	StatusCode int // zero when the last attempt failed at the network level
	Err        error
}

func (e *ExhaustedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: giving up after %d attempts: HTTP %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("transport: giving up after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes the last network error, if any.
func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is matches ErrRetriesExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// maxDrain bounds how much of a discarded body is read to allow connection reuse.
const maxDrain = 64 << 10

// Transport sends requests under a retry Policy.
type Transport struct {
	client *http.Client
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock sets the clock used for sleeps and Retry-After dates.
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New returns a Transport using client. A nil client uses http.DefaultClient.
func New(client *http.Client, policy Policy, opts ...Option) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	t := &Transport{
		client: client,
		policy: policy.withDefaults(),
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the effective policy.
func (t *Transport) Policy() Policy { return t.policy }

// Send performs req, retrying 429, 5xx and network failures. Any other
// status is returned for the caller to judge. The request must be
// replayable, i.e. have no body or a GetBody func.
func (t *Transport) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	slot := 0
	for attempt := 1; ; attempt++ {
		//nolint:gosec // URL comes from configured base URL or a validated continuation
		resp, err := t.client.Do(req.Clone(ctx))

		out := Outcome{Err: err}
		if resp != nil {
			out.StatusCode = resp.StatusCode
			out.Header = resp.Header
		}

		act := t.policy.Decide(slot, out, t.clock.Now())
		switch act.Kind {
		case Return:
			return resp, nil
		case Fail:
			discard(resp)
			return nil, fmt.Errorf("transport: %s %s: %w", req.Method, req.URL.Redacted(), err)
		}

		discard(resp)
		if attempt >= t.policy.MaxAttempts {
			return nil, &ExhaustedError{Attempts: attempt, StatusCode: out.StatusCode, Err: err}
		}

		t.logger.Debug("retrying admin api request",
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"status", out.StatusCode,
			"delay", act.Delay,
			"err", err,
		)
		if err := t.clock.Sleep(ctx, act.Delay); err != nil {
			return nil, fmt.Errorf("transport: waiting to retry: %w", err)
		}
		if act.Advance {
			slot++
		}
	}
}

func discard(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
}

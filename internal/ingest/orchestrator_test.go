package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/theirongolddev/usagesync/internal/adminapi"
	"github.com/theirongolddev/usagesync/internal/clock"
	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/model"
	"github.com/theirongolddev/usagesync/internal/normalize"
	"github.com/theirongolddev/usagesync/internal/ratelimit"
	"github.com/theirongolddev/usagesync/internal/store"

	"github.com/stretchr/testify/require"
)

var (
	testStart  = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	testWindow = model.Window{Start: testStart, End: testStart.Add(24 * time.Hour)}
)

// fetchFunc adapts a function to Fetcher.
type fetchFunc func(ctx context.Context, cred model.Credential, w model.Window) ([]adminapi.Record, error)

func (f fetchFunc) FetchUsage(ctx context.Context, cred model.Credential, w model.Window) ([]adminapi.Record, error) {
	return f(ctx, cred, w)
}

// memWriter is an in-memory EventWriter keyed like the real store.
type memWriter struct {
	rows  map[model.Key]model.UsageEvent
	calls int
	err   error
}

func (m *memWriter) Upsert(_ context.Context, ev model.UsageEvent) (store.Outcome, error) {
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	if m.rows == nil {
		m.rows = map[model.Key]model.UsageEvent{}
	}
	_, exists := m.rows[ev.Key()]
	m.rows[ev.Key()] = ev
	if exists {
		return store.Updated, nil
	}
	return store.Inserted, nil
}

func completion(modelName string, in, out float64) adminapi.Record {
	return &adminapi.CompletionRecord{
		Model:        modelName,
		InputTokens:  adminapi.Number{Value: in, Set: true},
		OutputTokens: adminapi.Number{Value: out, Set: true},
		Day:          testStart,
	}
}

func standard(ref string) config.CredentialConfig {
	return config.CredentialConfig{Subject: "acme", Ref: ref, Secret: "sk-" + ref}
}

func newTestOrchestrator(creds []config.CredentialConfig, f Fetcher, w EventWriter, opts Options) *Orchestrator {
	opts.Clock = clock.NewFake(testStart)
	n := normalize.New(normalize.NewEstimator(config.PricingOverrides{}, nil, nil))
	return NewOrchestrator(NewConfigSource(creds), f, n, w, opts)
}

func TestRunIsolatesFailingCredential(t *testing.T) {
	creds := []config.CredentialConfig{standard("k1"), standard("k2"), standard("k3")}
	f := fetchFunc(func(_ context.Context, cred model.Credential, _ model.Window) ([]adminapi.Record, error) {
		if cred.Ref == "k2" {
			return nil, &adminapi.StatusError{Status: 500, URL: "https://api.example.com/v1/usage"}
		}
		return []adminapi.Record{completion("gpt-4o", 100, 50)}, nil
	})
	w := &memWriter{}

	tel, err := newTestOrchestrator(creds, f, w, Options{}).Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Equal(t, 3, tel.ProcessedKeys)
	require.Equal(t, 1, tel.FailedKeys)
	require.Equal(t, 2, tel.StoredEvents)
	require.Len(t, tel.Issues, 1)
	require.Equal(t, "k2", tel.Issues[0].CredentialRef)
	require.Equal(t, model.CodeProvider, tel.Issues[0].Code)
	require.Equal(t, 500, tel.Issues[0].Status)
	require.NotEmpty(t, tel.RunID)
	require.Equal(t, "acme", tel.Subject)
}

func TestRunRejectsMisconfiguredCredentialWithoutFetching(t *testing.T) {
	creds := []config.CredentialConfig{
		{Subject: "acme", Ref: "admin-no-project", Secret: "sk", UsageMode: "admin", OrganizationID: "org"},
		{Subject: "acme", Ref: "no-secret"},
		{Subject: "acme", Ref: "bad-mode", Secret: "sk", UsageMode: "enterprise"},
	}
	fetched := 0
	f := fetchFunc(func(context.Context, model.Credential, model.Window) ([]adminapi.Record, error) {
		fetched++
		return nil, nil
	})

	tel, err := newTestOrchestrator(creds, f, &memWriter{}, Options{}).Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Zero(t, fetched)
	require.Equal(t, 3, tel.ProcessedKeys)
	require.Equal(t, 3, tel.FailedKeys)
	for _, is := range tel.Issues {
		require.Equal(t, model.CodeConfiguration, is.Code)
	}
}

func TestRunUnauthorized(t *testing.T) {
	creds := []config.CredentialConfig{standard("k1")}
	f := fetchFunc(func(context.Context, model.Credential, model.Window) ([]adminapi.Record, error) {
		return nil, &adminapi.StatusError{Status: 403}
	})

	t.Run("fails without simulation", func(t *testing.T) {
		w := &memWriter{}
		tel, err := newTestOrchestrator(creds, f, w, Options{}).Run(context.Background(), "acme", testWindow)
		require.NoError(t, err)
		require.Equal(t, 1, tel.FailedKeys)
		require.Zero(t, tel.SimulatedKeys)
		require.Equal(t, model.CodeAuthorization, tel.Issues[0].Code)
		require.Equal(t, 403, tel.Issues[0].Status)
		require.Zero(t, w.calls)
	})

	t.Run("simulates when enabled", func(t *testing.T) {
		w := &memWriter{}
		o := newTestOrchestrator(creds, f, w, Options{
			SimulateOnPermissionFailure: true,
			Rand:                        rand.New(rand.NewPCG(1, 2)),
		})
		tel, err := o.Run(context.Background(), "acme", testWindow)
		require.NoError(t, err)
		require.Zero(t, tel.FailedKeys)
		require.Equal(t, 1, tel.SimulatedKeys)
		require.Len(t, tel.Issues, 1)
		require.Equal(t, model.CodeAuthorization, tel.Issues[0].Code)

		require.GreaterOrEqual(t, tel.StoredEvents, 1)
		require.LessOrEqual(t, tel.StoredEvents, 3)
		for _, ev := range w.rows {
			require.Equal(t, testStart, ev.WindowStart)
			require.GreaterOrEqual(t, ev.TokensIn, int64(simMinIn))
			require.LessOrEqual(t, ev.TokensIn, int64(simMaxIn))
			require.GreaterOrEqual(t, ev.TokensOut, int64(simMinOut))
			require.LessOrEqual(t, ev.TokensOut, int64(simMaxOut))
		}
	})
}

func TestRunThrottleTimeout(t *testing.T) {
	f := fetchFunc(func(context.Context, model.Credential, model.Window) ([]adminapi.Record, error) {
		return nil, fmt.Errorf("waiting: %w", ratelimit.ErrThrottleTimeout)
	})

	tel, err := newTestOrchestrator([]config.CredentialConfig{standard("k1")}, f, &memWriter{}, Options{}).
		Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Equal(t, 1, tel.FailedKeys)
	require.Equal(t, model.CodeThrottleTimeout, tel.Issues[0].Code)
}

func TestRunPersistErrorAbandonsCredential(t *testing.T) {
	f := fetchFunc(func(context.Context, model.Credential, model.Window) ([]adminapi.Record, error) {
		return []adminapi.Record{completion("gpt-4o", 1, 1), completion("o3", 1, 1)}, nil
	})
	w := &memWriter{err: errors.New("store: upsert: disk I/O error")}

	tel, err := newTestOrchestrator([]config.CredentialConfig{standard("k1")}, f, w, Options{}).
		Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Equal(t, 1, w.calls, "remaining events are abandoned")
	require.Equal(t, 1, tel.FailedKeys)
	require.Equal(t, model.CodeUnexpected, tel.Issues[0].Code)
}

func TestRunRecoversPanic(t *testing.T) {
	creds := []config.CredentialConfig{standard("k1"), standard("k2")}
	f := fetchFunc(func(_ context.Context, cred model.Credential, _ model.Window) ([]adminapi.Record, error) {
		if cred.Ref == "k1" {
			panic("decoder exploded")
		}
		return []adminapi.Record{completion("gpt-4o", 1, 1)}, nil
	})

	tel, err := newTestOrchestrator(creds, f, &memWriter{}, Options{}).Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Equal(t, 2, tel.ProcessedKeys)
	require.Equal(t, 1, tel.FailedKeys)
	require.Equal(t, 1, tel.StoredEvents)
	require.Equal(t, model.CodeUnexpected, tel.Issues[0].Code)
	require.Contains(t, tel.Issues[0].Message, "decoder exploded")
}

func TestRunReportsPricingFallbackOncePerModel(t *testing.T) {
	f := fetchFunc(func(context.Context, model.Credential, model.Window) ([]adminapi.Record, error) {
		r1 := completion("acme-llm", 1000, 500)
		r2 := completion("acme-llm", 10, 5).(*adminapi.CompletionRecord)
		r2.StartTime = adminapi.Number{Value: float64(testStart.Add(time.Hour).Unix()), Set: true}
		return []adminapi.Record{r1, r2, completion("gpt-4o", 1, 1)}, nil
	})

	tel, err := newTestOrchestrator([]config.CredentialConfig{standard("k1")}, f, &memWriter{}, Options{}).
		Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Zero(t, tel.FailedKeys)
	require.Equal(t, 3, tel.StoredEvents)
	require.Len(t, tel.Issues, 1)
	require.Equal(t, model.CodePricingFallback, tel.Issues[0].Code)
	require.Contains(t, tel.Issues[0].Message, "acme-llm")
}

func TestRunUpdatesOnRepeat(t *testing.T) {
	f := fetchFunc(func(context.Context, model.Credential, model.Window) ([]adminapi.Record, error) {
		return []adminapi.Record{completion("gpt-4o", 100, 50)}, nil
	})
	w := &memWriter{}
	o := newTestOrchestrator([]config.CredentialConfig{standard("k1")}, f, w, Options{})

	_, err := o.Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	tel, err := o.Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Zero(t, tel.StoredEvents)
	require.Equal(t, 1, tel.UpdatedEvents)
	require.Len(t, w.rows, 1)
}

type brokenSource struct{}

func (brokenSource) Subjects(context.Context) ([]string, error) { return nil, errors.New("vault sealed") }

func (brokenSource) Credentials(context.Context, string) ([]model.Credential, error) {
	return nil, errors.New("vault sealed")
}

func TestRunFailsWhenCredentialsCannotLoad(t *testing.T) {
	n := normalize.New(normalize.NewEstimator(config.PricingOverrides{}, nil, nil))
	o := NewOrchestrator(brokenSource{}, fetchFunc(nil), n, &memWriter{}, Options{})

	_, err := o.Run(context.Background(), "acme", testWindow)
	require.ErrorContains(t, err, "vault sealed")
}

func TestRunAppliesCredentialTimeout(t *testing.T) {
	f := fetchFunc(func(ctx context.Context, _ model.Credential, _ model.Window) ([]adminapi.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator([]config.CredentialConfig{standard("k1")}, f, &memWriter{}, Options{
		CredentialTimeout: 10 * time.Millisecond,
	})

	tel, err := o.Run(context.Background(), "acme", testWindow)
	require.NoError(t, err)
	require.Equal(t, 1, tel.FailedKeys)
	require.Equal(t, model.CodeProvider, tel.Issues[0].Code)
}

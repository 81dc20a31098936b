// Package ingest drives usage ingestion: for each credential of a subject it
// fetches, normalizes and persists usage, isolating failures per credential.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"strings"
	"time"

	"github.com/theirongolddev/usagesync/internal/adminapi"
	"github.com/theirongolddev/usagesync/internal/clock"
	"github.com/theirongolddev/usagesync/internal/model"
	"github.com/theirongolddev/usagesync/internal/normalize"
	"github.com/theirongolddev/usagesync/internal/ratelimit"
	"github.com/theirongolddev/usagesync/internal/store"

	"github.com/google/uuid"
)

// ErrConfiguration marks a credential that cannot be used as configured.
var ErrConfiguration = errors.New("ingest: invalid credential configuration")

// DefaultCredentialTimeout bounds one credential's pipeline.
const DefaultCredentialTimeout = 5 * time.Minute

// Fetcher reads raw usage for a credential.
type Fetcher interface {
	FetchUsage(ctx context.Context, cred model.Credential, w model.Window) ([]adminapi.Record, error)
}

// EventWriter persists one event idempotently.
type EventWriter interface {
	Upsert(ctx context.Context, ev model.UsageEvent) (store.Outcome, error)
}

// Options tunes an Orchestrator.
type Options struct {
	SimulateOnPermissionFailure bool
	CredentialTimeout           time.Duration
	Logger                      *slog.Logger
	Clock                       clock.Clock
	// Rand drives simulated usage. Nil seeds a private generator.
	Rand *rand.Rand
}

// Orchestrator runs the per-credential pipeline for a subject.
type Orchestrator struct {
	source     CredentialSource
	fetcher    Fetcher
	normalizer *normalize.Normalizer
	writer     EventWriter

	simulate bool
	timeout  time.Duration
	logger   *slog.Logger
	clock    clock.Clock
	sim      *simulator
}

// NewOrchestrator wires the pipeline collaborators.
func NewOrchestrator(src CredentialSource, f Fetcher, n *normalize.Normalizer, w EventWriter, opts Options) *Orchestrator {
	if opts.CredentialTimeout <= 0 {
		opts.CredentialTimeout = DefaultCredentialTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Orchestrator{
		source:     src,
		fetcher:    f,
		normalizer: n,
		writer:     w,
		simulate:   opts.SimulateOnPermissionFailure,
		timeout:    opts.CredentialTimeout,
		logger:     opts.Logger,
		clock:      opts.Clock,
		sim:        newSimulator(opts.Rand),
	}
}

// Source returns the credential source.
func (o *Orchestrator) Source() CredentialSource { return o.source }

// Run ingests w for every credential of subject. It fails only when the
// credential list cannot be loaded; per-credential problems are reported as
// telemetry issues.
func (o *Orchestrator) Run(ctx context.Context, subject string, w model.Window) (model.Telemetry, error) {
	tel := model.Telemetry{
		Subject:   subject,
		RunID:     uuid.NewString(),
		StartedAt: o.clock.Now(),
	}
	logger := o.logger.With("subject", subject, "run_id", tel.RunID)

	creds, err := o.source.Credentials(ctx, subject)
	if err != nil {
		tel.FinishedAt = o.clock.Now()
		return tel, fmt.Errorf("ingest: loading credentials for %s: %w", subject, err)
	}

	for _, cred := range creds {
		if err := ctx.Err(); err != nil {
			logger.Warn("ingestion canceled", "remaining", len(creds)-tel.ProcessedKeys, "err", err)
			break
		}
		o.runCredential(ctx, cred, w, &tel, logger.With("credential", cred.Ref))
	}

	tel.FinishedAt = o.clock.Now()
	logger.Info("ingestion finished",
		"processed", tel.ProcessedKeys,
		"failed", tel.FailedKeys,
		"simulated", tel.SimulatedKeys,
		"stored", tel.StoredEvents,
		"updated", tel.UpdatedEvents,
		"skipped", tel.SkippedEvents,
		"issues", len(tel.Issues),
	)
	return tel.Snapshot(), nil
}

// stage is a step of the per-credential pipeline.
type stage string

const (
	stageConfigCheck stage = "config_check"
	stageFetch       stage = "fetch"
	stageNormalize   stage = "normalize"
	stagePersist     stage = "persist"
	stageDone        stage = "done"
)

// runCredential takes one credential through the pipeline, recording its
// outcome in tel. It never panics.
func (o *Orchestrator) runCredential(ctx context.Context, cred model.Credential, w model.Window, tel *model.Telemetry, logger *slog.Logger) {
	tel.ProcessedKeys++
	st := stageConfigCheck

	defer func() {
		if r := recover(); r != nil {
			logger.Error("credential pipeline panicked", "stage", st, "panic", r, "stack", string(debug.Stack()))
			o.fail(tel, cred, model.CodeUnexpected, fmt.Sprintf("panic during %s: %v", st, r), 0)
		}
	}()

	if err := checkCredential(cred); err != nil {
		o.fail(tel, cred, model.CodeConfiguration, err.Error(), 0)
		logger.Warn("credential rejected", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	st = stageFetch
	records, err := o.fetcher.FetchUsage(ctx, cred, w)
	if err != nil {
		switch {
		case errors.Is(err, adminapi.ErrUnauthorized) && o.simulate:
			tel.Issues = append(tel.Issues, issue(cred, model.CodeAuthorization, err.Error(), adminapi.HTTPStatus(err)))
			tel.SimulatedKeys++
			records = o.sim.records(w)
			logger.Warn("usage not readable, simulating", "err", err, "records", len(records))
		case errors.Is(err, adminapi.ErrUnauthorized):
			o.fail(tel, cred, model.CodeAuthorization, err.Error(), adminapi.HTTPStatus(err))
			logger.Warn("credential unauthorized", "err", err)
			return
		case errors.Is(err, ratelimit.ErrThrottleTimeout):
			o.fail(tel, cred, model.CodeThrottleTimeout, err.Error(), 0)
			logger.Warn("admission timed out", "err", err)
			return
		default:
			o.fail(tel, cred, model.CodeProvider, err.Error(), adminapi.HTTPStatus(err))
			logger.Warn("fetching usage failed", "err", err)
			return
		}
	}

	st = stageNormalize
	res := o.normalizer.Normalize(records, normalize.WindowContext{CredentialRef: cred.Ref, Day: w.Start})
	tel.SkippedEvents += res.Skipped
	for _, m := range res.FallbackModels {
		tel.Issues = append(tel.Issues, issue(cred, model.CodePricingFallback,
			fmt.Sprintf("no pricing for model %q, estimated with default tier", m), 0))
	}

	st = stagePersist
	for _, ev := range res.Events {
		out, err := o.writer.Upsert(ctx, ev)
		if err != nil {
			o.fail(tel, cred, model.CodeUnexpected, err.Error(), 0)
			logger.Error("persisting usage failed", "event", ev.Key().String(), "err", err)
			return
		}
		switch out {
		case store.Inserted:
			tel.StoredEvents++
		case store.Updated:
			tel.UpdatedEvents++
		}
	}

	st = stageDone
	logger.Debug("credential ingested", "stage", st, "records", len(records), "events", len(res.Events))
}

func (o *Orchestrator) fail(tel *model.Telemetry, cred model.Credential, code, msg string, status int) {
	tel.FailedKeys++
	tel.Issues = append(tel.Issues, issue(cred, code, msg, status))
}

func issue(cred model.Credential, code, msg string, status int) model.Issue {
	return model.Issue{CredentialRef: cred.Ref, Message: msg, Code: code, Status: status}
}

// checkCredential rejects credentials that must not reach the network.
func checkCredential(cred model.Credential) error {
	if strings.TrimSpace(cred.Ref) == "" {
		return fmt.Errorf("%w: empty credential ref", ErrConfiguration)
	}
	if strings.TrimSpace(cred.Secret) == "" {
		return fmt.Errorf("%w: %s has no secret", ErrConfiguration, cred.Ref)
	}
	switch cred.Usage.Mode {
	case model.ModeStandard, model.ModeAdmin:
	default:
		return fmt.Errorf("%w: %s has unknown usage mode %q", ErrConfiguration, cred.Ref, cred.Usage.Mode)
	}
	if err := cred.Usage.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, cred.Ref, err)
	}
	return nil
}

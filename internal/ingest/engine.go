package ingest

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/theirongolddev/usagesync/internal/adminapi"
	"github.com/theirongolddev/usagesync/internal/clock"
	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/normalize"
	"github.com/theirongolddev/usagesync/internal/ratelimit"
	"github.com/theirongolddev/usagesync/internal/store"
	"github.com/theirongolddev/usagesync/internal/transport"
	"github.com/theirongolddev/usagesync/internal/warnset"
)

// Engine is a fully wired ingestion stack built from configuration.
type Engine struct {
	Bucket       *ratelimit.Bucket
	Estimator    *normalize.Estimator
	Upserter     *store.Upserter
	Source       *ConfigSource
	Orchestrator *Orchestrator
	Batch        *Batch
}

// EngineOptions overrides pieces of the stack, mostly for tests.
type EngineOptions struct {
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// NewEngine builds the ingestion stack for cfg, writing through engine.
// The admission bucket and warn sets are shared by every subject the
// returned Engine processes.
func NewEngine(cfg config.Config, engine store.Engine, opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	bucket := ratelimit.New(ratelimit.Config{
		PerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:     cfg.RateLimit.Burst,
		Timeout:   cfg.RateLimit.AcquireTimeout.Duration,
	}, clk)

	tr := transport.New(opts.HTTPClient, transport.Policy{
		MaxAttempts:       cfg.Transport.MaxAttempts,
		BaseDelay:         cfg.Transport.BaseDelay.Duration,
		MaxJitter:         cfg.Transport.MaxJitter.Duration,
		RespectRetryAfter: cfg.Transport.RespectRetryAfter,
	}, transport.WithClock(clk), transport.WithLogger(logger))

	client, err := adminapi.NewClient(adminapi.Options{
		BaseURL:         cfg.AdminAPI.BaseURL,
		CompletionsPath: cfg.AdminAPI.CompletionsPath,
		StandardPath:    cfg.AdminAPI.StandardPath,
		RequestTimeout:  cfg.AdminAPI.RequestTimeout.Duration,
		PageLimit:       cfg.AdminAPI.PageLimit,
		MaxPages:        cfg.AdminAPI.MaxPages,
		Logger:          logger,
	}, tr, bucket)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	est := normalize.NewEstimator(cfg.Pricing, warnset.New(), logger)
	norm := normalize.New(est, normalize.WithLogger(logger))
	ups := store.NewUpserter(engine, warnset.New(), logger)
	src := NewConfigSource(cfg.Credentials)

	orch := NewOrchestrator(src, client, norm, ups, Options{
		SimulateOnPermissionFailure: cfg.Ingest.SimulateOnPermissionFailure,
		CredentialTimeout:           cfg.Ingest.CredentialTimeout.Duration,
		Logger:                      logger,
		Clock:                       clk,
	})
	batch := NewBatch(orch, BatchOptions{
		ChunkSize:   cfg.Ingest.ChunkSize,
		Concurrency: cfg.Ingest.Concurrency,
		ChunkPause:  cfg.Ingest.ChunkPause.Duration,
		Clock:       clk,
		Logger:      logger,
	})

	return &Engine{
		Bucket:       bucket,
		Estimator:    est,
		Upserter:     ups,
		Source:       src,
		Orchestrator: orch,
		Batch:        batch,
	}, nil
}

// Reload applies the parts of cfg that can change without a restart:
// pricing overrides and credentials.
func (e *Engine) Reload(cfg config.Config) {
	e.Estimator.SetOverrides(cfg.Pricing)
	e.Source.Set(cfg.Credentials)
}

// Reset restores the process-wide state to its initial condition.
func (e *Engine) Reset() {
	e.Bucket.Reset()
	e.Estimator.Reset()
	e.Upserter.Reset()
}

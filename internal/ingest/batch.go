package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/theirongolddev/usagesync/internal/clock"
	"github.com/theirongolddev/usagesync/internal/model"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// BatchOptions tunes a Batch.
type BatchOptions struct {
	ChunkSize   int
	Concurrency int
	ChunkPause  time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Batch runs many subjects through one Orchestrator, a chunk at a time.
// Subjects inside a chunk run concurrently and share the admission bucket;
// each subject's credentials still run one after another.
type Batch struct {
	orch *Orchestrator
	opts BatchOptions
}

// NewBatch returns a batch runner over orch.
func NewBatch(orch *Orchestrator, opts BatchOptions) *Batch {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 10
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Batch{orch: orch, opts: opts}
}

// Run ingests w for subjects, or for every subject of the credential source
// when subjects is empty. Telemetry is returned in subject order; subjects
// whose credentials could not be loaded are reported in the joined error.
func (b *Batch) Run(ctx context.Context, subjects []string, w model.Window) ([]model.Telemetry, error) {
	if len(subjects) == 0 {
		var err error
		subjects, err = b.orch.Source().Subjects(ctx)
		if err != nil {
			return nil, err
		}
	}

	results := make([]model.Telemetry, len(subjects))
	errs := make([]error, len(subjects))

	chunks := lo.Chunk(subjects, b.opts.ChunkSize)
	offset := 0
	for i, chunk := range chunks {
		if i > 0 && b.opts.ChunkPause > 0 {
			if err := b.opts.Clock.Sleep(ctx, b.opts.ChunkPause); err != nil {
				return results[:offset], err
			}
		}

		var g errgroup.Group
		g.SetLimit(b.opts.Concurrency)
		for j, subject := range chunk {
			idx := offset + j
			g.Go(func() error {
				results[idx], errs[idx] = b.orch.Run(ctx, subject, w)
				return nil
			})
		}
		_ = g.Wait()

		b.opts.Logger.Debug("ingestion chunk finished", "chunk", i+1, "of", len(chunks), "subjects", len(chunk))
		offset += len(chunk)
	}

	return results, errors.Join(errs...)
}

// Total folds per-subject telemetry into one summary.
func Total(runs []model.Telemetry) model.Telemetry {
	var t model.Telemetry
	for i, r := range runs {
		if i == 0 || r.StartedAt.Before(t.StartedAt) {
			t.StartedAt = r.StartedAt
		}
		if r.FinishedAt.After(t.FinishedAt) {
			t.FinishedAt = r.FinishedAt
		}
		t.Add(r)
	}
	t.Subject = "*"
	return t.Snapshot()
}

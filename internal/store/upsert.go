// Package store persists usage events idempotently, keyed by credential,
// model and window start.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/theirongolddev/usagesync/internal/model"
	"github.com/theirongolddev/usagesync/internal/warnset"
)

// Outcome is what an upsert did.
type Outcome int

// Upsert outcomes.
const (
	Inserted Outcome = iota + 1
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	}
	return "unknown"
}

// KeyConstraint is the unique index that backs the atomic upsert.
const KeyConstraint = "usage_events_key"

// Engine is the storage engine the Upserter drives.
type Engine interface {
	// UpsertAtomic inserts ev or replaces the row with the same key in one
	// statement, reporting whether a new row was created.
	UpsertAtomic(ctx context.Context, ev model.UsageEvent) (inserted bool, err error)
	// FindByKey returns the id of the row stored under key.
	FindByKey(ctx context.Context, key model.Key) (id string, found bool, err error)
	// Insert stores ev as a new row.
	Insert(ctx context.Context, ev model.UsageEvent) error
	// Update replaces every value of row id with ev's.
	Update(ctx context.Context, id string, ev model.UsageEvent) error
}

// Upserter writes events through an Engine, falling back to
// select-then-write when the engine lacks the key constraint.
type Upserter struct {
	engine Engine
	warned *warnset.Set
	logger *slog.Logger
}

// NewUpserter returns an Upserter. warned dedupes the fallback warning; nil
// gets a private set.
func NewUpserter(engine Engine, warned *warnset.Set, logger *slog.Logger) *Upserter {
	if warned == nil {
		warned = warnset.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Upserter{engine: engine, warned: warned, logger: logger}
}

// Upsert stores ev so that repeated calls for the same key leave one row.
func (u *Upserter) Upsert(ctx context.Context, ev model.UsageEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return 0, fmt.Errorf("store: upsert: %w", err)
	}
	if ev.ID == "" {
		ev.ID = model.NewEventID()
	}

	inserted, err := u.engine.UpsertAtomic(ctx, ev)
	if err == nil {
		if inserted {
			return Inserted, nil
		}
		return Updated, nil
	}
	if !IsConstraintMissing(err) {
		return 0, fmt.Errorf("store: upsert: %w", err)
	}

	if u.warned.First(KeyConstraint) {
		u.logger.Warn("unique constraint missing, using select-then-write upserts",
			"constraint", KeyConstraint,
			"err", err,
		)
	}
	return u.manual(ctx, ev)
}

func (u *Upserter) manual(ctx context.Context, ev model.UsageEvent) (Outcome, error) {
	id, found, err := u.engine.FindByKey(ctx, ev.Key())
	if err != nil {
		return 0, fmt.Errorf("store: upsert: find %s: %w", ev.Key(), err)
	}
	if found {
		if err := u.engine.Update(ctx, id, ev); err != nil {
			return 0, fmt.Errorf("store: upsert: update %s: %w", ev.Key(), err)
		}
		return Updated, nil
	}
	if err := u.engine.Insert(ctx, ev); err != nil {
		return 0, fmt.Errorf("store: upsert: insert %s: %w", ev.Key(), err)
	}
	return Inserted, nil
}

// Reset re-arms the one-time fallback warning.
func (u *Upserter) Reset() {
	u.warned.Reset()
}

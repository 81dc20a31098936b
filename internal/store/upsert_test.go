package store

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/theirongolddev/usagesync/internal/model"
	"github.com/theirongolddev/usagesync/internal/warnset"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

var windowStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func testEvent(tokensIn int64) model.UsageEvent {
	return model.UsageEvent{
		ID:            model.NewEventID(),
		Model:         "gpt-4o",
		TokensIn:      tokensIn,
		TokensOut:     50,
		CostEstimate:  0.001,
		Timestamp:     windowStart,
		WindowStart:   windowStart,
		WindowEnd:     windowStart.Add(24 * time.Hour),
		CredentialRef: "cred-1",
		PricingKey:    "gpt-4o",
	}
}

// fakeEngine records calls and fails UpsertAtomic with atomicErr.
type fakeEngine struct {
	atomicErr error
	rows      map[model.Key]string

	atomic, finds, inserts, updates int
}

func (f *fakeEngine) UpsertAtomic(context.Context, model.UsageEvent) (bool, error) {
	f.atomic++
	return false, f.atomicErr
}

func (f *fakeEngine) FindByKey(_ context.Context, key model.Key) (string, bool, error) {
	f.finds++
	id, ok := f.rows[key]
	return id, ok, nil
}

func (f *fakeEngine) Insert(_ context.Context, ev model.UsageEvent) error {
	f.inserts++
	if f.rows == nil {
		f.rows = map[model.Key]string{}
	}
	f.rows[ev.Key()] = ev.ID
	return nil
}

func (f *fakeEngine) Update(context.Context, string, model.UsageEvent) error {
	f.updates++
	return nil
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestUpsertFallbackInsertsWhenConstraintMissing(t *testing.T) {
	for name, missing := range map[string]error{
		"postgres 42P10": &pgconn.PgError{Code: "42P10", Message: "there is no unique or exclusion constraint matching the ON CONFLICT specification"},
		"postgres 42704": &pgconn.PgError{Code: "42704", Message: `constraint "usage_events_key" does not exist`},
		"state error":    &StateError{Code: StateInvalidColumnReference, Err: errors.New("no conflict target")},
	} {
		t.Run(name, func(t *testing.T) {
			eng := &fakeEngine{atomicErr: missing}
			logger, logs := captureLogger()
			u := NewUpserter(eng, warnset.New(), logger)

			out, err := u.Upsert(context.Background(), testEvent(100))
			require.NoError(t, err)
			require.Equal(t, Inserted, out)
			require.Equal(t, 1, eng.inserts)
			require.Zero(t, eng.updates)
			require.Equal(t, 1, strings.Count(logs.String(), "unique constraint missing"))
		})
	}
}

func TestUpsertFallbackUpdatesExistingRow(t *testing.T) {
	ev := testEvent(100)
	eng := &fakeEngine{
		atomicErr: &pgconn.PgError{Code: "42P10"},
		rows:      map[model.Key]string{ev.Key(): "uevt_existing"},
	}
	logger, logs := captureLogger()
	u := NewUpserter(eng, nil, logger)

	out, err := u.Upsert(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, Updated, out)
	require.Equal(t, 1, eng.updates)
	require.Zero(t, eng.inserts)

	_, err = u.Upsert(context.Background(), testEvent(200))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(logs.String(), "unique constraint missing"), "warning must be logged once")

	u.Reset()
	_, err = u.Upsert(context.Background(), testEvent(300))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(logs.String(), "unique constraint missing"))
}

func TestUpsertPropagatesOtherErrors(t *testing.T) {
	boom := &pgconn.PgError{Code: "23502", Message: "null value in column violates not-null constraint"}
	eng := &fakeEngine{atomicErr: boom}
	u := NewUpserter(eng, nil, nil)

	_, err := u.Upsert(context.Background(), testEvent(100))
	require.ErrorIs(t, err, boom)
	require.Zero(t, eng.finds)
	require.Zero(t, eng.inserts)
}

func TestUpsertRejectsInvalidEvent(t *testing.T) {
	eng := &fakeEngine{}
	ev := testEvent(100)
	ev.WindowEnd = ev.WindowStart.Add(-time.Hour)

	_, err := NewUpserter(eng, nil, nil).Upsert(context.Background(), ev)
	require.Error(t, err)
	require.Zero(t, eng.atomic)
}

func TestIsConstraintMissing(t *testing.T) {
	require.True(t, IsConstraintMissing(&pgconn.PgError{Code: "42P10"}))
	require.True(t, IsConstraintMissing(classifySQLite(errors.New("SQL logic error: "+sqliteNoConflictTarget+" (1)"))))
	require.False(t, IsConstraintMissing(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsConstraintMissing(errors.New("disk full")))
	require.False(t, IsConstraintMissing(nil))
}

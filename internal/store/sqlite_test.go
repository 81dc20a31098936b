package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	u := NewUpserter(db, nil, nil)

	first := testEvent(100)
	out, err := u.Upsert(ctx, first)
	require.NoError(t, err)
	require.Equal(t, Inserted, out)

	again := testEvent(150)
	out, err = u.Upsert(ctx, again)
	require.NoError(t, err)
	require.Equal(t, Updated, out)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events, err := db.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, first.ID, events[0].ID, "row keeps its original id")
	require.Equal(t, int64(150), events[0].TokensIn, "values are replaced")
	require.Equal(t, first.WindowStart, events[0].WindowStart)
}

func TestSQLiteFallbackWithoutKeyIndex(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.db.ExecContext(ctx, "DROP INDEX "+KeyConstraint)
	require.NoError(t, err)

	logger, logs := captureLogger()
	u := NewUpserter(db, nil, logger)

	out, err := u.Upsert(ctx, testEvent(100))
	require.NoError(t, err)
	require.Equal(t, Inserted, out)

	out, err = u.Upsert(ctx, testEvent(175))
	require.NoError(t, err)
	require.Equal(t, Updated, out)

	n, err := db.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events, err := db.Recent(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, int64(175), events[0].TokensIn)
	require.Contains(t, logs.String(), KeyConstraint)
}

func TestSQLiteRoundTripsOptionalFields(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	batch := true
	requests := int64(12)
	reasoning := int64(40)
	ev := testEvent(100)
	ev.IsBatch = &batch
	ev.NumModelRequests = &requests
	ev.TokenSubcounts.OutputReasoning = &reasoning
	ev.ProviderProjectID = "proj_1"
	ev.PricingIsFallback = true

	_, err := NewUpserter(db, nil, nil).Upsert(ctx, ev)
	require.NoError(t, err)

	events, err := db.Recent(ctx, 1)
	require.NoError(t, err)
	got := events[0]
	require.True(t, *got.IsBatch)
	require.Equal(t, int64(12), *got.NumModelRequests)
	require.Equal(t, int64(40), *got.TokenSubcounts.OutputReasoning)
	require.Nil(t, got.TokenSubcounts.InputCached)
	require.Equal(t, "proj_1", got.ProviderProjectID)
	require.True(t, got.PricingIsFallback)
	require.Empty(t, got.ProviderKeyID)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	require.Error(t, err)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/theirongolddev/usagesync/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

// SQLite is the embedded storage engine.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at dbPath and applies the schema.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection serializes writes and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the schema. It is idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertAtomic implements Engine.
func (s *SQLite) UpsertAtomic(ctx context.Context, ev model.UsageEvent) (bool, error) {
	args, err := s.args(ev)
	if err != nil {
		return false, err
	}

	var id string
	err = s.db.QueryRowContext(ctx, `INSERT INTO usage_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (credential_ref, model, window_start) DO UPDATE SET `+updateAssignments+`
		RETURNING id`, args...).Scan(&id)
	if err != nil {
		return false, classifySQLite(err)
	}
	return id == ev.ID, nil
}

// FindByKey implements Engine.
func (s *SQLite) FindByKey(ctx context.Context, key model.Key) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM usage_events
		WHERE credential_ref = ? AND model = ? AND window_start = ?
		ORDER BY updated_at DESC LIMIT 1`,
		key.CredentialRef, key.Model, timeText(key.WindowStart),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Insert implements Engine.
func (s *SQLite) Insert(ctx context.Context, ev model.UsageEvent) error {
	args, err := s.args(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO usage_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

// Update implements Engine.
func (s *SQLite) Update(ctx context.Context, id string, ev model.UsageEvent) error {
	args, err := s.args(ev)
	if err != nil {
		return err
	}
	// args[4:] are the value columns, in assignment order.
	_, err = s.db.ExecContext(ctx, `UPDATE usage_events SET
		window_end = ?, event_time = ?, tokens_in = ?, tokens_out = ?, cost_estimate = ?,
		provider_project_id = ?, provider_key_id = ?, provider_user_id = ?, service_tier = ?,
		is_batch = ?, num_model_requests = ?, token_subcounts = ?, pricing_key = ?,
		pricing_is_fallback = ?, updated_at = ?
		WHERE id = ?`, append(args[4:], id)...)
	return err
}

// Count returns the number of stored events.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM usage_events").Scan(&n)
	return n, err
}

// Recent returns up to limit events, newest window first.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]model.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM usage_events
		ORDER BY window_start DESC, credential_ref, model LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []model.UsageEvent
	for rows.Next() {
		var (
			ev                     model.UsageEvent
			start, end, eventTime  string
			project, key, user     sql.NullString
			tier, pricingKey, subs sql.NullString
			batch                  sql.NullBool
			requests               sql.NullInt64
			fallback               bool
		)
		if err := rows.Scan(&ev.ID, &ev.CredentialRef, &ev.Model, &start, &end, &eventTime,
			&ev.TokensIn, &ev.TokensOut, &ev.CostEstimate, &project, &key, &user, &tier,
			&batch, &requests, &subs, &pricingKey, &fallback); err != nil {
			return nil, err
		}
		ev.WindowStart = parseTimeText(start)
		ev.WindowEnd = parseTimeText(end)
		ev.Timestamp = parseTimeText(eventTime)
		ev.ProviderProjectID = project.String
		ev.ProviderKeyID = key.String
		ev.ProviderUserID = user.String
		ev.ServiceTier = tier.String
		ev.PricingKey = pricingKey.String
		ev.PricingIsFallback = fallback
		if batch.Valid {
			ev.IsBatch = &batch.Bool
		}
		if requests.Valid {
			ev.NumModelRequests = &requests.Int64
		}
		if subs.Valid && subs.String != "" {
			if err := json.Unmarshal([]byte(subs.String), &ev.TokenSubcounts); err != nil {
				return nil, fmt.Errorf("decoding token subcounts of %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) args(ev model.UsageEvent) ([]any, error) {
	subs, err := subcountsJSON(ev.TokenSubcounts)
	if err != nil {
		return nil, err
	}
	var subsText any
	if subs != nil {
		subsText = string(subs)
	}

	var batch any
	if ev.IsBatch != nil {
		batch = boolInt(*ev.IsBatch)
	}
	var requests any
	if ev.NumModelRequests != nil {
		requests = *ev.NumModelRequests
	}

	return []any{
		ev.ID, ev.CredentialRef, ev.Model, timeText(ev.WindowStart),
		timeText(ev.WindowEnd), timeText(ev.Timestamp), ev.TokensIn, ev.TokensOut,
		ev.CostEstimate, nullText(ev.ProviderProjectID), nullText(ev.ProviderKeyID),
		nullText(ev.ProviderUserID), nullText(ev.ServiceTier), batch, requests, subsText,
		nullText(ev.PricingKey), boolInt(ev.PricingIsFallback), timeText(s.now()),
	}, nil
}

// selectColumns lists the columns read back for an event, in scan order.
const selectColumns = `id, credential_ref, model, window_start, window_end, event_time,
	tokens_in, tokens_out, cost_estimate, provider_project_id, provider_key_id,
	provider_user_id, service_tier, is_batch, num_model_requests, token_subcounts,
	pricing_key, pricing_is_fallback`

func timeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeText(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func subcountsJSON(s model.TokenSubcounts) ([]byte, error) {
	if s.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding token subcounts: %w", err)
	}
	return b, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/usagesync/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the server storage engine. Its schema is applied by Migrate
// and may lag behind the running code; Upserter copes with a missing key
// constraint.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

// Migrate applies the schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// UpsertAtomic implements Engine.
func (p *Postgres) UpsertAtomic(ctx context.Context, ev model.UsageEvent) (bool, error) {
	args, err := p.args(ev)
	if err != nil {
		return false, err
	}

	var id string
	err = p.pool.QueryRow(ctx, `INSERT INTO usage_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (credential_ref, model, window_start) DO UPDATE SET `+updateAssignments+`
		RETURNING id`, args...).Scan(&id)
	if err != nil {
		return false, err
	}
	return id == ev.ID, nil
}

// FindByKey implements Engine.
func (p *Postgres) FindByKey(ctx context.Context, key model.Key) (string, bool, error) {
	var id string
	err := p.pool.QueryRow(ctx, `SELECT id FROM usage_events
		WHERE credential_ref = $1 AND model = $2 AND window_start = $3
		ORDER BY updated_at DESC LIMIT 1`,
		key.CredentialRef, key.Model, key.WindowStart.UTC(),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Insert implements Engine.
func (p *Postgres) Insert(ctx context.Context, ev model.UsageEvent) error {
	args, err := p.args(ev)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO usage_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`, args...)
	return err
}

// Update implements Engine.
func (p *Postgres) Update(ctx context.Context, id string, ev model.UsageEvent) error {
	args, err := p.args(ev)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `UPDATE usage_events SET
		window_end = $1, event_time = $2, tokens_in = $3, tokens_out = $4, cost_estimate = $5,
		provider_project_id = $6, provider_key_id = $7, provider_user_id = $8, service_tier = $9,
		is_batch = $10, num_model_requests = $11, token_subcounts = $12, pricing_key = $13,
		pricing_is_fallback = $14, updated_at = $15
		WHERE id = $16`, append(args[4:], id)...)
	return err
}

// Count returns the number of stored events.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM usage_events").Scan(&n)
	return n, err
}

// Recent returns up to limit events, newest window first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]model.UsageEvent, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM usage_events
		ORDER BY window_start DESC, credential_ref, model LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.UsageEvent
	for rows.Next() {
		var (
			ev                       model.UsageEvent
			project, key, user, tier *string
			pricingKey               *string
			subs                     []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CredentialRef, &ev.Model, &ev.WindowStart, &ev.WindowEnd,
			&ev.Timestamp, &ev.TokensIn, &ev.TokensOut, &ev.CostEstimate, &project, &key, &user,
			&tier, &ev.IsBatch, &ev.NumModelRequests, &subs, &pricingKey, &ev.PricingIsFallback); err != nil {
			return nil, err
		}
		ev.ProviderProjectID = deref(project)
		ev.ProviderKeyID = deref(key)
		ev.ProviderUserID = deref(user)
		ev.ServiceTier = deref(tier)
		ev.PricingKey = deref(pricingKey)
		if len(subs) > 0 {
			if err := json.Unmarshal(subs, &ev.TokenSubcounts); err != nil {
				return nil, fmt.Errorf("decoding token subcounts of %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Postgres) args(ev model.UsageEvent) ([]any, error) {
	subs, err := subcountsJSON(ev.TokenSubcounts)
	if err != nil {
		return nil, err
	}
	return []any{
		ev.ID, ev.CredentialRef, ev.Model, ev.WindowStart.UTC(),
		ev.WindowEnd.UTC(), ev.Timestamp.UTC(), ev.TokensIn, ev.TokensOut,
		ev.CostEstimate, nullText(ev.ProviderProjectID), nullText(ev.ProviderKeyID),
		nullText(ev.ProviderUserID), nullText(ev.ServiceTier), ev.IsBatch, ev.NumModelRequests, subs,
		nullText(ev.PricingKey), ev.PricingIsFallback, p.now().UTC(),
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

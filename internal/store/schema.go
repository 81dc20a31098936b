package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
    id                   TEXT PRIMARY KEY,
    credential_ref       TEXT NOT NULL,
    model                TEXT NOT NULL,
    window_start         TEXT NOT NULL,
    window_end           TEXT NOT NULL,
    event_time           TEXT NOT NULL,
    tokens_in            INTEGER NOT NULL,
    tokens_out           INTEGER NOT NULL,
    cost_estimate        REAL NOT NULL,
    provider_project_id  TEXT,
    provider_key_id      TEXT,
    provider_user_id     TEXT,
    service_tier         TEXT,
    is_batch             INTEGER,
    num_model_requests   INTEGER,
    token_subcounts      TEXT,
    pricing_key          TEXT,
    pricing_is_fallback  INTEGER NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS usage_events_key ON usage_events(credential_ref, model, window_start);
CREATE INDEX IF NOT EXISTS idx_usage_events_window ON usage_events(window_start);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
    id                   TEXT PRIMARY KEY,
    credential_ref       TEXT NOT NULL,
    model                TEXT NOT NULL,
    window_start         TIMESTAMPTZ NOT NULL,
    window_end           TIMESTAMPTZ NOT NULL,
    event_time           TIMESTAMPTZ NOT NULL,
    tokens_in            BIGINT NOT NULL,
    tokens_out           BIGINT NOT NULL,
    cost_estimate        DOUBLE PRECISION NOT NULL,
    provider_project_id  TEXT,
    provider_key_id      TEXT,
    provider_user_id     TEXT,
    service_tier         TEXT,
    is_batch             BOOLEAN,
    num_model_requests   BIGINT,
    token_subcounts      JSONB,
    pricing_key          TEXT,
    pricing_is_fallback  BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS usage_events_key ON usage_events(credential_ref, model, window_start);
CREATE INDEX IF NOT EXISTS idx_usage_events_window ON usage_events(window_start);
`

// eventColumns lists the columns written for an event, in bind order.
const eventColumns = `id, credential_ref, model, window_start, window_end, event_time,
	tokens_in, tokens_out, cost_estimate, provider_project_id, provider_key_id,
	provider_user_id, service_tier, is_batch, num_model_requests, token_subcounts,
	pricing_key, pricing_is_fallback, updated_at`

// updateAssignments replaces every value column from the conflicting insert.
const updateAssignments = `window_end = excluded.window_end,
	event_time = excluded.event_time,
	tokens_in = excluded.tokens_in,
	tokens_out = excluded.tokens_out,
	cost_estimate = excluded.cost_estimate,
	provider_project_id = excluded.provider_project_id,
	provider_key_id = excluded.provider_key_id,
	provider_user_id = excluded.provider_user_id,
	service_tier = excluded.service_tier,
	is_batch = excluded.is_batch,
	num_model_requests = excluded.num_model_requests,
	token_subcounts = excluded.token_subcounts,
	pricing_key = excluded.pricing_key,
	pricing_is_fallback = excluded.pricing_is_fallback,
	updated_at = excluded.updated_at`

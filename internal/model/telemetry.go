package model

import "time"

// Issue codes recorded during ingestion.
const (
	CodeConfiguration   = "CONFIGURATION_ERROR"
	CodeAuthorization   = "AUTHORIZATION_ERROR"
	CodeProvider        = "PROVIDER_ERROR"
	CodeThrottleTimeout = "THROTTLE_TIMEOUT"
	CodePricingFallback = "PRICING_FALLBACK"
	CodeUnexpected      = "UNEXPECTED_ERROR"
)

// Issue is one anomaly detected while ingesting a credential.
type Issue struct {
	CredentialRef string `json:"credential_ref"`
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	Status        int    `json:"status,omitempty"`
}

// Telemetry summarizes one ingestion run for one subject.
type Telemetry struct {
	Subject       string    `json:"subject"`
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	ProcessedKeys int       `json:"processed_keys"`
	SimulatedKeys int       `json:"simulated_keys"`
	FailedKeys    int       `json:"failed_keys"`
	StoredEvents  int       `json:"stored_events"`
	UpdatedEvents int       `json:"updated_events"`
	SkippedEvents int       `json:"skipped_events"`
	Issues        []Issue   `json:"issues"`
}

// Add folds other's counters and issues into t.
func (t *Telemetry) Add(other Telemetry) {
	t.ProcessedKeys += other.ProcessedKeys
	t.SimulatedKeys += other.SimulatedKeys
	t.FailedKeys += other.FailedKeys
	t.StoredEvents += other.StoredEvents
	t.UpdatedEvents += other.UpdatedEvents
	t.SkippedEvents += other.SkippedEvents
	t.Issues = append(t.Issues, other.Issues...)
}

// Snapshot returns a copy that shares no mutable state with t.
func (t *Telemetry) Snapshot() Telemetry {
	out := *t
	out.Issues = make([]Issue, len(t.Issues))
	copy(out.Issues, t.Issues)
	return out
}

// Degraded reports whether anything went wrong during the run.
func (t Telemetry) Degraded() bool {
	return t.FailedKeys > 0 || t.SimulatedKeys > 0 || len(t.Issues) > 0
}

// Package model defines the canonical types shared across the ingestion engine.
package model

import (
	"fmt"
	"time"
)

// DefaultWindow is the span assumed when a provider only reports a start.
const DefaultWindow = 24 * time.Hour

// TokenSubcounts holds the optional per-modality token breakdown reported by
// the provider. Nil means the provider did not report the field.
type TokenSubcounts struct {
	InputCached      *int64 `json:"input_cached,omitempty"`
	InputUncached    *int64 `json:"input_uncached,omitempty"`
	InputText        *int64 `json:"input_text,omitempty"`
	InputCachedText  *int64 `json:"input_cached_text,omitempty"`
	InputAudio       *int64 `json:"input_audio,omitempty"`
	InputCachedAudio *int64 `json:"input_cached_audio,omitempty"`
	InputImage       *int64 `json:"input_image,omitempty"`
	InputCachedImage *int64 `json:"input_cached_image,omitempty"`
	OutputText       *int64 `json:"output_text,omitempty"`
	OutputAudio      *int64 `json:"output_audio,omitempty"`
	OutputImage      *int64 `json:"output_image,omitempty"`
	OutputReasoning  *int64 `json:"output_reasoning,omitempty"`
}

// IsZero reports whether no subcount was reported.
func (s TokenSubcounts) IsZero() bool {
	return s == TokenSubcounts{}
}

// UsageEvent is one billing-grade usage fact for a credential, model and window.
type UsageEvent struct {
	ID                string
	Model             string
	TokensIn          int64
	TokensOut         int64
	CostEstimate      float64
	Timestamp         time.Time
	WindowStart       time.Time
	WindowEnd         time.Time
	CredentialRef     string
	ProviderProjectID string
	ProviderKeyID     string
	ProviderUserID    string
	ServiceTier       string
	IsBatch           *bool
	NumModelRequests  *int64
	TokenSubcounts    TokenSubcounts
	PricingKey        string
	PricingIsFallback bool
}

// Key identifies an event for storage purposes.
type Key struct {
	CredentialRef string
	Model         string
	WindowStart   time.Time
}

// Key returns the storage key of e.
func (e UsageEvent) Key() Key {
	return Key{CredentialRef: e.CredentialRef, Model: e.Model, WindowStart: e.WindowStart.UTC()}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s", k.CredentialRef, k.Model, k.WindowStart.UTC().Format(time.RFC3339))
}

// Validate checks the event invariants.
func (e UsageEvent) Validate() error {
	if e.CredentialRef == "" {
		return fmt.Errorf("usage event: empty credential ref")
	}
	if e.Model == "" {
		return fmt.Errorf("usage event: empty model")
	}
	if e.WindowEnd.Before(e.WindowStart) {
		return fmt.Errorf("usage event %s: window end %s before start %s",
			e.Key(), e.WindowEnd.Format(time.RFC3339), e.WindowStart.Format(time.RFC3339))
	}
	if e.TokensIn < 0 || e.TokensOut < 0 {
		return fmt.Errorf("usage event %s: negative token count", e.Key())
	}
	return nil
}

// TotalTokens returns input plus output tokens.
func (e UsageEvent) TotalTokens() int64 {
	return e.TokensIn + e.TokensOut
}

// Window is a half-open [Start, End) interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// DayStart returns UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// LastDays returns the window covering the n whole UTC days ending with the
// day containing now.
func LastDays(now time.Time, n int) Window {
	if n < 1 {
		n = 1
	}
	end := DayStart(now).Add(DefaultWindow)
	return Window{Start: end.AddDate(0, 0, -n), End: end}
}

// Days returns the UTC midnight of every day the window touches.
func (w Window) Days() []time.Time {
	var days []time.Time
	for d := DayStart(w.Start); d.Before(w.End); d = d.Add(DefaultWindow) {
		days = append(days, d)
	}
	return days
}

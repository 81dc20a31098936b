package adminapi

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the raw record shapes the provider returns.
type Kind int

// Record kinds.
const (
	KindCompletion Kind = iota + 1
	KindCost
)

func (k Kind) String() string {
	switch k {
	case KindCompletion:
		return "completion"
	case KindCost:
		return "cost"
	}
	return "unknown"
}

// Record is one raw usage record: a *CompletionRecord or a *CostRecord.
type Record interface {
	Kind() Kind
}

// CompletionRecord is a completions-style usage result. Records from
// bucketed responses carry their bucket's fields, overridden by any value
// the result itself sets. Legacy flat records use the same struct.
type CompletionRecord struct {
	StartTime            Number `json:"start_time"`
	StartTimeISO         string `json:"start_time_iso"`
	EndTime              Number `json:"end_time"`
	EndTimeISO           string `json:"end_time_iso"`
	AggregationTimestamp Number `json:"aggregation_timestamp"`

	ProjectID   string `json:"project_id"`
	APIKeyID    string `json:"api_key_id"`
	UserID      string `json:"user_id"`
	ServiceTier string `json:"service_tier"`
	Batch       Flag   `json:"batch"`

	Model      string `json:"model"`
	SnapshotID string `json:"snapshot_id"`
	Operation  string `json:"operation"`

	InputTokens      Number      `json:"input_tokens"`
	OutputTokens     Number      `json:"output_tokens"`
	NumModelRequests Number      `json:"num_model_requests"`
	NumRequests      Number      `json:"n_requests"`
	Usage            NestedUsage `json:"usage"`
	Cost             Number      `json:"cost"`
	Amount           Amount      `json:"amount"`

	// Legacy /v1/usage totals.
	ContextTokensTotal   Number `json:"n_context_tokens_total"`
	GeneratedTokensTotal Number `json:"n_generated_tokens_total"`

	InputCachedTokens      Number `json:"input_cached_tokens"`
	InputUncachedTokens    Number `json:"input_uncached_tokens"`
	InputTextTokens        Number `json:"input_text_tokens"`
	InputCachedTextTokens  Number `json:"input_cached_text_tokens"`
	InputAudioTokens       Number `json:"input_audio_tokens"`
	InputCachedAudioTokens Number `json:"input_cached_audio_tokens"`
	InputImageTokens       Number `json:"input_image_tokens"`
	InputCachedImageTokens Number `json:"input_cached_image_tokens"`
	OutputTextTokens       Number `json:"output_text_tokens"`
	OutputAudioTokens      Number `json:"output_audio_tokens"`
	OutputImageTokens      Number `json:"output_image_tokens"`
	OutputReasoningTokens  Number `json:"output_reasoning_tokens"`

	// Day is the UTC day the record was requested for. It is not part of
	// the payload.
	Day time.Time `json:"-"`
}

// Kind implements Record.
func (*CompletionRecord) Kind() Kind { return KindCompletion }

// NestedUsage is the usage sub-object some payloads carry instead of
// top-level token counts.
type NestedUsage struct {
	InputTokens      Number `json:"input_tokens"`
	OutputTokens     Number `json:"output_tokens"`
	PromptTokens     Number `json:"prompt_tokens"`
	CompletionTokens Number `json:"completion_tokens"`
}

// Amount is a monetary value as reported by cost endpoints.
type Amount struct {
	Value    Number `json:"value"`
	Currency string `json:"currency"`
}

// CostRecord is one line item of a daily_costs entry.
type CostRecord struct {
	Timestamp Number
	Name      string
	Cost      Number
	ProjectID string
	Day       time.Time
}

// Kind implements Record.
func (*CostRecord) Kind() Kind { return KindCost }

// Number is a leniently parsed JSON numeric field. It accepts numbers,
// numeric strings and null; anything else decodes as unset.
type Number struct {
	Value float64
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(raw []byte) error {
	*n = Number{}
	if isNull(raw) {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		*n = Number{Value: f, Set: true}
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*n = Number{Value: v, Set: true}
		}
	}
	return nil
}

// Valid reports whether the value is set and finite.
func (n Number) Valid() bool {
	return n.Set && !math.IsNaN(n.Value) && !math.IsInf(n.Value, 0)
}

// Count returns the value as a non-negative integer, or 0 when it is unset,
// non-finite or negative.
func (n Number) Count() int64 {
	if !n.Valid() || n.Value < 0 {
		return 0
	}
	if n.Value >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n.Value)
}

// Ptr returns the count as a pointer, or nil when unset.
func (n Number) Ptr() *int64 {
	if !n.Valid() {
		return nil
	}
	v := n.Count()
	return &v
}

// Seconds interprets the value as Unix epoch seconds.
func (n Number) Seconds() (time.Time, bool) {
	if !n.Valid() || n.Value <= 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(n.Value)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// Flag is a leniently parsed JSON boolean.
type Flag struct {
	Value bool
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(raw []byte) error {
	*f = Flag{}
	if isNull(raw) {
		return nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		*f = Flag{Value: b, Set: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			*f = Flag{Value: v, Set: true}
		}
	}
	return nil
}

// Ptr returns the flag as a pointer, or nil when unset.
func (f Flag) Ptr() *bool {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

func isNull(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

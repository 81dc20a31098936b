package config

import (
	"errors"
	"strings"
)

// ModelPricing holds per-1K-token prices in USD for a model.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultPricing maps normalized model names to their pricing.
// Names are in normalized form: dots and other punctuation become hyphens.
var DefaultPricing = map[string]ModelPricing{
	// GPT-5 family
	"gpt-5":      {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gpt-5-mini": {InputPer1K: 0.00025, OutputPer1K: 0.002},
	"gpt-5-nano": {InputPer1K: 0.00005, OutputPer1K: 0.0004},
	// GPT-4.1 family
	"gpt-4-1":      {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4-1-mini": {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-4-1-nano": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	// GPT-4o family
	"gpt-4o":       {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":  {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4o-audio": {InputPer1K: 0.0025, OutputPer1K: 0.01},
	// o-series reasoning models
	"o3":      {InputPer1K: 0.01, OutputPer1K: 0.04},
	"o3-mini": {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"o4-mini": {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"o1":      {InputPer1K: 0.015, OutputPer1K: 0.06},
	"o1-mini": {InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"o1-pro":  {InputPer1K: 0.15, OutputPer1K: 0.6},
	// Legacy
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3-5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	// Embeddings
	"text-embedding-3-small": {InputPer1K: 0.00002},
	"text-embedding-3-large": {InputPer1K: 0.00013},
	"text-embedding-ada-002": {InputPer1K: 0.0001},
}

// FamilyRule prices any model whose normalized name starts with Prefix.
type FamilyRule struct {
	Prefix string
	Key    string
}

// FamilyRules are tried in order; more specific prefixes come first.
var FamilyRules = []FamilyRule{
	{Prefix: "gpt-5-nano", Key: "gpt-5-nano"},
	{Prefix: "gpt-5-mini", Key: "gpt-5-mini"},
	{Prefix: "gpt-5", Key: "gpt-5"},
	{Prefix: "gpt-4-1106", Key: "gpt-4-turbo"},
	{Prefix: "gpt-4-0125", Key: "gpt-4-turbo"},
	{Prefix: "gpt-4-1-nano", Key: "gpt-4-1-nano"},
	{Prefix: "gpt-4-1-mini", Key: "gpt-4-1-mini"},
	{Prefix: "gpt-4-1", Key: "gpt-4-1"},
	{Prefix: "gpt-4o-mini", Key: "gpt-4o-mini"},
	{Prefix: "gpt-4o-audio", Key: "gpt-4o-audio"},
	{Prefix: "gpt-4o-realtime", Key: "gpt-4o"},
	{Prefix: "gpt-4o", Key: "gpt-4o"},
	{Prefix: "chatgpt-4o", Key: "gpt-4o"},
	{Prefix: "gpt-4-turbo", Key: "gpt-4-turbo"},
	{Prefix: "gpt-4-", Key: "gpt-4"},
	{Prefix: "gpt-3-5-turbo", Key: "gpt-3-5-turbo"},
	{Prefix: "o4-mini", Key: "o4-mini"},
	{Prefix: "o3-mini", Key: "o3-mini"},
	{Prefix: "o3", Key: "o3"},
	{Prefix: "o1-mini", Key: "o1-mini"},
	{Prefix: "o1-pro", Key: "o1-pro"},
	{Prefix: "o1", Key: "o1"},
	{Prefix: "text-embedding-3-small", Key: "text-embedding-3-small"},
	{Prefix: "text-embedding-3-large", Key: "text-embedding-3-large"},
}

// DefaultTierKey names the tier used when nothing else matches.
const DefaultTierKey = "default"

// DefaultTier prices models that match neither the table nor a family rule.
var DefaultTier = ModelPricing{InputPer1K: 0.002, OutputPer1K: 0.008}

// NormalizeModelName strips date suffixes from model identifiers when the
// stripped name is priced.
// e.g., "gpt-4o-2024-08-06" -> "gpt-4o", "gpt-4-0613" -> "gpt-4"
func NormalizeModelName(raw string) string {
	if _, ok := DefaultPricing[raw]; ok {
		return raw
	}

	parts := strings.Split(raw, "-")
	// -YYYY-MM-DD
	if len(parts) > 3 && isDigits(parts[len(parts)-3], 4) && isDigits(parts[len(parts)-2], 2) && isDigits(parts[len(parts)-1], 2) {
		candidate := strings.Join(parts[:len(parts)-3], "-")
		if _, ok := DefaultPricing[candidate]; ok {
			return candidate
		}
	}
	// -YYYYMMDD or -MMDD
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isDigits(last, 8) || isDigits(last, 4) {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := DefaultPricing[candidate]; ok {
				return candidate
			}
		}
	}

	return raw
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// LookupPricing returns the built-in pricing for an exact (date-stripped) name.
func LookupPricing(model string) (ModelPricing, string, bool) {
	key := NormalizeModelName(model)
	p, ok := DefaultPricing[key]
	return p, key, ok
}

// LookupFamily returns the pricing of the first family rule matching model.
func LookupFamily(model string) (ModelPricing, string, bool) {
	for _, r := range FamilyRules {
		if !strings.HasPrefix(model, r.Prefix) {
			continue
		}
		if p, ok := DefaultPricing[r.Key]; ok {
			return p, r.Key, true
		}
	}
	return ModelPricing{}, "", false
}

// CalculateCost computes the USD cost of a token count at p.
func CalculateCost(p ModelPricing, tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K
}

// PricingOverrides allows operator-defined pricing for specific models.
// Keys are normalized model names; a trailing "*" makes the key a prefix
// pattern and the key "default" replaces the default tier.
type PricingOverrides struct {
	Overrides map[string]ModelPricingOverride `toml:"overrides,omitempty"`
}

// ModelPricingOverride holds per-model pricing overrides. Unset fields keep
// the price the model would otherwise resolve to.
type ModelPricingOverride struct {
	InputPer1K  *float64 `toml:"input_per_1k,omitempty"`
	OutputPer1K *float64 `toml:"output_per_1k,omitempty"`
}

// Apply returns base with the override's set fields replaced.
func (o ModelPricingOverride) Apply(base ModelPricing) ModelPricing {
	if o.InputPer1K != nil {
		base.InputPer1K = *o.InputPer1K
	}
	if o.OutputPer1K != nil {
		base.OutputPer1K = *o.OutputPer1K
	}
	return base
}

func (o ModelPricingOverride) validate() error {
	if o.InputPer1K == nil && o.OutputPer1K == nil {
		return errors.New("sets no price")
	}
	if (o.InputPer1K != nil && *o.InputPer1K < 0) || (o.OutputPer1K != nil && *o.OutputPer1K < 0) {
		return errors.New("prices must not be negative")
	}
	return nil
}

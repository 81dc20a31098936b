package config

import (
	"math"
	"testing"
)

func TestNormalizeModelName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gpt-4o", "gpt-4o"},
		{"gpt-4o-2024-08-06", "gpt-4o"},
		{"gpt-4-0613", "gpt-4"},
		{"gpt-4o-mini-2024-07-18", "gpt-4o-mini"},
		{"o3-mini-20250131", "o3-mini"},
		{"mystery-model-2024-01-01", "mystery-model-2024-01-01"},
		{"gpt-4o-realtime-preview", "gpt-4o-realtime-preview"},
	}
	for _, tt := range tests {
		if got := NormalizeModelName(tt.in); got != tt.want {
			t.Fatalf("NormalizeModelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookupPricing_ExactAndDated(t *testing.T) {
	p, key, ok := LookupPricing("gpt-4-1-mini-2025-04-14")
	if !ok {
		t.Fatal("LookupPricing returned !ok for dated gpt-4.1-mini")
	}
	if key != "gpt-4-1-mini" {
		t.Fatalf("key = %q, want gpt-4-1-mini", key)
	}
	if p.InputPer1K != 0.0004 {
		t.Fatalf("InputPer1K = %v, want 0.0004", p.InputPer1K)
	}
}

func TestLookupFamily_OrderMatters(t *testing.T) {
	tests := []struct {
		model, wantKey string
	}{
		{"gpt-4o-mini-search-preview", "gpt-4o-mini"},
		{"gpt-4o-realtime-preview", "gpt-4o"},
		{"gpt-4-1-nano-experimental", "gpt-4-1-nano"},
		{"gpt-4-32k", "gpt-4"},
		{"o3-deep-research", "o3"},
	}
	for _, tt := range tests {
		_, key, ok := LookupFamily(tt.model)
		if !ok || key != tt.wantKey {
			t.Fatalf("LookupFamily(%q) = %q, %v; want %q", tt.model, key, ok, tt.wantKey)
		}
	}

	if _, _, ok := LookupFamily("claude-sonnet-4"); ok {
		t.Fatal("LookupFamily matched a model outside every family")
	}
}

func TestFamilyRulesPointAtPricedModels(t *testing.T) {
	for _, r := range FamilyRules {
		if _, ok := DefaultPricing[r.Key]; !ok {
			t.Fatalf("family rule %q targets unpriced key %q", r.Prefix, r.Key)
		}
	}
}

func TestCalculateCost(t *testing.T) {
	got := CalculateCost(ModelPricing{InputPer1K: 0.002, OutputPer1K: 0.008}, 1500, 500)
	if math.Abs(got-0.007) > 1e-12 {
		t.Fatalf("CalculateCost = %v, want 0.007", got)
	}
}

func TestOverrideApply(t *testing.T) {
	in := 0.5
	got := ModelPricingOverride{InputPer1K: &in}.Apply(ModelPricing{InputPer1K: 1, OutputPer1K: 2})
	if got.InputPer1K != 0.5 || got.OutputPer1K != 2 {
		t.Fatalf("Apply = %+v, want {0.5 2}", got)
	}
}

package normalize

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/theirongolddev/usagesync/internal/config"
	"github.com/theirongolddev/usagesync/internal/warnset"

	"github.com/samber/lo"
)

// Source records which step of the resolution produced a price.
type Source string

// Resolution sources, in the order they are tried.
const (
	SourceOverride       Source = "override"
	SourceTable          Source = "table"
	SourceOverridePrefix Source = "override-prefix"
	SourceFamily         Source = "family"
	SourceDefault        Source = "default"
)

// Resolution is the price chosen for a model.
type Resolution struct {
	Pricing  config.ModelPricing
	Key      string
	Source   Source
	Fallback bool
}

// Estimator resolves per-1K-token prices for normalized model names.
// Operator overrides win over the built-in table at every step.
type Estimator struct {
	warned *warnset.Set
	logger *slog.Logger

	mu        sync.RWMutex
	overrides map[string]config.ModelPricingOverride
	prefixes  []string // override keys ending in "*", longest first
}

// NewEstimator returns an estimator using overrides. warned dedupes
// fallback warnings; nil gets a private set.
func NewEstimator(overrides config.PricingOverrides, warned *warnset.Set, logger *slog.Logger) *Estimator {
	if warned == nil {
		warned = warnset.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Estimator{warned: warned, logger: logger}
	e.SetOverrides(overrides)
	return e
}

// SetOverrides replaces the operator overrides.
func (e *Estimator) SetOverrides(o config.PricingOverrides) {
	overrides := make(map[string]config.ModelPricingOverride, len(o.Overrides))
	for k, v := range o.Overrides {
		overrides[strings.ToLower(strings.TrimSpace(k))] = v
	}

	prefixes := lo.Filter(lo.Keys(overrides), func(k string, _ int) bool {
		return len(k) > 1 && strings.HasSuffix(k, "*")
	})
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i]) != len(prefixes[j]) {
			return len(prefixes[i]) > len(prefixes[j])
		}
		return prefixes[i] < prefixes[j]
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides = overrides
	e.prefixes = prefixes
}

// Resolve picks the price for model, which must already be normalized.
func (e *Estimator) Resolve(model string) Resolution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if o, ok := e.overrides[model]; ok {
		return Resolution{Pricing: o.Apply(builtin(model)), Key: model, Source: SourceOverride}
	}
	if p, key, ok := config.LookupPricing(model); ok {
		return Resolution{Pricing: p, Key: key, Source: SourceTable}
	}
	for _, k := range e.prefixes {
		if strings.HasPrefix(model, strings.TrimSuffix(k, "*")) {
			return Resolution{Pricing: e.overrides[k].Apply(builtin(model)), Key: k, Source: SourceOverridePrefix}
		}
	}
	if p, key, ok := config.LookupFamily(model); ok {
		return Resolution{Pricing: p, Key: key, Source: SourceFamily}
	}

	p := config.DefaultTier
	if o, ok := e.overrides[config.DefaultTierKey]; ok {
		p = o.Apply(p)
	}
	return Resolution{Pricing: p, Key: config.DefaultTierKey, Source: SourceDefault, Fallback: true}
}

// Estimate returns the cost of the given token counts and the resolution
// used. The first fallback for each model logs a warning.
func (e *Estimator) Estimate(model string, tokensIn, tokensOut int64) (float64, Resolution) {
	r := e.Resolve(model)
	if r.Fallback && e.warned.First(model) {
		e.logger.Warn("no pricing for model, using default tier",
			"model", model,
			"input_per_1k", r.Pricing.InputPer1K,
			"output_per_1k", r.Pricing.OutputPer1K,
		)
	}
	return config.CalculateCost(r.Pricing, tokensIn, tokensOut), r
}

// Reset forgets which models have already been warned about.
func (e *Estimator) Reset() {
	e.warned.Reset()
}

// builtin is the price model gets without any override.
func builtin(model string) config.ModelPricing {
	if p, _, ok := config.LookupPricing(model); ok {
		return p
	}
	if p, _, ok := config.LookupFamily(model); ok {
		return p
	}
	return config.DefaultTier
}

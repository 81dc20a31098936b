// Package normalize turns raw admin API records into canonical usage events
// and estimates their cost.
package normalize

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/theirongolddev/usagesync/internal/adminapi"
	"github.com/theirongolddev/usagesync/internal/model"

	"github.com/samber/lo"
)

// UnknownModel names records that carry no model information at all.
const UnknownModel = "unknown"

// WindowContext carries what the records themselves may not: the owning
// credential and the day to fall back to when a record has no window.
type WindowContext struct {
	CredentialRef string
	Day           time.Time
}

// Result is the outcome of one Normalize call.
type Result struct {
	Events []model.UsageEvent
	// Skipped counts records that produced no event.
	Skipped int
	// FallbackModels lists, sorted and unique, the models priced by the
	// default tier.
	FallbackModels []string
}

// Normalizer converts records to events.
type Normalizer struct {
	estimator *Estimator
	newID     func() string
	logger    *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithIDGenerator replaces the event ID source.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) { n.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// New returns a Normalizer pricing events through est.
func New(est *Estimator, opts ...Option) *Normalizer {
	n := &Normalizer{
		estimator: est,
		newID:     model.NewEventID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Estimator returns the estimator used for pricing.
func (n *Normalizer) Estimator() *Estimator { return n.estimator }

// Normalize converts each record into exactly one event.
func (n *Normalizer) Normalize(records []adminapi.Record, wc WindowContext) Result {
	var res Result
	var fallback []string

	for _, rec := range records {
		var ev model.UsageEvent
		switch r := rec.(type) {
		case *adminapi.CompletionRecord:
			ev = n.fromCompletion(r, wc)
		case *adminapi.CostRecord:
			ev = n.fromCost(r, wc)
		default:
			n.logger.Debug("skipping unsupported record", "kind", rec.Kind())
			res.Skipped++
			continue
		}

		if ev.WindowEnd.Before(ev.WindowStart) {
			n.logger.Warn("skipping usage record with inverted window",
				"credential", wc.CredentialRef,
				"model", ev.Model,
				"window_start", ev.WindowStart,
				"window_end", ev.WindowEnd,
			)
			res.Skipped++
			continue
		}
		if ev.PricingIsFallback {
			fallback = append(fallback, ev.Model)
		}
		res.Events = append(res.Events, ev)
	}

	res.FallbackModels = lo.Uniq(fallback)
	sort.Strings(res.FallbackModels)
	return res
}

func (n *Normalizer) fromCompletion(r *adminapi.CompletionRecord, wc WindowContext) model.UsageEvent {
	name := ModelName(r.Model, r.SnapshotID, operationModel(r.Operation))
	in := firstCount(r.InputTokens, r.Usage.InputTokens, r.Usage.PromptTokens, r.ContextTokensTotal)
	out := firstCount(r.OutputTokens, r.Usage.OutputTokens, r.Usage.CompletionTokens, r.GeneratedTokensTotal)

	day := wc.Day
	if !r.Day.IsZero() {
		day = r.Day
	}
	start, end := deriveWindow(r, day)

	ev := model.UsageEvent{
		ID:                n.newID(),
		Model:             name,
		TokensIn:          in,
		TokensOut:         out,
		Timestamp:         start,
		WindowStart:       start,
		WindowEnd:         end,
		CredentialRef:     wc.CredentialRef,
		ProviderProjectID: r.ProjectID,
		ProviderKeyID:     r.APIKeyID,
		ProviderUserID:    r.UserID,
		ServiceTier:       r.ServiceTier,
		IsBatch:           r.Batch.Ptr(),
		NumModelRequests:  firstPtr(r.NumModelRequests, r.NumRequests),
		TokenSubcounts:    subcounts(r),
	}

	providerCost := r.Cost
	if !providerCost.Valid() {
		providerCost = r.Amount.Value
	}
	n.price(&ev, providerCost)
	return ev
}

func (n *Normalizer) fromCost(r *adminapi.CostRecord, wc WindowContext) model.UsageEvent {
	day := wc.Day
	if !r.Day.IsZero() {
		day = r.Day
	}
	start := model.DayStart(day)
	if t, ok := r.Timestamp.Seconds(); ok {
		start = t
	}

	ev := model.UsageEvent{
		ID:                n.newID(),
		Model:             ModelName(r.Name),
		Timestamp:         start,
		WindowStart:       start,
		WindowEnd:         start.Add(model.DefaultWindow),
		CredentialRef:     wc.CredentialRef,
		ProviderProjectID: r.ProjectID,
	}
	n.price(&ev, r.Cost)
	return ev
}

// price sets the cost fields. A positive provider cost is kept as is; the
// pricing key and fallback flag always reflect the resolved tier.
func (n *Normalizer) price(ev *model.UsageEvent, providerCost adminapi.Number) {
	cost, res := n.estimator.Estimate(ev.Model, ev.TokensIn, ev.TokensOut)
	ev.PricingKey = res.Key
	ev.PricingIsFallback = res.Fallback
	ev.CostEstimate = cost
	if providerCost.Valid() && providerCost.Value > 0 {
		ev.CostEstimate = providerCost.Value
	}
}

// ModelName normalizes the first candidate that yields a non-empty name.
func ModelName(candidates ...string) string {
	for _, c := range candidates {
		if name := NormalizeName(c); name != "" {
			return name
		}
	}
	return UnknownModel
}

// operationModel extracts the model from an operation such as
// "completion:gpt-4o".
func operationModel(op string) string {
	if _, after, ok := strings.Cut(op, ":"); ok {
		return after
	}
	return op
}

// NormalizeName lower-cases s and collapses every run of characters outside
// [a-z0-9] into one hyphen, trimming hyphens at the edges.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// deriveWindow prefers explicit provider bounds. A lone start gets the
// default window length; no start at all falls back to the context day.
func deriveWindow(r *adminapi.CompletionRecord, day time.Time) (time.Time, time.Time) {
	start, ok := r.StartTime.Seconds()
	if !ok {
		start, ok = parseISO(r.StartTimeISO)
	}
	if !ok {
		start, ok = r.AggregationTimestamp.Seconds()
	}
	if !ok {
		start = model.DayStart(day)
		return start, start.Add(model.DefaultWindow)
	}

	end, ok := r.EndTime.Seconds()
	if !ok {
		end, ok = parseISO(r.EndTimeISO)
	}
	if !ok {
		end = start.Add(model.DefaultWindow)
	}
	return start, end
}

func parseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func firstCount(nums ...adminapi.Number) int64 {
	for _, n := range nums {
		if n.Valid() {
			return n.Count()
		}
	}
	return 0
}

func firstPtr(nums ...adminapi.Number) *int64 {
	for _, n := range nums {
		if p := n.Ptr(); p != nil {
			return p
		}
	}
	return nil
}

func subcounts(r *adminapi.CompletionRecord) model.TokenSubcounts {
	return model.TokenSubcounts{
		InputCached:      r.InputCachedTokens.Ptr(),
		InputUncached:    r.InputUncachedTokens.Ptr(),
		InputText:        r.InputTextTokens.Ptr(),
		InputCachedText:  r.InputCachedTextTokens.Ptr(),
		InputAudio:       r.InputAudioTokens.Ptr(),
		InputCachedAudio: r.InputCachedAudioTokens.Ptr(),
		InputImage:       r.InputImageTokens.Ptr(),
		InputCachedImage: r.InputCachedImageTokens.Ptr(),
		OutputText:       r.OutputTextTokens.Ptr(),
		OutputAudio:      r.OutputAudioTokens.Ptr(),
		OutputImage:      r.OutputImageTokens.Ptr(),
		OutputReasoning:  r.OutputReasoningTokens.Ptr(),
	}
}

package ingest

import (
	"math/rand/v2"
	"sync"

	"github.com/theirongolddev/usagesync/internal/adminapi"
	"github.com/theirongolddev/usagesync/internal/model"
)

// simulatedModels are the models synthetic usage is drawn from.
var simulatedModels = []string{"gpt-4o", "gpt-4o-mini", "o3-mini", "gpt-4-1-mini"}

// Token bounds of one synthetic record.
const (
	simMinIn, simMaxIn   = 100, 5000
	simMinOut, simMaxOut = 50, 2000
)

// simulator produces bounded random usage for credentials whose real usage
// cannot be read.
type simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(rng *rand.Rand) *simulator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &simulator{rng: rng}
}

// records returns one record per chosen model per day of w. One to three
// distinct models are chosen per call.
func (s *simulator) records(w model.Window) []adminapi.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 1 + s.rng.IntN(3)
	models := make([]string, len(simulatedModels))
	copy(models, simulatedModels)
	s.rng.Shuffle(len(models), func(i, j int) { models[i], models[j] = models[j], models[i] })
	models = models[:n]

	var out []adminapi.Record
	for _, day := range w.Days() {
		for _, m := range models {
			out = append(out, &adminapi.CompletionRecord{
				Model:            m,
				InputTokens:      count(simMinIn + s.rng.IntN(simMaxIn-simMinIn+1)),
				OutputTokens:     count(simMinOut + s.rng.IntN(simMaxOut-simMinOut+1)),
				NumModelRequests: count(1 + s.rng.IntN(50)),
				Day:              day,
			})
		}
	}
	return out
}

func count(v int) adminapi.Number {
	return adminapi.Number{Value: float64(v), Set: true}
}

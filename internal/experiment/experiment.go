// Package experiment assigns requests to A/B variants by weighted
// random selection.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/pkg/types"
)

// Assigner resolves experiment assignments per use-case.
type Assigner struct {
	store  store.Store
	logger *slog.Logger

	rngMu sync.Mutex // math/rand.Rand is not thread-safe
	rng   *rand.Rand

	countsMu sync.Mutex
	counts   map[string]map[string]int64
}

// NewAssigner creates an assigner with its own RNG source.
func NewAssigner(st store.Store, seed int64, logger *slog.Logger) *Assigner {
	return &Assigner{
		store:  st,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		counts: make(map[string]map[string]int64),
	}
}

// Counts returns this process's assignment tally per variant for one
// experiment.
func (a *Assigner) Counts(experimentID string) map[string]int64 {
	a.countsMu.Lock()
	defer a.countsMu.Unlock()
	out := make(map[string]int64, len(a.counts[experimentID]))
	for id, n := range a.counts[experimentID] {
		out[id] = n
	}
	return out
}

// Assign returns the variant assignment for a request, or nil when no
// active experiment covers the use-case or the traffic gate excludes
// this request. Selection is independent of the learner; the id is
// carried for assignment logging and leaves room for sticky
// assignment later.
func (a *Assigner) Assign(ctx context.Context, useCase, learnerID string) (*types.Assignment, error) {
	exp, err := a.store.GetActiveExperiment(ctx, useCase)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load experiment: %w", err)
	}
	if len(exp.Variants) == 0 {
		return nil, nil
	}

	a.rngMu.Lock()
	gate := a.rng.Float64() * 100
	roll := a.rng.Float64()
	a.rngMu.Unlock()

	if gate >= exp.TrafficPercent {
		return nil, nil
	}

	v := pickVariant(exp.Variants, roll)
	metrics.ExperimentAssignments.WithLabelValues(exp.ID, v.ID).Inc()
	a.countsMu.Lock()
	if a.counts[exp.ID] == nil {
		a.counts[exp.ID] = make(map[string]int64)
	}
	a.counts[exp.ID][v.ID]++
	a.countsMu.Unlock()
	a.logger.Debug("experiment assigned",
		"experiment", exp.ID, "variant", v.ID, "use_case", useCase, "learner", learnerID)

	return &types.Assignment{
		ExperimentID: exp.ID,
		VariantID:    v.ID,
		VariantName:  v.Name,
		ProviderID:   v.ProviderID,
		ModelID:      v.ModelID,
	}, nil
}

// pickVariant selects a variant by weight. roll is uniform in [0,1);
// floating-point underflow past the last variant lands on the first.
func pickVariant(variants []types.Variant, roll float64) *types.Variant {
	var total float64
	for _, v := range variants {
		total += v.TrafficWeight
	}
	if total <= 0 {
		return &variants[0]
	}

	target := roll * total
	var acc float64
	for i := range variants {
		acc += variants[i].TrafficWeight
		if target < acc {
			return &variants[i]
		}
	}
	return &variants[0]
}

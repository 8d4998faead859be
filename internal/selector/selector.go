// Package selector picks the (provider, model, client) triple for one
// attempt, honoring preferences, chain order, exclusions, and live
// rate-limit state.
package selector

import (
	"context"
	"log/slog"

	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/ratelimit"
	"github.com/learnloop/aidispatch/internal/registry"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

// Request describes one selection round.
type Request struct {
	UseCase           string
	Tier              types.QualityTier
	PreferredProvider string
	PreferredModel    string

	// Candidates is the admitted provider list in priority order.
	Candidates []types.Provider

	// ChainOrder, when set, is the explicit order of a configured
	// fallback chain and takes precedence over Candidates order.
	ChainOrder []types.ChainEntry

	// Excluded holds provider IDs already tried this request.
	Excluded map[string]struct{}
}

// Selection is one resolved attempt target.
type Selection struct {
	Provider types.Provider
	Model    types.Model
	Client   registry.Client
}

// Selector resolves attempt targets against the registry and limiter.
type Selector struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// New creates a selector.
func New(reg *registry.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) *Selector {
	return &Selector{registry: reg, limiter: limiter, logger: logger}
}

// Select returns the next untried (provider, model, client) triple.
// A preferred provider wins outright when it is admitted, active, and
// not excluded or rate-limited. With a chain, entries are taken in chain
// order; otherwise candidates are walked in priority order and matched
// on use-case and tier. Rate-limited providers are never returned.
func (s *Selector) Select(ctx context.Context, req *Request) (*Selection, error) {
	admitted := make(map[string]*types.Provider, len(req.Candidates))
	for i := range req.Candidates {
		admitted[req.Candidates[i].ID] = &req.Candidates[i]
	}

	if req.PreferredProvider != "" {
		if sel := s.tryProvider(ctx, admitted[req.PreferredProvider], req.PreferredModel, req.Excluded); sel != nil {
			return sel, nil
		}
	}

	if len(req.ChainOrder) > 0 {
		for _, entry := range req.ChainOrder {
			if sel := s.tryProvider(ctx, admitted[entry.ProviderID], entry.ModelOverride, req.Excluded); sel != nil {
				return sel, nil
			}
		}
		return nil, dispatcherrors.NewNoProviderError(req.UseCase)
	}

	for i := range req.Candidates {
		p := &req.Candidates[i]
		if s.skip(p, req.Excluded) {
			continue
		}
		m := s.matchModel(ctx, p.ID, req.UseCase, req.Tier)
		if m == nil {
			continue
		}
		client, err := s.registry.ClientFor(ctx, p.ID)
		if err != nil {
			s.logger.Warn("provider client unavailable", "provider", p.ID, "error", err)
			continue
		}
		return &Selection{Provider: *p, Model: *m, Client: client}, nil
	}
	return nil, dispatcherrors.NewNoProviderError(req.UseCase)
}

// tryProvider resolves a specific provider with an optional model
// preference. Returns nil when the provider cannot serve this attempt.
func (s *Selector) tryProvider(ctx context.Context, p *types.Provider, preferredModel string, excluded map[string]struct{}) *Selection {
	if p == nil || s.skip(p, excluded) {
		return nil
	}
	m, err := s.registry.ResolveModel(ctx, p.ID, preferredModel)
	if err != nil {
		return nil
	}
	client, err := s.registry.ClientFor(ctx, p.ID)
	if err != nil {
		s.logger.Warn("provider client unavailable", "provider", p.ID, "error", err)
		return nil
	}
	return &Selection{Provider: *p, Model: *m, Client: client}
}

func (s *Selector) skip(p *types.Provider, excluded map[string]struct{}) bool {
	if !p.Active {
		return true
	}
	if _, ok := excluded[p.ID]; ok {
		return true
	}
	if s.limiter.IsLimited(p) {
		metrics.RateLimitSkips.WithLabelValues(p.ID).Inc()
		return true
	}
	return false
}

// matchModel returns the provider's first active model serving the
// use-case, optionally narrowed by tier. Nil when none match.
func (s *Selector) matchModel(ctx context.Context, providerID, useCase string, tier types.QualityTier) *types.Model {
	models, err := s.registry.ModelsForProvider(ctx, providerID)
	if err != nil {
		return nil
	}
	for i := range models {
		m := &models[i]
		if !m.Active || !m.ServesUseCase(useCase) {
			continue
		}
		if tier != "" && m.Tier != tier {
			continue
		}
		return m
	}
	return nil
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnloop/aidispatch/pkg/types"
)

// MemoryStore is an in-memory Store used for tests and local runs.
// All maps are guarded by a single RWMutex; usage and health logs are
// append-only slices.
type MemoryStore struct {
	mu           sync.RWMutex
	providers    map[string]types.Provider
	models       map[string]types.Model
	chains       map[string]types.FallbackChain
	budgets      map[string]types.Budget
	tenantLimits map[string]types.TenantLimits
	experiments  map[string]types.Experiment
	usage        []types.UsageLogEntry
	healthLogs   []types.HealthLogEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:    make(map[string]types.Provider),
		models:       make(map[string]types.Model),
		chains:       make(map[string]types.FallbackChain),
		budgets:      make(map[string]types.Budget),
		tenantLimits: make(map[string]types.TenantLimits),
		experiments:  make(map[string]types.Experiment),
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// --- Providers ---

func (s *MemoryStore) ListProviders(context.Context) ([]types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetProvider(_ context.Context, id string) (*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) CreateProvider(_ context.Context, p *types.Provider) error {
	ensureID(&p.ID)
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = *p
	return nil
}

func (s *MemoryStore) UpdateProvider(_ context.Context, p *types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now()
	s.providers[p.ID] = *p
	return nil
}

func (s *MemoryStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return ErrNotFound
	}
	delete(s.providers, id)
	for mid, m := range s.models {
		if m.ProviderID == id {
			delete(s.models, mid)
		}
	}
	return nil
}

// --- Models ---

func (s *MemoryStore) ListModels(context.Context) ([]types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListModelsByProvider(_ context.Context, providerID string) ([]types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Model
	for _, m := range s.models {
		if m.ProviderID == providerID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetModel(_ context.Context, id string) (*types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) CreateModel(_ context.Context, m *types.Model) error {
	ensureID(&m.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = *m
	return nil
}

func (s *MemoryStore) UpdateModel(_ context.Context, m *types.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return ErrNotFound
	}
	s.models[m.ID] = *m
	return nil
}

func (s *MemoryStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return ErrNotFound
	}
	delete(s.models, id)
	return nil
}

// --- Fallback chains ---

func (s *MemoryStore) ListChains(context.Context) ([]types.FallbackChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.FallbackChain, 0, len(s.chains))
	for _, c := range s.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetChain(_ context.Context, id string) (*types.FallbackChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) GetChainForUseCase(_ context.Context, useCase string) (*types.FallbackChain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback *types.FallbackChain
	for _, c := range s.chains {
		c := c
		if c.UseCase == useCase {
			return &c, nil
		}
		if c.IsDefault {
			fallback = &c
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateChain(_ context.Context, c *types.FallbackChain) error {
	ensureID(&c.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[c.ID] = *c
	return nil
}

func (s *MemoryStore) UpdateChain(_ context.Context, c *types.FallbackChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[c.ID]; !ok {
		return ErrNotFound
	}
	s.chains[c.ID] = *c
	return nil
}

func (s *MemoryStore) DeleteChain(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[id]; !ok {
		return ErrNotFound
	}
	delete(s.chains, id)
	return nil
}

// --- Budgets ---

func (s *MemoryStore) ListBudgets(context.Context) ([]types.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Budget, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetActiveBudget(_ context.Context, scope BudgetScope) (*types.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Learner budgets take precedence over tenant budgets.
	if scope.LearnerID != "" {
		for _, b := range s.budgets {
			if b.LearnerID == scope.LearnerID {
				b := b
				return &b, nil
			}
		}
	}
	if scope.TenantID != "" {
		for _, b := range s.budgets {
			if b.LearnerID == "" && b.TenantID == scope.TenantID {
				b := b
				return &b, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateBudget(_ context.Context, b *types.Budget) error {
	ensureID(&b.ID)
	b.UpdatedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.ID] = *b
	return nil
}

func (s *MemoryStore) IncrementBudgetSpent(_ context.Context, budgetID string, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[budgetID]
	if !ok {
		return ErrNotFound
	}
	b.SpentAmount += cost
	b.UpdatedAt = time.Now()
	s.budgets[budgetID] = b
	return nil
}

// --- Tenant limits ---

func (s *MemoryStore) GetTenantLimits(_ context.Context, tenantID string) (*types.TenantLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.tenantLimits[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) PutTenantLimits(_ context.Context, limits *types.TenantLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantLimits[limits.TenantID] = *limits
	return nil
}

// --- Usage ---

func (s *MemoryStore) AppendUsage(_ context.Context, entry *types.UsageLogEntry) error {
	ensureID(&entry.ID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, *entry)
	return nil
}

func matchesFilter(e *types.UsageLogEntry, f UsageFilter) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.LearnerID != "" && e.LearnerID != f.LearnerID {
		return false
	}
	if f.ProviderID != "" && e.ProviderID != f.ProviderID {
		return false
	}
	if f.UseCase != "" && e.UseCase != f.UseCase {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func (s *MemoryStore) ListUsage(_ context.Context, filter UsageFilter) ([]types.UsageLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.UsageLogEntry
	// Newest first.
	for i := len(s.usage) - 1; i >= 0; i-- {
		e := s.usage[i]
		if !matchesFilter(&e, filter) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SummarizeUsage(_ context.Context, filter UsageFilter) ([]UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg := make(map[string]*UsageSummary)
	latency := make(map[string]int64)
	for i := range s.usage {
		e := s.usage[i]
		if !matchesFilter(&e, filter) {
			continue
		}
		sum, ok := agg[e.ProviderID]
		if !ok {
			sum = &UsageSummary{ProviderID: e.ProviderID}
			agg[e.ProviderID] = sum
		}
		sum.Requests++
		if e.Success {
			sum.Successes++
		} else {
			sum.Failures++
		}
		if e.FallbackUsed {
			sum.FallbackCount++
		}
		sum.InputTokens += int64(e.InputTokens)
		sum.OutputTokens += int64(e.OutputTokens)
		sum.TotalCost += e.Cost
		latency[e.ProviderID] += e.LatencyMs
	}
	out := make([]UsageSummary, 0, len(agg))
	for id, sum := range agg {
		if sum.Requests > 0 {
			sum.AvgLatencyMs = float64(latency[id]) / float64(sum.Requests)
		}
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

func (s *MemoryStore) CostSeries(_ context.Context, filter UsageFilter) ([]CostPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDay := make(map[string]float64)
	for i := range s.usage {
		e := s.usage[i]
		if !matchesFilter(&e, filter) {
			continue
		}
		byDay[e.CreatedAt.Format("2006-01-02")] += e.Cost
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]CostPoint, 0, len(days))
	for _, d := range days {
		out = append(out, CostPoint{Day: d, Cost: byDay[d]})
	}
	return out, nil
}

// --- Experiments ---

func (s *MemoryStore) ListExperiments(context.Context) ([]types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Experiment, 0, len(s.experiments))
	for _, e := range s.experiments {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetExperiment(_ context.Context, id string) (*types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.experiments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) GetActiveExperiment(_ context.Context, useCase string) (*types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.experiments {
		if e.Status == types.ExperimentActive && strings.EqualFold(e.UseCase, useCase) {
			e := e
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateExperiment(_ context.Context, e *types.Experiment) error {
	ensureID(&e.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experiments[e.ID] = *e
	return nil
}

func (s *MemoryStore) UpdateExperiment(_ context.Context, e *types.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[e.ID]; !ok {
		return ErrNotFound
	}
	s.experiments[e.ID] = *e
	return nil
}

func (s *MemoryStore) DeleteExperiment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[id]; !ok {
		return ErrNotFound
	}
	delete(s.experiments, id)
	return nil
}

// --- Health log ---

func (s *MemoryStore) AppendHealthLog(_ context.Context, entry *types.HealthLogEntry) error {
	ensureID(&entry.ID)
	if entry.CheckedAt.IsZero() {
		entry.CheckedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthLogs = append(s.healthLogs, *entry)
	return nil
}

func (s *MemoryStore) ListHealthLogs(_ context.Context, providerID string, limit int) ([]types.HealthLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.HealthLogEntry
	for i := len(s.healthLogs) - 1; i >= 0; i-- {
		e := s.healthLogs[i]
		if providerID != "" && e.ProviderID != providerID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Package store defines the persistence boundary of the dispatch gateway
// and ships an in-memory implementation for tests plus a PostgreSQL
// implementation for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/learnloop/aidispatch/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// BudgetScope identifies the owner of a budget.
type BudgetScope struct {
	TenantID  string
	LearnerID string
}

// UsageFilter narrows usage queries.
type UsageFilter struct {
	TenantID   string
	LearnerID  string
	ProviderID string
	UseCase    string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// UsageSummary aggregates usage rows for analytics endpoints.
type UsageSummary struct {
	ProviderID    string  `json:"providerId"`
	Requests      int64   `json:"requests"`
	Successes     int64   `json:"successes"`
	Failures      int64   `json:"failures"`
	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	TotalCost     float64 `json:"totalCost"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	FallbackCount int64   `json:"fallbackCount"`
}

// CostPoint is one bucket of the cost time series.
type CostPoint struct {
	Day  string  `json:"day"`
	Cost float64 `json:"cost"`
}

// Store is the persistence boundary consumed by the gateway core.
// Implementations must be safe for concurrent use.
type Store interface {
	// Providers
	ListProviders(ctx context.Context) ([]types.Provider, error)
	GetProvider(ctx context.Context, id string) (*types.Provider, error)
	CreateProvider(ctx context.Context, p *types.Provider) error
	UpdateProvider(ctx context.Context, p *types.Provider) error
	DeleteProvider(ctx context.Context, id string) error

	// Models
	ListModels(ctx context.Context) ([]types.Model, error)
	ListModelsByProvider(ctx context.Context, providerID string) ([]types.Model, error)
	GetModel(ctx context.Context, id string) (*types.Model, error)
	CreateModel(ctx context.Context, m *types.Model) error
	UpdateModel(ctx context.Context, m *types.Model) error
	DeleteModel(ctx context.Context, id string) error

	// Fallback chains
	ListChains(ctx context.Context) ([]types.FallbackChain, error)
	GetChain(ctx context.Context, id string) (*types.FallbackChain, error)
	GetChainForUseCase(ctx context.Context, useCase string) (*types.FallbackChain, error)
	CreateChain(ctx context.Context, c *types.FallbackChain) error
	UpdateChain(ctx context.Context, c *types.FallbackChain) error
	DeleteChain(ctx context.Context, id string) error

	// Budgets
	ListBudgets(ctx context.Context) ([]types.Budget, error)
	GetActiveBudget(ctx context.Context, scope BudgetScope) (*types.Budget, error)
	CreateBudget(ctx context.Context, b *types.Budget) error
	IncrementBudgetSpent(ctx context.Context, budgetID string, cost float64) error

	// Tenant limits
	GetTenantLimits(ctx context.Context, tenantID string) (*types.TenantLimits, error)
	PutTenantLimits(ctx context.Context, limits *types.TenantLimits) error

	// Usage (append-only)
	AppendUsage(ctx context.Context, entry *types.UsageLogEntry) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]types.UsageLogEntry, error)
	SummarizeUsage(ctx context.Context, filter UsageFilter) ([]UsageSummary, error)
	CostSeries(ctx context.Context, filter UsageFilter) ([]CostPoint, error)

	// Experiments
	ListExperiments(ctx context.Context) ([]types.Experiment, error)
	GetExperiment(ctx context.Context, id string) (*types.Experiment, error)
	GetActiveExperiment(ctx context.Context, useCase string) (*types.Experiment, error)
	CreateExperiment(ctx context.Context, e *types.Experiment) error
	UpdateExperiment(ctx context.Context, e *types.Experiment) error
	DeleteExperiment(ctx context.Context, id string) error

	// Health log (append-only)
	AppendHealthLog(ctx context.Context, entry *types.HealthLogEntry) error
	ListHealthLogs(ctx context.Context, providerID string, limit int) ([]types.HealthLogEntry, error)

	// Close releases backend resources.
	Close() error
}

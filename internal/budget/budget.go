// Package budget enforces spend ceilings for tenants and learners.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/store"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

// Status is the result of a budget check for one scope.
type Status struct {
	// Budget is nil when no budget covers the scope.
	Budget       *types.Budget
	Remaining    float64
	AlertReached bool
	Exhausted    bool
}

// Tracker reads and updates budgets through the store.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

// NewTracker creates a budget tracker.
func NewTracker(st store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: st, logger: logger}
}

// Check returns the budget status for a scope. No configured budget
// means unlimited spend.
func (t *Tracker) Check(ctx context.Context, scope store.BudgetScope) (*Status, error) {
	b, err := t.store.GetActiveBudget(ctx, scope)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load budget: %w", err)
	}

	st := &Status{
		Budget:       b,
		Remaining:    b.Remaining(),
		AlertReached: b.AlertReached(),
		Exhausted:    b.SpentAmount >= b.BudgetAmount,
	}
	metrics.BudgetRemaining.WithLabelValues(scopeLabel(scope), string(b.Period)).Set(st.Remaining)
	return st, nil
}

// Precheck rejects a request whose scope sits on a hard-limit budget
// that is exhausted or that the estimated cost would push past its
// limit. Soft-limit budgets pass with a logged warning; spend keeps
// accruing against them. estimatedCost may be zero when no rate is
// known for the scope's providers.
func (t *Tracker) Precheck(ctx context.Context, scope store.BudgetScope, estimatedCost float64) (*Status, error) {
	st, err := t.Check(ctx, scope)
	if err != nil {
		return nil, err
	}
	if st.Budget == nil {
		return st, nil
	}
	overrun := st.Exhausted || st.Budget.SpentAmount+estimatedCost > st.Budget.BudgetAmount
	if overrun {
		if st.Budget.HardLimit {
			return nil, dispatcherrors.NewBudgetExceededError(
				scopeLabel(scope), st.Budget.SpentAmount, st.Budget.BudgetAmount)
		}
		if st.Exhausted {
			t.logger.Warn("soft budget exhausted, allowing request",
				"budget", st.Budget.ID,
				"spent", st.Budget.SpentAmount,
				"amount", st.Budget.BudgetAmount,
			)
		}
	}
	return st, nil
}

// IncrementSpent atomically adds cost to a budget's spend.
func (t *Tracker) IncrementSpent(ctx context.Context, budgetID string, cost float64) error {
	if budgetID == "" || cost <= 0 {
		return nil
	}
	if err := t.store.IncrementBudgetSpent(ctx, budgetID, cost); err != nil {
		return fmt.Errorf("increment budget %s: %w", budgetID, err)
	}
	return nil
}

func scopeLabel(scope store.BudgetScope) string {
	if scope.LearnerID != "" {
		return "learner"
	}
	return "tenant"
}

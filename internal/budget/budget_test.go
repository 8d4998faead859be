package budget

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/learnloop/aidispatch/internal/store"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

func newTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewTracker(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestCheckNoBudgetMeansUnlimited(t *testing.T) {
	tr, _ := newTracker(t)

	st, err := tr.Check(context.Background(), store.BudgetScope{TenantID: "t1"})
	require.NoError(t, err)
	require.Nil(t, st.Budget)
	require.False(t, st.Exhausted)
}

func TestCheckReportsAlertAndExhaustion(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBudget(ctx, &types.Budget{
		ID: "b1", TenantID: "t1", Period: types.PeriodMonthly,
		BudgetAmount: 10, SpentAmount: 8.5, AlertThreshold: 0.8,
	}))

	st, err := tr.Check(ctx, store.BudgetScope{TenantID: "t1"})
	require.NoError(t, err)
	require.NotNil(t, st.Budget)
	require.True(t, st.AlertReached)
	require.False(t, st.Exhausted)
	require.InDelta(t, 1.5, st.Remaining, 1e-9)
}

func TestPrecheckRejectsExhaustedHardLimit(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBudget(ctx, &types.Budget{
		ID: "b1", TenantID: "t1", BudgetAmount: 10, SpentAmount: 10, HardLimit: true,
	}))

	_, err := tr.Precheck(ctx, store.BudgetScope{TenantID: "t1"}, 0)
	require.Error(t, err)
	de := dispatcherrors.AsDispatchError(err)
	require.NotNil(t, de)
	require.Equal(t, dispatcherrors.CodeBudgetExceeded, de.Code)
}

func TestPrecheckRejectsWhenEstimateOverruns(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBudget(ctx, &types.Budget{
		ID: "b1", TenantID: "t1", BudgetAmount: 10, SpentAmount: 9.5, HardLimit: true,
	}))

	// Room for small requests, not for one estimated at 1.0.
	st, err := tr.Precheck(ctx, store.BudgetScope{TenantID: "t1"}, 0.25)
	require.NoError(t, err)
	require.False(t, st.Exhausted)

	_, err = tr.Precheck(ctx, store.BudgetScope{TenantID: "t1"}, 1.0)
	require.Error(t, err)
	require.Equal(t, dispatcherrors.CodeBudgetExceeded, dispatcherrors.AsDispatchError(err).Code)
}

func TestPrecheckEstimateOverrunSoftLimitAllows(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBudget(ctx, &types.Budget{
		ID: "b1", TenantID: "t1", BudgetAmount: 10, SpentAmount: 9.5, HardLimit: false,
	}))

	st, err := tr.Precheck(ctx, store.BudgetScope{TenantID: "t1"}, 1.0)
	require.NoError(t, err)
	require.NotNil(t, st.Budget)
}

func TestPrecheckAllowsExhaustedSoftLimit(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBudget(ctx, &types.Budget{
		ID: "b1", TenantID: "t1", BudgetAmount: 10, SpentAmount: 12, HardLimit: false,
	}))

	st, err := tr.Precheck(ctx, store.BudgetScope{TenantID: "t1"}, 0)
	require.NoError(t, err)
	require.True(t, st.Exhausted)
	require.Zero(t, st.Remaining)
}

func TestIncrementSpent(t *testing.T) {
	tr, s := newTracker(t)
	ctx := context.Background()

	require.NoError(t, s.CreateBudget(ctx, &types.Budget{ID: "b1", TenantID: "t1", BudgetAmount: 10}))
	require.NoError(t, tr.IncrementSpent(ctx, "b1", 0.25))
	require.NoError(t, tr.IncrementSpent(ctx, "b1", 0.25))

	// No-op on empty id or non-positive cost.
	require.NoError(t, tr.IncrementSpent(ctx, "", 1))
	require.NoError(t, tr.IncrementSpent(ctx, "b1", 0))

	b, err := s.GetActiveBudget(ctx, store.BudgetScope{TenantID: "t1"})
	require.NoError(t, err)
	require.InDelta(t, 0.5, b.SpentAmount, 1e-9)
}

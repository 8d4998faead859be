package admission

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/learnloop/aidispatch/internal/quota"
	"github.com/learnloop/aidispatch/internal/store"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

func testProviders() []types.Provider {
	return []types.Provider{
		{ID: "p1", Priority: 1, Active: true},
		{ID: "p2", Priority: 2, Active: true},
		{ID: "p3", Priority: 3, Active: true},
	}
}

func newController(t *testing.T) (*Controller, store.Store, quota.Counter) {
	t.Helper()
	s := store.NewMemoryStore()
	counter := quota.NewMemoryCounter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewController(s, counter, 0.8, logger), s, counter
}

func TestAdmitNoTenantPassesThrough(t *testing.T) {
	c, _, _ := newController(t)

	d, err := c.Admit(context.Background(), "", testProviders())
	require.NoError(t, err)
	require.Len(t, d.Providers, 3)
	require.Empty(t, d.Warnings)
}

func TestAdmitDefaultLimitsWhenUnconfigured(t *testing.T) {
	c, _, _ := newController(t)

	d, err := c.Admit(context.Background(), "t1", testProviders())
	require.NoError(t, err)
	require.Len(t, d.Providers, 3)
}

func TestAdmitBlockedProvidersRemoved(t *testing.T) {
	c, s, _ := newController(t)
	ctx := context.Background()

	require.NoError(t, s.PutTenantLimits(ctx, &types.TenantLimits{
		TenantID: "t1", BlockedProviders: []string{"p2"},
	}))

	d, err := c.Admit(ctx, "t1", testProviders())
	require.NoError(t, err)
	require.Len(t, d.Providers, 2)
	require.Equal(t, "p1", d.Providers[0].ID)
	require.Equal(t, "p3", d.Providers[1].ID)
}

func TestAdmitAllowListIntersection(t *testing.T) {
	c, s, _ := newController(t)
	ctx := context.Background()

	require.NoError(t, s.PutTenantLimits(ctx, &types.TenantLimits{
		TenantID: "t1", AllowedProviders: []string{"p3", "p1"}, BlockedProviders: []string{"p1"},
	}))

	// Blocked wins over allowed; order follows the configured order.
	d, err := c.Admit(ctx, "t1", testProviders())
	require.NoError(t, err)
	require.Len(t, d.Providers, 1)
	require.Equal(t, "p3", d.Providers[0].ID)
}

func TestAdmitEmptyEffectiveSetRejected(t *testing.T) {
	c, s, _ := newController(t)
	ctx := context.Background()

	require.NoError(t, s.PutTenantLimits(ctx, &types.TenantLimits{
		TenantID: "t1", AllowedProviders: []string{"missing"},
	}))

	_, err := c.Admit(ctx, "t1", testProviders())
	de := dispatcherrors.AsDispatchError(err)
	require.NotNil(t, de)
	require.Equal(t, dispatcherrors.CodeNoProvidersAllowed, de.Code)
}

func TestAdmitQuotaExceeded(t *testing.T) {
	c, s, counter := newController(t)
	ctx := context.Background()

	require.NoError(t, s.PutTenantLimits(ctx, &types.TenantLimits{
		TenantID: "t1", MaxDailyLLMCalls: 2,
	}))
	for i := 0; i < 2; i++ {
		_, err := counter.Increment(ctx, "t1")
		require.NoError(t, err)
	}

	_, err := c.Admit(ctx, "t1", testProviders())
	de := dispatcherrors.AsDispatchError(err)
	require.NotNil(t, de)
	require.Equal(t, dispatcherrors.CodeQuotaExceeded, de.Code)
}

func TestAdmitQuotaWarningNearLimit(t *testing.T) {
	c, s, counter := newController(t)
	ctx := context.Background()

	require.NoError(t, s.PutTenantLimits(ctx, &types.TenantLimits{
		TenantID: "t1", MaxDailyLLMCalls: 10,
	}))
	for i := 0; i < 7; i++ {
		_, err := counter.Increment(ctx, "t1")
		require.NoError(t, err)
	}

	// 8th call crosses the 80% mark.
	d, err := c.Admit(ctx, "t1", testProviders())
	require.NoError(t, err)
	require.Len(t, d.Warnings, 1)
	require.Contains(t, d.Warnings[0], "8 of 10")
}

func TestAdmitDoesNotConsumeQuota(t *testing.T) {
	c, s, counter := newController(t)
	ctx := context.Background()

	require.NoError(t, s.PutTenantLimits(ctx, &types.TenantLimits{
		TenantID: "t1", MaxDailyLLMCalls: 10,
	}))

	// Admission alone leaves the counter untouched; only Record
	// consumes a slot.
	_, err := c.Admit(ctx, "t1", testProviders())
	require.NoError(t, err)

	n, err := counter.Count(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	c.Record(ctx, "t1")
	n, err = counter.Count(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRecordCountsEvenWithoutQuota(t *testing.T) {
	c, _, counter := newController(t)
	ctx := context.Background()

	c.Record(ctx, "t1")
	c.Record(ctx, "")

	n, err := counter.Count(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

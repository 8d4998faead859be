package usage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/pkg/types"
)

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 0, EstimateTokens("abc"))
	require.Equal(t, 1, EstimateTokens("abcd"))
	require.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

func TestCost(t *testing.T) {
	// 1000 input at $0.002/1k plus 500 output at $0.008/1k.
	got := Cost(1000, 500, 0.002, 0.008)
	require.InDelta(t, 0.006, got, 1e-9)

	require.Zero(t, Cost(0, 0, 0.002, 0.008))
}

func TestRatesModelOverridesProvider(t *testing.T) {
	p := &types.Provider{CostPer1kInput: 0.01, CostPer1kOutput: 0.03}

	in, out := Rates(p, nil)
	require.Equal(t, 0.01, in)
	require.Equal(t, 0.03, out)

	// A model with no rates inherits the provider's.
	in, out = Rates(p, &types.Model{})
	require.Equal(t, 0.01, in)
	require.Equal(t, 0.03, out)

	in, out = Rates(p, &types.Model{CostPer1kInput: 0.002, CostPer1kOutput: 0.008})
	require.Equal(t, 0.002, in)
	require.Equal(t, 0.008, out)
}

func TestMeterRecord(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewMeter(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	m.Record(ctx, &types.UsageLogEntry{
		ProviderID: "p1", ModelID: "m1", TenantID: "t1",
		InputTokens: 100, OutputTokens: 50, Cost: 0.001, Success: true,
	})

	rows, err := s.ListUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "p1", rows[0].ProviderID)
	require.NotEmpty(t, rows[0].ID)
	require.False(t, rows[0].CreatedAt.IsZero())
}

// Package usage estimates token counts, prices attempts, and writes the
// append-only usage audit trail.
package usage

import (
	"context"
	"log/slog"

	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/pkg/types"
)

// EstimateTokens approximates the token count of a text as one token per
// four characters. Used when the provider response carries no usage
// numbers and for pre-flight cost ceilings.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Cost prices a call at per-1k-token rates.
func Cost(inputTokens, outputTokens int, per1kInput, per1kOutput float64) float64 {
	return float64(inputTokens)/1000*per1kInput + float64(outputTokens)/1000*per1kOutput
}

// Rates returns the effective per-1k rates for an attempt. Model rates
// win when set, falling back to the provider's.
func Rates(p *types.Provider, m *types.Model) (per1kInput, per1kOutput float64) {
	per1kInput, per1kOutput = p.CostPer1kInput, p.CostPer1kOutput
	if m != nil && (m.CostPer1kInput > 0 || m.CostPer1kOutput > 0) {
		per1kInput, per1kOutput = m.CostPer1kInput, m.CostPer1kOutput
	}
	return per1kInput, per1kOutput
}

// Meter writes usage records and mirrors them to Prometheus.
type Meter struct {
	store  store.Store
	logger *slog.Logger
}

// NewMeter creates a usage meter over the store.
func NewMeter(st store.Store, logger *slog.Logger) *Meter {
	return &Meter{store: st, logger: logger}
}

// Record appends one usage entry. A failed write is logged and swallowed:
// losing an audit row must not fail the request it describes.
func (m *Meter) Record(ctx context.Context, entry *types.UsageLogEntry) {
	if err := m.store.AppendUsage(ctx, entry); err != nil {
		m.logger.Error("usage record write failed",
			"error", err,
			"provider", entry.ProviderID,
			"request_id", entry.RequestID,
		)
		return
	}
	metrics.RecordUsage(entry.ProviderID, entry.ModelID, entry.TenantID,
		entry.InputTokens, entry.OutputTokens, entry.Cost)
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/pkg/types"
)

const defaultUsageLimit = 100

// usageFilterFromQuery builds a usage filter from common query params:
// tenantId, learnerId, providerId, useCase, since, until (RFC 3339),
// limit.
func usageFilterFromQuery(r *http.Request) store.UsageFilter {
	q := r.URL.Query()
	filter := store.UsageFilter{
		TenantID:   q.Get("tenantId"),
		LearnerID:  q.Get("learnerId"),
		ProviderID: q.Get("providerId"),
		UseCase:    q.Get("useCase"),
		Limit:      defaultUsageLimit,
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = ts
		}
	}
	if v := q.Get("until"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = ts
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	return filter
}

// usageReport combines per-provider summaries with recent entries.
type usageReport struct {
	Summaries []store.UsageSummary  `json:"summaries"`
	Entries   []types.UsageLogEntry `json:"entries"`
}

// Usage handles GET /api/admin/ai/usage.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	filter := usageFilterFromQuery(r)

	summaries, err := h.store.SummarizeUsage(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	entries, err := h.store.ListUsage(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, usageReport{Summaries: summaries, Entries: entries})
}

// Costs handles GET /api/admin/ai/costs with a per-day cost series.
func (h *Handler) Costs(w http.ResponseWriter, r *http.Request) {
	filter := usageFilterFromQuery(r)
	filter.Limit = 0

	series, err := h.store.CostSeries(r.Context(), filter)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, series)
}

// providerHealthReport is one provider's current status plus its recent
// probe history.
type providerHealthReport struct {
	ProviderID string                 `json:"providerId"`
	Name       string                 `json:"name"`
	Health     types.HealthStatus     `json:"health"`
	Recent     []types.HealthLogEntry `json:"recent,omitempty"`
}

// ProviderHealth handles GET /api/admin/ai/health.
func (h *Handler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	reports := make([]providerHealthReport, 0, len(providers))
	for _, p := range providers {
		recent, err := h.store.ListHealthLogs(r.Context(), p.ID, 5)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		reports = append(reports, providerHealthReport{
			ProviderID: p.ID,
			Name:       p.Name,
			Health:     p.Health,
			Recent:     recent,
		})
	}
	h.writeJSON(w, http.StatusOK, reports)
}

// HealthCheck handles POST /api/admin/ai/health/check: probe all active
// providers now and return the results.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	results, err := h.monitor.CheckAll(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, results)
}

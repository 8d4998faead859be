// Package admission gates requests on tenant policy before any provider
// is touched: allow/block lists narrow the candidate providers, and a
// daily call quota caps volume. Rejections here never produce usage
// records.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/quota"
	"github.com/learnloop/aidispatch/internal/store"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

// Decision is the outcome of an admitted request.
type Decision struct {
	// Providers is the tenant's effective provider order.
	Providers []types.Provider
	// Warnings carries non-fatal notices (quota nearing its limit).
	Warnings []string
}

// Controller applies tenant limits and daily quotas.
type Controller struct {
	store       store.Store
	counter     quota.Counter
	warnPercent float64
	logger      *slog.Logger
}

// NewController creates an admission controller. warnPercent is the
// quota fraction at which a warning is attached (0 defaults to 0.8).
func NewController(st store.Store, counter quota.Counter, warnPercent float64, logger *slog.Logger) *Controller {
	if warnPercent <= 0 || warnPercent >= 1 {
		warnPercent = 0.8
	}
	return &Controller{store: st, counter: counter, warnPercent: warnPercent, logger: logger}
}

// Admit checks tenant policy against the configured provider order and
// the tenant's daily quota. Admission reads the quota but does not
// consume it; Record counts the call once all pre-flight gates pass,
// so a later budget rejection leaves the quota untouched. Requests
// without a tenant pass through untouched.
func (c *Controller) Admit(ctx context.Context, tenantID string, providers []types.Provider) (*Decision, error) {
	if tenantID == "" {
		return &Decision{Providers: providers}, nil
	}

	limits, err := c.store.GetTenantLimits(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		limits = &types.TenantLimits{TenantID: tenantID}
	} else if err != nil {
		return nil, fmt.Errorf("load tenant limits: %w", err)
	}

	effective := filterProviders(providers, limits)
	if len(effective) == 0 {
		metrics.AdmissionRejections.WithLabelValues("no_providers_allowed").Inc()
		return nil, dispatcherrors.NewNoProvidersAllowedError(tenantID)
	}

	decision := &Decision{Providers: effective}
	if limits.MaxDailyLLMCalls > 0 {
		used, err := c.counter.Count(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("read quota: %w", err)
		}
		if used >= limits.MaxDailyLLMCalls {
			metrics.AdmissionRejections.WithLabelValues("quota_exceeded").Inc()
			return nil, dispatcherrors.NewQuotaExceededError(tenantID, used, limits.MaxDailyLLMCalls)
		}

		// n is what the count will be once this call is recorded.
		n := used + 1
		if float64(n) >= float64(limits.MaxDailyLLMCalls)*c.warnPercent {
			decision.Warnings = append(decision.Warnings, fmt.Sprintf(
				"daily quota at %d of %d calls", n, limits.MaxDailyLLMCalls))
			c.logger.Warn("tenant nearing daily quota",
				"tenant", tenantID, "used", n, "limit", limits.MaxDailyLLMCalls)
		}
	}

	return decision, nil
}

// Record counts one dispatched call against the tenant's daily quota.
// Unlimited tenants are counted too, for usage analytics. Failures are
// logged rather than failing the request.
func (c *Controller) Record(ctx context.Context, tenantID string) {
	if tenantID == "" {
		return
	}
	if _, err := c.counter.Increment(ctx, tenantID); err != nil {
		c.logger.Warn("quota count failed", "tenant", tenantID, "error", err)
	}
}

// filterProviders removes blocked providers and, when an allow-list is
// present, keeps only listed providers. Order is preserved.
func filterProviders(providers []types.Provider, limits *types.TenantLimits) []types.Provider {
	blocked := make(map[string]struct{}, len(limits.BlockedProviders))
	for _, id := range limits.BlockedProviders {
		blocked[id] = struct{}{}
	}
	var allowed map[string]struct{}
	if len(limits.AllowedProviders) > 0 {
		allowed = make(map[string]struct{}, len(limits.AllowedProviders))
		for _, id := range limits.AllowedProviders {
			allowed[id] = struct{}{}
		}
	}

	out := make([]types.Provider, 0, len(providers))
	for _, p := range providers {
		if _, ok := blocked[p.ID]; ok {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[p.ID]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

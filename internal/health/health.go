// Package health probes providers and tracks HEALTHY/DEGRADED/UNHEALTHY
// transitions from consecutive probe failures.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/registry"
	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/pkg/types"
)

// Result is the outcome of one provider probe.
type Result struct {
	ProviderID string             `json:"providerId"`
	Healthy    bool               `json:"healthy"`
	Status     types.HealthStatus `json:"status"`
	LatencyMs  int64              `json:"latencyMs"`
	Error      string             `json:"error,omitempty"`
}

// Options tune the monitor's thresholds.
type Options struct {
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
	// DegradedLatency marks a successful probe DEGRADED when exceeded.
	DegradedLatency time.Duration
	// UnhealthyFailures is the consecutive-failure count at which a
	// provider turns UNHEALTHY; fewer failures mean DEGRADED.
	UnhealthyFailures int
}

// Monitor probes providers and records status transitions.
type Monitor struct {
	registry *registry.Registry
	store    store.Store
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewMonitor creates a health monitor. Zero option fields get defaults
// (10s probe timeout, 5s degraded latency, 3 failures to UNHEALTHY).
func NewMonitor(reg *registry.Registry, st store.Store, opts Options, logger *slog.Logger) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.DegradedLatency <= 0 {
		opts.DegradedLatency = 5 * time.Second
	}
	if opts.UnhealthyFailures <= 0 {
		opts.UnhealthyFailures = 3
	}
	return &Monitor{
		registry: reg,
		store:    st,
		opts:     opts,
		logger:   logger,
		failures: make(map[string]int),
	}
}

// CheckProvider probes one provider, appends a health log record, and
// persists the provider's new status.
func (m *Monitor) CheckProvider(ctx context.Context, providerID string) *Result {
	res := &Result{ProviderID: providerID}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := m.probe(probeCtx, providerID)
	res.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		res.Error = err.Error()
		res.Status = m.recordFailure(providerID)
	} else {
		res.Healthy = true
		res.Status = m.recordSuccess(providerID, res.LatencyMs)
	}

	m.persist(ctx, res)
	return res
}

// CheckAll probes every active provider concurrently and returns the
// results in catalog order.
func (m *Monitor) CheckAll(ctx context.Context) ([]Result, error) {
	providers, err := m.registry.ActiveProviders(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i] = *m.CheckProvider(ctx, id)
		}(i, p.ID)
	}
	wg.Wait()
	return results, nil
}

// Run probes all providers on a fixed interval until the context ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckAll(ctx); err != nil {
				m.logger.Error("health sweep failed", "error", err)
			}
		}
	}
}

func (m *Monitor) probe(ctx context.Context, providerID string) error {
	client, err := m.registry.ClientFor(ctx, providerID)
	if err != nil {
		return err
	}
	model, err := m.registry.ResolveModel(ctx, providerID, "")
	if err != nil {
		return err
	}
	_, err = client.Invoke(ctx, &registry.InvokeRequest{
		Model:     model.ModelID,
		Prompt:    "ping",
		MaxTokens: 1,
	})
	return err
}

func (m *Monitor) recordFailure(providerID string) types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[providerID]++
	if m.failures[providerID] >= m.opts.UnhealthyFailures {
		return types.HealthUnhealthy
	}
	return types.HealthDegraded
}

func (m *Monitor) recordSuccess(providerID string, latencyMs int64) types.HealthStatus {
	m.mu.Lock()
	m.failures[providerID] = 0
	m.mu.Unlock()
	if latencyMs > m.opts.DegradedLatency.Milliseconds() {
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

// persist appends the health log row and updates the provider record.
func (m *Monitor) persist(ctx context.Context, res *Result) {
	metrics.RecordHealth(res.ProviderID, res.Status)

	if err := m.store.AppendHealthLog(ctx, &types.HealthLogEntry{
		ProviderID: res.ProviderID,
		Status:     res.Status,
		LatencyMs:  res.LatencyMs,
		Error:      res.Error,
	}); err != nil {
		m.logger.Error("health log write failed", "provider", res.ProviderID, "error", err)
	}

	p, err := m.store.GetProvider(ctx, res.ProviderID)
	if err != nil {
		m.logger.Error("provider load failed", "provider", res.ProviderID, "error", err)
		return
	}
	if p.Health == res.Status {
		return
	}
	m.logger.Info("provider health changed",
		"provider", res.ProviderID, "from", p.Health, "to", res.Status)
	p.Health = res.Status
	if err := m.store.UpdateProvider(ctx, p); err != nil {
		m.logger.Error("provider health update failed", "provider", res.ProviderID, "error", err)
	}
}

package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/learnloop/aidispatch/internal/admission"
	"github.com/learnloop/aidispatch/internal/budget"
	"github.com/learnloop/aidispatch/internal/dispatch"
	"github.com/learnloop/aidispatch/internal/executor"
	"github.com/learnloop/aidispatch/internal/experiment"
	"github.com/learnloop/aidispatch/internal/health"
	"github.com/learnloop/aidispatch/internal/quota"
	"github.com/learnloop/aidispatch/internal/ratelimit"
	"github.com/learnloop/aidispatch/internal/registry"
	"github.com/learnloop/aidispatch/internal/selector"
	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/internal/usage"
	"github.com/learnloop/aidispatch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store *store.MemoryStore
	mux   *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), mux: http.NewServeMux()}
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{"message": {"role": "assistant", "content": "served"}}],
			"usage": {"prompt_tokens": 100, "completion_tokens": 20}
		}`)
	}))
	t.Cleanup(upstream.Close)

	require.NoError(t, f.store.CreateProvider(ctx, &types.Provider{
		ID: "alpha", Vendor: types.VendorOpenAI, Name: "alpha", Priority: 1, Active: true,
		CostPer1kInput: 0.002, CostPer1kOutput: 0.008,
		ConnectionConfig: map[string]string{"base_url": upstream.URL},
	}))
	require.NoError(t, f.store.CreateModel(ctx, &types.Model{
		ID: "m-alpha", ProviderID: "alpha", ModelID: "alpha-chat",
		UseCases: []string{"tutoring", "embedding"}, IsDefault: true, Active: true,
	}))

	logger := testLogger()
	reg := registry.New(f.store, time.Minute, logger)
	limiter := ratelimit.NewLimiter()
	sel := selector.New(reg, limiter, logger)
	meter := usage.NewMeter(f.store, logger)
	tracker := budget.NewTracker(f.store, logger)
	exec := executor.New(sel, limiter, meter, tracker, executor.Defaults{
		MaxRetries: 3, RetryDelayBase: time.Millisecond, AttemptTimeout: 200 * time.Millisecond,
	}, logger)
	adm := admission.NewController(f.store, quota.NewMemoryCounter(), 0.8, logger)
	assigner := experiment.NewAssigner(f.store, 42, logger)
	monitor := health.NewMonitor(reg, f.store, health.Options{}, logger)
	svc := dispatch.NewService(reg, adm, tracker, exec, assigner, nil, f.store, logger)

	NewHandler(svc, f.store, reg, monitor, assigner, logger).RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestCompletionEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/ai/completion", map[string]any{
		"useCase": "tutoring",
		"prompt":  "explain fractions",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "alpha", resp.ProviderID)
	require.Equal(t, "served", resp.Content)
	require.NotEmpty(t, resp.RequestID)
}

func TestCompletionValidationError(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/ai/completion", map[string]any{"prompt": "no use case"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Equal(t, "VALIDATION_ERROR", errResp.Error.Code)
}

func TestChatEndpointFlattensMessages(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/ai/chat", map[string]any{
		"useCase": "tutoring",
		"messages": []map[string]string{
			{"role": "system", "content": "be kind"},
			{"role": "user", "content": "hello"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/ai/chat", map[string]any{
		"useCase": "tutoring", "messages": []map[string]string{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmbeddingEndpointDefaultsUseCase(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/ai/embedding", map[string]any{"input": "vector me"})
	require.Equal(t, http.StatusOK, rec.Code)

	rows, err := f.store.ListUsage(context.Background(), store.UsageFilter{UseCase: "embedding"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestProviderCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/ai/providers", map[string]any{
		"vendor": "groq", "name": "groq-main", "priority": 5, "active": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodGet, "/api/admin/ai/providers/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	created.Priority = 9
	rec = f.do(t, http.MethodPut, "/api/admin/ai/providers/"+created.ID, created)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/admin/ai/providers/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/ai/providers/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviderCreateRejectsUnknownVendor(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/ai/providers", map[string]any{
		"vendor": "skynet", "name": "nope",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelCreateRequiresExistingProvider(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/ai/models", map[string]any{
		"providerId": "ghost", "modelId": "gpt-4o",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/ai/models", map[string]any{
		"providerId": "alpha", "modelId": "alpha-mini", "active": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestChainValidation(t *testing.T) {
	f := newFixture(t)

	// Duplicate providers in a chain are rejected.
	rec := f.do(t, http.MethodPost, "/api/admin/ai/fallback-chains", map[string]any{
		"useCase": "tutoring",
		"entries": []map[string]any{
			{"providerId": "alpha", "priority": 1},
			{"providerId": "alpha", "priority": 2},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/ai/fallback-chains", map[string]any{
		"useCase": "tutoring",
		"entries": []map[string]any{{"providerId": "alpha", "priority": 1}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestBudgetCreateValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/ai/budgets", map[string]any{
		"budgetAmount": 10,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/ai/budgets", map[string]any{
		"tenantId": "t1", "period": "MONTHLY", "budgetAmount": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/ai/budgets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantLimitsRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/admin/ai/tenants/t1/limits", map[string]any{
		"blockedProviders": []string{"alpha"}, "maxDailyLlmCalls": 50,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/ai/tenants/t1/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var limits types.TenantLimits
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	require.Equal(t, "t1", limits.TenantID)
	require.EqualValues(t, 50, limits.MaxDailyLLMCalls)
}

func TestExperimentLifecycleAndResults(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/ai/experiments", map[string]any{
		"useCase": "tutoring", "trafficPercent": 100,
		"variants": []map[string]any{
			{"id": "control", "trafficWeight": 1},
			{"id": "treatment", "trafficWeight": 1},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var exp types.Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	require.Equal(t, types.ExperimentActive, exp.Status)

	// Traffic drives assignments, which show up in results.
	for i := 0; i < 5; i++ {
		rec = f.do(t, http.MethodPost, "/api/ai/completion", map[string]any{
			"useCase": "tutoring", "prompt": "q",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/admin/ai/experiments/"+exp.ID+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results experimentResults
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	var total int64
	for _, n := range results.Counts {
		total += n
	}
	require.EqualValues(t, 5, total)
}

func TestUsageAndCostAnalytics(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/api/ai/completion", map[string]any{
			"useCase": "tutoring", "prompt": "q",
			"metadata": map[string]string{"tenantId": "t1"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/admin/ai/usage?tenantId=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report usageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Entries, 3)
	require.Len(t, report.Summaries, 1)
	require.EqualValues(t, 3, report.Summaries[0].Requests)

	rec = f.do(t, http.MethodGet, "/api/admin/ai/costs?tenantId=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var series []store.CostPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &series))
	require.Len(t, series, 1)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/ai/health/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results []health.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	require.True(t, results[0].Healthy)

	rec = f.do(t, http.MethodGet, "/api/admin/ai/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLegacyDispatchEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/dispatch", map[string]any{
		"prompt":   "hello",
		"config":   map[string]any{"primary": "alpha"},
		"tenantId": "t1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp legacyDispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "alpha", resp.Provider)
	require.Equal(t, "served", resp.Content)
	require.NotEmpty(t, resp.RequestID)

	rows, err := f.store.ListUsage(context.Background(), store.UsageFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestLegacyDispatchFallbacksOverrideChain(t *testing.T) {
	f := newFixture(t)

	// The primary does not exist; the caller-supplied fallback order
	// carries the request to alpha.
	rec := f.do(t, http.MethodPost, "/dispatch", map[string]any{
		"prompt": "hello",
		"config": map[string]any{"primary": "ghost", "fallbacks": []string{"alpha"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp legacyDispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "alpha", resp.Provider)
}

func TestLegacyDispatchValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/dispatch", map[string]any{
		"config": map[string]any{"primary": "alpha"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLegacyDispatchFailureIsPlain500(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/dispatch", map[string]any{
		"prompt": "hello",
		"config": map[string]any{"primary": "ghost", "fallbacks": []string{"phantom"}},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

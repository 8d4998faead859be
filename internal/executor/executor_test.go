package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/learnloop/aidispatch/internal/budget"
	"github.com/learnloop/aidispatch/internal/ratelimit"
	"github.com/learnloop/aidispatch/internal/registry"
	"github.com/learnloop/aidispatch/internal/selector"
	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/internal/usage"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream is a scriptable OpenAI-compatible endpoint.
type upstream struct {
	mu      sync.Mutex
	mode    string // "ok", "503", "400", "hang"
	content string
}

func (u *upstream) set(mode string) {
	u.mu.Lock()
	u.mode = mode
	u.mu.Unlock()
}

func (u *upstream) handler(w http.ResponseWriter, req *http.Request) {
	u.mu.Lock()
	mode, content := u.mode, u.content
	u.mu.Unlock()

	switch mode {
	case "503":
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "overloaded")
	case "400":
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "invalid model")
	case "hang":
		select {
		case <-req.Context().Done():
		case <-time.After(5 * time.Second):
		}
	default:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"choices": [{"message": {"role": "assistant", "content": %q}}],
			"usage": {"prompt_tokens": 1000, "completion_tokens": 500}
		}`, content)
	}
}

type harness struct {
	store     *store.MemoryStore
	limiter   *ratelimit.Limiter
	exec      *Executor
	upstreams map[string]*upstream
	sleeps    []time.Duration
}

// newHarness wires three providers (alpha, beta, gamma) each backed by
// its own scriptable upstream. Sleeps are recorded instead of slept.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewMemoryStore(),
		limiter:   ratelimit.NewLimiter(),
		upstreams: map[string]*upstream{},
	}
	ctx := context.Background()

	for i, id := range []string{"alpha", "beta", "gamma"} {
		u := &upstream{mode: "ok", content: "answer from " + id}
		srv := httptest.NewServer(http.HandlerFunc(u.handler))
		t.Cleanup(srv.Close)
		h.upstreams[id] = u

		require.NoError(t, h.store.CreateProvider(ctx, &types.Provider{
			ID: id, Vendor: types.VendorOpenAI, Name: id, Priority: i + 1, Active: true,
			CostPer1kInput: 0.002, CostPer1kOutput: 0.008,
			ConnectionConfig: map[string]string{"base_url": srv.URL},
		}))
		require.NoError(t, h.store.CreateModel(ctx, &types.Model{
			ID: "m-" + id, ProviderID: id, ModelID: id + "-chat",
			UseCases: []string{"tutoring"}, IsDefault: true, Active: true,
		}))
	}

	reg := registry.New(h.store, time.Minute, testLogger())
	sel := selector.New(reg, h.limiter, testLogger())
	meter := usage.NewMeter(h.store, testLogger())
	tracker := budget.NewTracker(h.store, testLogger())

	h.exec = New(sel, h.limiter, meter, tracker, Defaults{
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
		AttemptTimeout: 200 * time.Millisecond,
	}, testLogger())
	h.exec.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) candidates(t *testing.T) []types.Provider {
	t.Helper()
	providers, err := h.store.ListProviders(context.Background())
	require.NoError(t, err)
	return providers
}

func tutoringRequest() *types.CompletionRequest {
	return &types.CompletionRequest{
		UseCase:  "tutoring",
		Prompt:   "explain fractions",
		Metadata: types.RequestMetadata{TenantID: "t1", RequestID: "req-1"},
	}
}

func TestExecuteFirstProviderSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.exec.Execute(ctx, tutoringRequest(), &Input{Candidates: h.candidates(t)})
	require.NoError(t, err)
	require.Equal(t, "alpha", resp.ProviderID)
	require.Equal(t, "answer from alpha", resp.Content)
	require.False(t, resp.FallbackUsed)
	require.Empty(t, resp.FallbackChain)
	require.Equal(t, 1000, resp.InputTokens)
	require.Equal(t, 500, resp.OutputTokens)
	// 1000/1000*0.002 + 500/1000*0.008
	require.InDelta(t, 0.006, resp.Cost, 1e-9)

	rows, err := h.store.ListUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Success)
}

func TestExecuteTimeoutFallsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.upstreams["alpha"].set("hang")

	resp, err := h.exec.Execute(ctx, tutoringRequest(), &Input{Candidates: h.candidates(t)})
	require.NoError(t, err)
	require.Equal(t, "beta", resp.ProviderID)
	require.True(t, resp.FallbackUsed)
	require.Equal(t, []string{"alpha"}, resp.FallbackChain)

	require.Len(t, resp.Failures, 1)
	require.Equal(t, "alpha", resp.Failures[0].ProviderID)
	require.Contains(t, resp.Failures[0].Message, "timeout")

	// One failed and one successful usage record.
	rows, err := h.store.ListUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, rows[0].Success)
	require.True(t, rows[0].FallbackUsed)
	require.Equal(t, "alpha", rows[0].FallbackFrom)
	require.False(t, rows[1].Success)

	// Timeout is retryable, so one backoff sleep happened.
	require.Len(t, h.sleeps, 1)
}

func TestExecuteAllProvidersFailNonRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, u := range h.upstreams {
		u.set("400")
	}

	_, err := h.exec.Execute(ctx, tutoringRequest(), &Input{Candidates: h.candidates(t)})
	de := dispatcherrors.AsDispatchError(err)
	require.Equal(t, dispatcherrors.CodeAllFailed, de.Code)
	require.Len(t, de.Attempts, 3)

	// Non-retryable failures never sleep between attempts.
	require.Empty(t, h.sleeps)

	rows, err := h.store.ListUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		require.False(t, row.Success)
	}
}

func TestExecuteRetryableFailuresSleepBetweenAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.upstreams["alpha"].set("503")
	h.upstreams["beta"].set("503")

	resp, err := h.exec.Execute(ctx, tutoringRequest(), &Input{Candidates: h.candidates(t)})
	require.NoError(t, err)
	require.Equal(t, "gamma", resp.ProviderID)
	require.Equal(t, []string{"alpha", "beta"}, resp.FallbackChain)
	require.Len(t, h.sleeps, 2)
}

func TestExecuteMaxRetriesBoundsAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, u := range h.upstreams {
		u.set("503")
	}

	one := 1
	req := tutoringRequest()
	req.MaxRetries = &one

	_, err := h.exec.Execute(ctx, req, &Input{Candidates: h.candidates(t)})
	de := dispatcherrors.AsDispatchError(err)
	require.Equal(t, dispatcherrors.CodeAllFailed, de.Code)
	// maxRetries=1 means at most 2 attempts.
	require.Len(t, de.Attempts, 2)
}

func TestExecuteChainOrderAndOverrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	chain := &types.FallbackChain{
		UseCase: "tutoring",
		Entries: []types.ChainEntry{
			{ProviderID: "gamma", Priority: 1},
			{ProviderID: "alpha", Priority: 2},
		},
		MaxRetries: 2, RetryDelayMsBase: 1, TimeoutMs: 200,
	}

	resp, err := h.exec.Execute(ctx, tutoringRequest(), &Input{Candidates: h.candidates(t), Chain: chain})
	require.NoError(t, err)
	require.Equal(t, "gamma", resp.ProviderID)
}

func TestExecuteCostRejectionContinues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Make beta free so it clears the attempt budget alpha exceeds.
	p, err := h.store.GetProvider(ctx, "beta")
	require.NoError(t, err)
	p.CostPer1kInput = 0
	p.CostPer1kOutput = 0
	require.NoError(t, h.store.UpdateProvider(ctx, p))

	req := tutoringRequest()
	req.Budget = 0.001

	resp, err := h.exec.Execute(ctx, req, &Input{Candidates: h.candidates(t)})
	require.NoError(t, err)
	require.Equal(t, "beta", resp.ProviderID)
	require.True(t, resp.FallbackUsed)
	require.Len(t, resp.Failures, 1)
	require.Equal(t, dispatcherrors.CodeBudgetExceeded, resp.Failures[0].Code)

	// Cost rejection is not retryable, so no sleeping.
	require.Empty(t, h.sleeps)

	rows, err := h.store.ListUsage(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Contains(t, rows[1].ErrorMessage, "rejected for cost")
}

func TestExecuteUpdatesBudgetAndBucket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateBudget(ctx, &types.Budget{
		ID: "b1", TenantID: "t1", BudgetAmount: 10,
	}))

	_, err := h.exec.Execute(ctx, tutoringRequest(), &Input{
		Candidates: h.candidates(t), BudgetID: "b1",
	})
	require.NoError(t, err)

	b, err := h.store.GetActiveBudget(ctx, store.BudgetScope{TenantID: "t1"})
	require.NoError(t, err)
	require.InDelta(t, 0.006, b.SpentAmount, 1e-9)

	// The winning provider consumed its bucket: 1 request, 1500 tokens.
	alpha, err := h.store.GetProvider(ctx, "alpha")
	require.NoError(t, err)
	alpha.RateLimitRPM = 1
	remaining, _ := h.limiter.Remaining(alpha)
	require.Zero(t, remaining)
}

func TestExecutePreferredProviderFirstAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := tutoringRequest()
	req.PreferredProvider = "gamma"

	resp, err := h.exec.Execute(ctx, req, &Input{Candidates: h.candidates(t)})
	require.NoError(t, err)
	require.Equal(t, "gamma", resp.ProviderID)
	require.False(t, resp.FallbackUsed)
}

func TestExecuteCanceledContextStopsChain(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.exec.Execute(ctx, tutoringRequest(), &Input{Candidates: h.candidates(t)})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffWithinBounds(t *testing.T) {
	h := newHarness(t)
	base := 100 * time.Millisecond

	for attempt := 0; attempt < 5; attempt++ {
		for i := 0; i < 50; i++ {
			d := h.exec.backoff(base, attempt)
			lower := base * time.Duration(1<<attempt)
			upper := lower + lower/10
			if lower > maxBackoff {
				lower, upper = maxBackoff, maxBackoff
			}
			require.GreaterOrEqual(t, d, lower)
			require.LessOrEqual(t, d, upper)
		}
	}

	// Large attempts cap at 30s.
	require.Equal(t, maxBackoff, h.exec.backoff(time.Second, 10))
}

func TestExecuteRecordsAttemptSpans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h.exec.tracer = tp.Tracer("test")

	h.upstreams["alpha"].set("503")

	resp, err := h.exec.Execute(ctx, tutoringRequest(), &Input{Candidates: h.candidates(t)})
	require.NoError(t, err)
	require.Equal(t, "beta", resp.ProviderID)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		require.Equal(t, "dispatch.attempt", s.Name())
	}

	// The failed attempt records its error as a span event.
	require.NotEmpty(t, spans[0].Events())

	// The winning attempt carries token usage and cost.
	sawTokens := false
	for _, kv := range spans[1].Attributes() {
		if string(kv.Key) == "gen_ai.usage.input_tokens" {
			sawTokens = true
			require.EqualValues(t, 1000, kv.Value.AsInt64())
		}
	}
	require.True(t, sawTokens)
}

// Package executor runs the fallback chain: strictly sequential provider
// attempts with retry, exponential backoff, per-attempt timeouts, and
// per-attempt cost ceilings.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/learnloop/aidispatch/internal/budget"
	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/observability"
	"github.com/learnloop/aidispatch/internal/ratelimit"
	"github.com/learnloop/aidispatch/internal/registry"
	"github.com/learnloop/aidispatch/internal/selector"
	"github.com/learnloop/aidispatch/internal/usage"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

// maxBackoff caps the delay between retryable attempts.
const maxBackoff = 30 * time.Second

// Defaults apply when neither the request nor the chain sets a value.
type Defaults struct {
	MaxRetries     int
	RetryDelayBase time.Duration
	AttemptTimeout time.Duration
}

// Input carries the per-request execution context resolved upstream of
// the executor.
type Input struct {
	// Candidates is the admitted provider list in priority order.
	Candidates []types.Provider
	// Chain is the configured fallback chain for the use-case, nil for
	// dynamic selection.
	Chain *types.FallbackChain
	// BudgetID, when set, receives the spend of successful attempts.
	BudgetID string
}

// Executor drives sequential attempts until one succeeds or the
// candidate list is exhausted.
type Executor struct {
	selector *selector.Selector
	limiter  *ratelimit.Limiter
	meter    *usage.Meter
	budget   *budget.Tracker
	defaults Defaults
	logger   *slog.Logger
	tracer   trace.Tracer

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an executor.
func New(sel *selector.Selector, limiter *ratelimit.Limiter, meter *usage.Meter, tracker *budget.Tracker, defaults Defaults, logger *slog.Logger) *Executor {
	if defaults.MaxRetries <= 0 {
		defaults.MaxRetries = 3
	}
	if defaults.RetryDelayBase <= 0 {
		defaults.RetryDelayBase = time.Second
	}
	if defaults.AttemptTimeout <= 0 {
		defaults.AttemptTimeout = 30 * time.Second
	}
	return &Executor{
		selector: sel,
		limiter:  limiter,
		meter:    meter,
		budget:   tracker,
		defaults: defaults,
		logger:   logger,
		tracer:   otel.Tracer(observability.TracerName),
		sleep:    sleepCtx,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs the request to completion. Attempts never run in
// parallel; the inbound context is honored at attempt boundaries, and
// each attempt carries its own deadline.
func (e *Executor) Execute(ctx context.Context, req *types.CompletionRequest, in *Input) (*types.CompletionResponse, error) {
	maxRetries := e.defaults.MaxRetries
	retryBase := e.defaults.RetryDelayBase
	attemptTimeout := e.defaults.AttemptTimeout
	attemptBudget := req.Budget

	var chainOrder []types.ChainEntry
	if in.Chain != nil {
		chainOrder = in.Chain.Entries
		if in.Chain.MaxRetries > 0 {
			maxRetries = in.Chain.MaxRetries
		}
		if in.Chain.RetryDelayMsBase > 0 {
			retryBase = time.Duration(in.Chain.RetryDelayMsBase) * time.Millisecond
		}
		if in.Chain.TimeoutMs > 0 {
			attemptTimeout = time.Duration(in.Chain.TimeoutMs) * time.Millisecond
		}
		if attemptBudget <= 0 {
			attemptBudget = in.Chain.BudgetLimit
		}
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	excluded := make(map[string]struct{})
	var failures []types.AttemptFailure
	var tried []string
	lastFailed := ""

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("request canceled after %d attempts: %w", attempt, err)
		}

		sel, err := e.selector.Select(ctx, &selector.Request{
			UseCase:           req.UseCase,
			Tier:              req.QualityTier,
			PreferredProvider: req.PreferredProvider,
			PreferredModel:    req.PreferredModel,
			Candidates:        in.Candidates,
			ChainOrder:        chainOrder,
			Excluded:          excluded,
		})
		if err != nil {
			break
		}

		resp, attemptErr := e.attempt(ctx, req, sel, in.BudgetID, attemptBudget, attemptTimeout, attempt, lastFailed)
		if attemptErr == nil {
			resp.FallbackChain = tried
			resp.Failures = failures
			return resp, nil
		}

		excluded[sel.Provider.ID] = struct{}{}
		tried = append(tried, sel.Provider.ID)
		lastFailed = sel.Provider.ID
		failures = append(failures, toFailure(sel, attemptErr))

		if dispatcherrors.IsRetryable(attemptErr) && attempt < maxRetries {
			delay := e.backoff(retryBase, attempt)
			e.logger.Debug("attempt failed, backing off",
				"provider", sel.Provider.ID, "attempt", attempt, "delay", delay, "error", attemptErr)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("request canceled during backoff: %w", err)
			}
		}
	}

	if len(failures) == 0 {
		return nil, dispatcherrors.NewNoProviderError(req.UseCase)
	}
	trace := make([]dispatcherrors.AttemptError, len(failures))
	for i, f := range failures {
		trace[i] = dispatcherrors.AttemptError{
			ProviderID: f.ProviderID, ModelID: f.ModelID, Code: f.Code, Message: f.Message,
		}
	}
	return nil, dispatcherrors.NewAllFailedError(req.UseCase, trace)
}

// costRejectedError marks a successful call whose cost exceeded the
// per-attempt ceiling. Not retryable: the next provider is tried
// without sleeping.
type costRejectedError struct {
	cost  float64
	limit float64
}

func (e *costRejectedError) Error() string {
	return fmt.Sprintf("rejected for cost: %.6f exceeds attempt budget %.6f", e.cost, e.limit)
}

// attempt runs one provider call end to end: invoke under deadline,
// price the result, enforce the attempt budget, and account the outcome.
func (e *Executor) attempt(ctx context.Context, req *types.CompletionRequest, sel *selector.Selection, budgetID string, attemptBudget float64, timeout time.Duration, attempt int, lastFailed string) (*types.CompletionResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	attemptCtx, span := observability.StartAttemptSpan(attemptCtx, e.tracer, sel.Provider.ID, sel.Model.ModelID, attempt)
	defer span.End()

	start := time.Now()
	result, err := sel.Client.Invoke(attemptCtx, &registry.InvokeRequest{
		Model:        sel.Model.ModelID,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})
	latency := time.Since(start)

	entry := &types.UsageLogEntry{
		ProviderID:   sel.Provider.ID,
		ModelID:      sel.Model.ID,
		TenantID:     req.Metadata.TenantID,
		LearnerID:    req.Metadata.LearnerID,
		UserID:       req.Metadata.UserID,
		UseCase:      req.UseCase,
		RequestID:    req.Metadata.RequestID,
		LatencyMs:    latency.Milliseconds(),
		FallbackUsed: attempt > 0,
		FallbackFrom: lastFailed,
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = dispatcherrors.NewTimeoutError(sel.Provider.ID, sel.Model.ID)
		}
		entry.Success = false
		entry.ErrorMessage = err.Error()
		e.meter.Record(ctx, entry)
		metrics.RecordAttempt(sel.Provider.ID, sel.Model.ID, "failure", latency)
		observability.RecordAttemptResult(span, 0, 0, 0, err)
		return nil, err
	}

	inputTokens := result.InputTokens
	if inputTokens <= 0 {
		inputTokens = usage.EstimateTokens(req.Prompt + req.SystemPrompt)
	}
	outputTokens := result.OutputTokens
	if outputTokens <= 0 {
		outputTokens = usage.EstimateTokens(result.Content)
	}
	per1kIn, per1kOut := usage.Rates(&sel.Provider, &sel.Model)
	cost := usage.Cost(inputTokens, outputTokens, per1kIn, per1kOut)

	entry.InputTokens = inputTokens
	entry.OutputTokens = outputTokens
	entry.Cost = cost

	if attemptBudget > 0 && cost > attemptBudget {
		rejected := &costRejectedError{cost: cost, limit: attemptBudget}
		entry.Success = false
		entry.ErrorMessage = rejected.Error()
		e.meter.Record(ctx, entry)
		metrics.RecordAttempt(sel.Provider.ID, sel.Model.ID, "cost_rejected", latency)
		observability.RecordAttemptResult(span, inputTokens, outputTokens, cost, rejected)
		return nil, rejected
	}

	entry.Success = true
	e.meter.Record(ctx, entry)
	metrics.RecordAttempt(sel.Provider.ID, sel.Model.ID, "success", latency)
	observability.RecordAttemptResult(span, inputTokens, outputTokens, cost, nil)

	e.limiter.Consume(sel.Provider.ID, int64(inputTokens+outputTokens))
	if err := e.budget.IncrementSpent(ctx, budgetID, cost); err != nil {
		e.logger.Error("budget update failed", "budget", budgetID, "error", err)
	}
	if attempt > 0 {
		metrics.FallbacksTotal.WithLabelValues(req.UseCase).Inc()
	}

	return &types.CompletionResponse{
		RequestID:    req.Metadata.RequestID,
		ProviderID:   sel.Provider.ID,
		ModelID:      sel.Model.ID,
		Content:      result.Content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		LatencyMs:    latency.Milliseconds(),
		FallbackUsed: attempt > 0,
	}, nil
}

// backoff returns min(base*2^attempt + jitter, 30s) with jitter uniform
// in [0, base*2^attempt*0.10].
func (e *Executor) backoff(base time.Duration, attempt int) time.Duration {
	scaled := float64(base) * math.Pow(2, float64(attempt))
	e.rngMu.Lock()
	jitter := e.rng.Float64() * scaled * 0.10
	e.rngMu.Unlock()
	delay := time.Duration(scaled + jitter)
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func toFailure(sel *selector.Selection, err error) types.AttemptFailure {
	var code string
	if _, ok := err.(*costRejectedError); ok {
		code = dispatcherrors.CodeBudgetExceeded
	} else {
		code = dispatcherrors.AsDispatchError(err).Code
	}
	return types.AttemptFailure{
		ProviderID: sel.Provider.ID,
		ModelID:    sel.Model.ID,
		Code:       code,
		Message:    err.Error(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package dispatch is the service facade tying the pipeline together:
// admission, budget precheck, experiment assignment, chain execution,
// and response screening.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/learnloop/aidispatch/internal/admission"
	"github.com/learnloop/aidispatch/internal/budget"
	"github.com/learnloop/aidispatch/internal/executor"
	"github.com/learnloop/aidispatch/internal/experiment"
	"github.com/learnloop/aidispatch/internal/guardrails"
	"github.com/learnloop/aidispatch/internal/observability"
	"github.com/learnloop/aidispatch/internal/registry"
	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/internal/usage"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

// Service orchestrates one completion request end to end.
type Service struct {
	registry   *registry.Registry
	admission  *admission.Controller
	budget     *budget.Tracker
	executor   *executor.Executor
	experiment *experiment.Assigner
	filter     guardrails.Filter
	store      store.Store
	logger     *slog.Logger
}

// NewService wires the dispatch pipeline.
func NewService(
	reg *registry.Registry,
	adm *admission.Controller,
	tracker *budget.Tracker,
	exec *executor.Executor,
	assigner *experiment.Assigner,
	filter guardrails.Filter,
	st store.Store,
	logger *slog.Logger,
) *Service {
	if filter == nil {
		filter = guardrails.NopFilter{}
	}
	return &Service{
		registry:   reg,
		admission:  adm,
		budget:     tracker,
		executor:   exec,
		experiment: assigner,
		filter:     filter,
		store:      st,
		logger:     logger,
	}
}

// Dispatch runs the full pipeline for one request. Admission and budget
// rejections return before any provider is contacted and write no usage
// records.
func (s *Service) Dispatch(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Metadata.RequestID == "" {
		req.Metadata.RequestID = observability.GenerateRequestID()
	}

	if err := s.filter.CheckPrompt(ctx, req.Prompt); err != nil {
		return nil, err
	}

	providers, err := s.registry.ActiveProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	decision, err := s.admission.Admit(ctx, req.Metadata.TenantID, providers)
	if err != nil {
		return nil, err
	}
	warnings := decision.Warnings

	scope := store.BudgetScope{TenantID: req.Metadata.TenantID, LearnerID: req.Metadata.LearnerID}
	budgetStatus, err := s.budget.Precheck(ctx, scope, estimateCost(req, decision.Providers))
	if err != nil {
		return nil, err
	}
	// All pre-flight gates passed; the call now counts against the
	// daily quota.
	s.admission.Record(ctx, req.Metadata.TenantID)

	budgetID := ""
	if budgetStatus.Budget != nil {
		budgetID = budgetStatus.Budget.ID
		if budgetStatus.AlertReached {
			warnings = append(warnings, fmt.Sprintf(
				"budget at %.1f%% of limit", budgetStatus.Budget.SpentAmount/budgetStatus.Budget.BudgetAmount*100))
		}
	}

	assignment, err := s.experiment.Assign(ctx, req.UseCase, req.Metadata.LearnerID)
	if err != nil {
		s.logger.Warn("experiment assignment failed", "use_case", req.UseCase, "error", err)
	}
	if assignment != nil && req.PreferredProvider == "" && req.PreferredModel == "" {
		req.PreferredProvider = assignment.ProviderID
		req.PreferredModel = assignment.ModelID
	}

	var chain *types.FallbackChain
	if len(req.FallbackProviders) > 0 {
		chain = chainFromRequest(req.FallbackProviders)
	} else {
		chain, err = s.store.GetChainForUseCase(ctx, req.UseCase)
		if errors.Is(err, store.ErrNotFound) {
			chain = nil
		} else if err != nil {
			return nil, fmt.Errorf("load chain: %w", err)
		}
	}

	resp, err := s.executor.Execute(ctx, req, &executor.Input{
		Candidates: decision.Providers,
		Chain:      chain,
		BudgetID:   budgetID,
	})
	if err != nil {
		s.logger.Error("dispatch failed",
			"use_case", req.UseCase,
			"tenant", req.Metadata.TenantID,
			"request_id", req.Metadata.RequestID,
			"error", err,
		)
		return nil, err
	}

	if err := s.filter.CheckResponse(ctx, resp.Content); err != nil {
		return nil, err
	}

	resp.Experiment = assignment
	resp.Warnings = warnings
	s.logger.Info("dispatch complete",
		"use_case", req.UseCase,
		"provider", resp.ProviderID,
		"model", resp.ModelID,
		"fallback", resp.FallbackUsed,
		"cost", resp.Cost,
		"latency_ms", resp.LatencyMs,
		"request_id", req.Metadata.RequestID,
	)
	return resp, nil
}

// estimateCost prices the prompt against the first admitted provider's
// rates for the hard-budget pre-flight. Output is priced at maxTokens
// when the caller set one; the real cost is accounted per attempt.
func estimateCost(req *types.CompletionRequest, providers []types.Provider) float64 {
	if len(providers) == 0 {
		return 0
	}
	p := providers[0]
	in := usage.EstimateTokens(req.Prompt + req.SystemPrompt)
	return usage.Cost(in, req.MaxTokens, p.CostPer1kInput, p.CostPer1kOutput)
}

// chainFromRequest builds an ad-hoc chain from a caller-supplied
// provider order. Retry and timeout knobs fall back to the executor
// defaults.
func chainFromRequest(providerIDs []string) *types.FallbackChain {
	entries := make([]types.ChainEntry, len(providerIDs))
	for i, id := range providerIDs {
		entries[i] = types.ChainEntry{ProviderID: id, Priority: i + 1}
	}
	return &types.FallbackChain{Entries: entries}
}

func validate(req *types.CompletionRequest) error {
	if req.UseCase == "" {
		return dispatcherrors.NewValidationError("useCase is required")
	}
	if req.Prompt == "" {
		return dispatcherrors.NewValidationError("prompt is required")
	}
	if req.Budget < 0 {
		return dispatcherrors.NewValidationError("budget must not be negative")
	}
	if req.MaxTokens < 0 {
		return dispatcherrors.NewValidationError("maxTokens must not be negative")
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return dispatcherrors.NewValidationError("maxRetries must not be negative")
	}
	return nil
}

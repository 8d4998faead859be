// Package api provides the HTTP surface of the dispatch gateway.
package api

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/learnloop/aidispatch/internal/dispatch"
	"github.com/learnloop/aidispatch/internal/experiment"
	"github.com/learnloop/aidispatch/internal/health"
	"github.com/learnloop/aidispatch/internal/registry"
	"github.com/learnloop/aidispatch/internal/store"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
)

// Handler carries the dependencies of all HTTP endpoints.
type Handler struct {
	service  *dispatch.Service
	store    store.Store
	registry *registry.Registry
	monitor  *health.Monitor
	assigner *experiment.Assigner
	logger   *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	svc *dispatch.Service,
	st store.Store,
	reg *registry.Registry,
	monitor *health.Monitor,
	assigner *experiment.Assigner,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		service:  svc,
		store:    st,
		registry: reg,
		monitor:  monitor,
		assigner: assigner,
		logger:   logger,
	}
}

// RegisterRoutes registers all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Dispatch
	mux.HandleFunc("POST /dispatch", h.Dispatch)
	mux.HandleFunc("POST /api/ai/completion", h.Completion)
	mux.HandleFunc("POST /api/ai/chat", h.Chat)
	mux.HandleFunc("POST /api/ai/embedding", h.Embedding)

	// Provider administration
	mux.HandleFunc("GET /api/admin/ai/providers", h.ListProviders)
	mux.HandleFunc("POST /api/admin/ai/providers", h.CreateProvider)
	mux.HandleFunc("GET /api/admin/ai/providers/{id}", h.GetProvider)
	mux.HandleFunc("PUT /api/admin/ai/providers/{id}", h.UpdateProvider)
	mux.HandleFunc("DELETE /api/admin/ai/providers/{id}", h.DeleteProvider)

	// Model administration
	mux.HandleFunc("GET /api/admin/ai/models", h.ListModels)
	mux.HandleFunc("POST /api/admin/ai/models", h.CreateModel)
	mux.HandleFunc("GET /api/admin/ai/models/{id}", h.GetModel)
	mux.HandleFunc("PUT /api/admin/ai/models/{id}", h.UpdateModel)
	mux.HandleFunc("DELETE /api/admin/ai/models/{id}", h.DeleteModel)

	// Fallback chain administration
	mux.HandleFunc("GET /api/admin/ai/fallback-chains", h.ListChains)
	mux.HandleFunc("POST /api/admin/ai/fallback-chains", h.CreateChain)
	mux.HandleFunc("GET /api/admin/ai/fallback-chains/{id}", h.GetChain)
	mux.HandleFunc("PUT /api/admin/ai/fallback-chains/{id}", h.UpdateChain)
	mux.HandleFunc("DELETE /api/admin/ai/fallback-chains/{id}", h.DeleteChain)

	// Budgets and tenant limits
	mux.HandleFunc("GET /api/admin/ai/budgets", h.ListBudgets)
	mux.HandleFunc("POST /api/admin/ai/budgets", h.CreateBudget)
	mux.HandleFunc("GET /api/admin/ai/tenants/{id}/limits", h.GetTenantLimits)
	mux.HandleFunc("PUT /api/admin/ai/tenants/{id}/limits", h.PutTenantLimits)

	// Experiments
	mux.HandleFunc("GET /api/admin/ai/experiments", h.ListExperiments)
	mux.HandleFunc("POST /api/admin/ai/experiments", h.CreateExperiment)
	mux.HandleFunc("GET /api/admin/ai/experiments/{id}", h.GetExperiment)
	mux.HandleFunc("PUT /api/admin/ai/experiments/{id}", h.UpdateExperiment)
	mux.HandleFunc("DELETE /api/admin/ai/experiments/{id}", h.DeleteExperiment)
	mux.HandleFunc("GET /api/admin/ai/experiments/{id}/results", h.ExperimentResults)

	// Analytics
	mux.HandleFunc("GET /api/admin/ai/usage", h.Usage)
	mux.HandleFunc("GET /api/admin/ai/costs", h.Costs)
	mux.HandleFunc("GET /api/admin/ai/health", h.ProviderHealth)
	mux.HandleFunc("POST /api/admin/ai/health/check", h.HealthCheck)

	// Liveness
	mux.HandleFunc("GET /health", h.Liveness)
}

// errorResponse is the error envelope for all endpoints.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string                        `json:"code"`
	Message  string                        `json:"message"`
	Attempts []dispatcherrors.AttemptError `json:"attempts,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	de := dispatcherrors.AsDispatchError(err)
	h.writeJSON(w, de.HTTPStatusCode(), errorResponse{Error: errorDetail{
		Code:     de.Code,
		Message:  de.Message,
		Attempts: de.Attempts,
	}})
}

// decode reads a JSON body, rejecting malformed payloads as validation
// errors.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dispatcherrors.NewValidationError("malformed JSON body: " + err.Error())
	}
	return nil
}

// Liveness reports process health.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

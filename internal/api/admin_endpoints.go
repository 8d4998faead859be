package api

import (
	"errors"
	"net/http"

	"github.com/learnloop/aidispatch/internal/store"
	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: errorDetail{
			Code: "NOT_FOUND", Message: "resource not found",
		}})
		return
	}
	h.logger.Error("store operation failed", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorDetail{
		Code: "INTERNAL", Message: "internal error",
	}})
}

// --- Providers ---

func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, providers)
}

func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var p types.Provider
	if err := decode(r, &p); err != nil {
		h.writeError(w, err)
		return
	}
	if !p.Vendor.Valid() {
		h.writeError(w, dispatcherrors.NewValidationError("unknown vendor: "+string(p.Vendor)))
		return
	}
	if err := h.store.CreateProvider(r.Context(), &p); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.registry.Invalidate()
	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	var p types.Provider
	if err := decode(r, &p); err != nil {
		h.writeError(w, err)
		return
	}
	p.ID = r.PathValue("id")
	if !p.Vendor.Valid() {
		h.writeError(w, dispatcherrors.NewValidationError("unknown vendor: "+string(p.Vendor)))
		return
	}
	if err := h.store.UpdateProvider(r.Context(), &p); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.registry.Invalidate()
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteProvider(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.registry.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// --- Models ---

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	if providerID := r.URL.Query().Get("providerId"); providerID != "" {
		models, err := h.store.ListModelsByProvider(r.Context(), providerID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, models)
		return
	}
	models, err := h.store.ListModels(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, models)
}

func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetModel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	var m types.Model
	if err := decode(r, &m); err != nil {
		h.writeError(w, err)
		return
	}
	if m.ProviderID == "" || m.ModelID == "" {
		h.writeError(w, dispatcherrors.NewValidationError("providerId and modelId are required"))
		return
	}
	if _, err := h.store.GetProvider(r.Context(), m.ProviderID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	if err := h.store.CreateModel(r.Context(), &m); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.registry.Invalidate()
	h.writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) UpdateModel(w http.ResponseWriter, r *http.Request) {
	var m types.Model
	if err := decode(r, &m); err != nil {
		h.writeError(w, err)
		return
	}
	m.ID = r.PathValue("id")
	if err := h.store.UpdateModel(r.Context(), &m); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.registry.Invalidate()
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteModel(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.registry.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// --- Fallback chains ---

func validateChain(c *types.FallbackChain) error {
	if c.UseCase == "" {
		return dispatcherrors.NewValidationError("useCase is required")
	}
	if len(c.Entries) == 0 {
		return dispatcherrors.NewValidationError("entries must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Entries))
	for _, e := range c.Entries {
		if e.ProviderID == "" {
			return dispatcherrors.NewValidationError("chain entry providerId is required")
		}
		if _, dup := seen[e.ProviderID]; dup {
			return dispatcherrors.NewValidationError("duplicate provider in chain: " + e.ProviderID)
		}
		seen[e.ProviderID] = struct{}{}
	}
	return nil
}

func (h *Handler) ListChains(w http.ResponseWriter, r *http.Request) {
	chains, err := h.store.ListChains(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chains)
}

func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetChain(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CreateChain(w http.ResponseWriter, r *http.Request) {
	var c types.FallbackChain
	if err := decode(r, &c); err != nil {
		h.writeError(w, err)
		return
	}
	if err := validateChain(&c); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.CreateChain(r.Context(), &c); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) UpdateChain(w http.ResponseWriter, r *http.Request) {
	var c types.FallbackChain
	if err := decode(r, &c); err != nil {
		h.writeError(w, err)
		return
	}
	c.ID = r.PathValue("id")
	if err := validateChain(&c); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.UpdateChain(r.Context(), &c); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) DeleteChain(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteChain(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Budgets and tenant limits ---

func (h *Handler) ListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := h.store.ListBudgets(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, budgets)
}

func (h *Handler) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var b types.Budget
	if err := decode(r, &b); err != nil {
		h.writeError(w, err)
		return
	}
	if b.TenantID == "" && b.LearnerID == "" {
		h.writeError(w, dispatcherrors.NewValidationError("budget requires a tenantId or learnerId scope"))
		return
	}
	if b.BudgetAmount <= 0 {
		h.writeError(w, dispatcherrors.NewValidationError("budgetAmount must be positive"))
		return
	}
	if err := h.store.CreateBudget(r.Context(), &b); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) GetTenantLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := h.store.GetTenantLimits(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, limits)
}

func (h *Handler) PutTenantLimits(w http.ResponseWriter, r *http.Request) {
	var limits types.TenantLimits
	if err := decode(r, &limits); err != nil {
		h.writeError(w, err)
		return
	}
	limits.TenantID = r.PathValue("id")
	if err := h.store.PutTenantLimits(r.Context(), &limits); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, limits)
}

// --- Experiments ---

func validateExperiment(e *types.Experiment) error {
	if e.UseCase == "" {
		return dispatcherrors.NewValidationError("useCase is required")
	}
	if e.TrafficPercent < 0 || e.TrafficPercent > 100 {
		return dispatcherrors.NewValidationError("trafficPercent must be in [0,100]")
	}
	if len(e.Variants) == 0 {
		return dispatcherrors.NewValidationError("variants must not be empty")
	}
	return nil
}

func (h *Handler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	experiments, err := h.store.ListExperiments(r.Context())
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, experiments)
}

func (h *Handler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.GetExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

func (h *Handler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var e types.Experiment
	if err := decode(r, &e); err != nil {
		h.writeError(w, err)
		return
	}
	if err := validateExperiment(&e); err != nil {
		h.writeError(w, err)
		return
	}
	if e.Status == "" {
		e.Status = types.ExperimentActive
	}
	if err := h.store.CreateExperiment(r.Context(), &e); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) UpdateExperiment(w http.ResponseWriter, r *http.Request) {
	var e types.Experiment
	if err := decode(r, &e); err != nil {
		h.writeError(w, err)
		return
	}
	e.ID = r.PathValue("id")
	if err := validateExperiment(&e); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.UpdateExperiment(r.Context(), &e); err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, e)
}

func (h *Handler) DeleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteExperiment(r.Context(), r.PathValue("id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// experimentResults pairs each variant with its assignment tally.
type experimentResults struct {
	Experiment *types.Experiment `json:"experiment"`
	Counts     map[string]int64  `json:"assignmentCounts"`
}

func (h *Handler) ExperimentResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := h.store.GetExperiment(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, experimentResults{
		Experiment: e,
		Counts:     h.assigner.Counts(id),
	})
}

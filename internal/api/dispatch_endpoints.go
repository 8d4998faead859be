package api

import (
	"net/http"
	"strings"

	dispatcherrors "github.com/learnloop/aidispatch/pkg/errors"
	"github.com/learnloop/aidispatch/pkg/types"
)

// legacyDispatchRequest is the pre-unified request shape still accepted
// on POST /dispatch.
type legacyDispatchRequest struct {
	Prompt     string                `json:"prompt"`
	System     string                `json:"system,omitempty"`
	Config     *legacyDispatchConfig `json:"config,omitempty"`
	LearnerID  string                `json:"learnerId,omitempty"`
	TenantID   string                `json:"tenantId,omitempty"`
	SelProfile string                `json:"selProfile,omitempty"`
}

type legacyDispatchConfig struct {
	Primary   string   `json:"primary,omitempty"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

type legacyDispatchResponse struct {
	Provider  string `json:"provider"`
	Content   string `json:"content"`
	RequestID string `json:"requestId"`
}

// Dispatch handles the legacy facade: config.primary maps onto the
// preferred provider, config.fallbacks onto the chain order, selProfile
// onto the use-case ("general" when absent). Chain failures surface as
// plain 500s; admission rejections keep their 403/429 statuses.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var legacy legacyDispatchRequest
	if err := decode(r, &legacy); err != nil {
		h.writeError(w, err)
		return
	}

	req := &types.CompletionRequest{
		UseCase:      legacy.SelProfile,
		Prompt:       legacy.Prompt,
		SystemPrompt: legacy.System,
		Metadata: types.RequestMetadata{
			TenantID:  legacy.TenantID,
			LearnerID: legacy.LearnerID,
		},
	}
	if req.UseCase == "" {
		req.UseCase = "general"
	}
	if legacy.Config != nil {
		req.PreferredProvider = legacy.Config.Primary
		req.FallbackProviders = legacy.Config.Fallbacks
	}

	resp, err := h.service.Dispatch(r.Context(), req)
	if err != nil {
		h.writeLegacyError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, legacyDispatchResponse{
		Provider:  resp.ProviderID,
		Content:   resp.Content,
		RequestID: resp.RequestID,
	})
}

// writeLegacyError keeps the old facade's status contract: exhausted or
// empty chains were 500s there, not 502/503.
func (h *Handler) writeLegacyError(w http.ResponseWriter, err error) {
	de := dispatcherrors.AsDispatchError(err)
	switch de.Code {
	case dispatcherrors.CodeAllFailed, dispatcherrors.CodeNoProvider, dispatcherrors.CodeProviderError:
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorDetail{
			Code:    de.Code,
			Message: de.Message,
		}})
	default:
		h.writeError(w, err)
	}
}

// Completion handles POST /api/ai/completion.
func (h *Handler) Completion(w http.ResponseWriter, r *http.Request) {
	h.completion(w, r, "")
}

func (h *Handler) completion(w http.ResponseWriter, r *http.Request, defaultUseCase string) {
	var req types.CompletionRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.UseCase == "" {
		req.UseCase = defaultUseCase
	}
	resp, err := h.service.Dispatch(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// chatRequest is the message-list shape accepted by the chat endpoint.
type chatRequest struct {
	UseCase           string                `json:"useCase"`
	Messages          []chatRequestMessage  `json:"messages"`
	PreferredProvider string                `json:"preferredProvider,omitempty"`
	PreferredModel    string                `json:"preferredModel,omitempty"`
	QualityTier       types.QualityTier     `json:"qualityTier,omitempty"`
	MaxRetries        *int                  `json:"maxRetries,omitempty"`
	Budget            float64               `json:"budget,omitempty"`
	MaxTokens         int                   `json:"maxTokens,omitempty"`
	Temperature       float64               `json:"temperature,omitempty"`
	Metadata          types.RequestMetadata `json:"metadata"`
}

type chatRequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat handles POST /api/ai/chat. System messages become the system
// prompt; the remaining messages are flattened into a single prompt in
// order.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, dispatcherrors.NewValidationError("messages must not be empty"))
		return
	}

	var system, prompt strings.Builder
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		if prompt.Len() > 0 {
			prompt.WriteString("\n")
		}
		prompt.WriteString(m.Role + ": " + m.Content)
	}

	resp, err := h.service.Dispatch(r.Context(), &types.CompletionRequest{
		UseCase:           req.UseCase,
		Prompt:            prompt.String(),
		SystemPrompt:      system.String(),
		PreferredProvider: req.PreferredProvider,
		PreferredModel:    req.PreferredModel,
		QualityTier:       req.QualityTier,
		MaxRetries:        req.MaxRetries,
		Budget:            req.Budget,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// embeddingRequest is the input shape accepted by the embedding
// endpoint.
type embeddingRequest struct {
	UseCase           string                `json:"useCase"`
	Input             string                `json:"input"`
	PreferredProvider string                `json:"preferredProvider,omitempty"`
	PreferredModel    string                `json:"preferredModel,omitempty"`
	Metadata          types.RequestMetadata `json:"metadata"`
}

// Embedding handles POST /api/ai/embedding by dispatching the input
// through the same pipeline under the "embedding" use-case.
func (h *Handler) Embedding(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	useCase := req.UseCase
	if useCase == "" {
		useCase = "embedding"
	}
	resp, err := h.service.Dispatch(r.Context(), &types.CompletionRequest{
		UseCase:           useCase,
		Prompt:            req.Input,
		PreferredProvider: req.PreferredProvider,
		PreferredModel:    req.PreferredModel,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

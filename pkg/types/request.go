package types

// RequestMetadata carries caller identity for admission, budgets, and
// usage attribution.
type RequestMetadata struct {
	TenantID  string `json:"tenantId,omitempty"`
	LearnerID string `json:"learnerId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// CompletionRequest is the unified dispatch request accepted by the
// completion, chat, and embedding endpoints.
type CompletionRequest struct {
	UseCase           string          `json:"useCase"`
	Prompt            string          `json:"prompt"`
	SystemPrompt      string          `json:"system,omitempty"`
	PreferredProvider string          `json:"preferredProvider,omitempty"`
	PreferredModel    string          `json:"preferredModel,omitempty"`
	// FallbackProviders, when set, overrides the configured chain order
	// for this request.
	FallbackProviders []string        `json:"fallbackProviders,omitempty"`
	QualityTier       QualityTier     `json:"qualityTier,omitempty"`
	MaxRetries        *int            `json:"maxRetries,omitempty"`
	Budget            float64         `json:"budget,omitempty"`
	MaxTokens         int             `json:"maxTokens,omitempty"`
	Temperature       float64         `json:"temperature,omitempty"`
	Metadata          RequestMetadata `json:"metadata"`
}

// AttemptFailure records one failed or abandoned attempt in a chain.
type AttemptFailure struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// CompletionResponse is the unified dispatch response.
type CompletionResponse struct {
	RequestID     string           `json:"requestId"`
	ProviderID    string           `json:"providerId"`
	ModelID       string           `json:"modelId"`
	Content       string           `json:"content"`
	InputTokens   int              `json:"inputTokens"`
	OutputTokens  int              `json:"outputTokens"`
	Cost          float64          `json:"cost"`
	LatencyMs     int64            `json:"latencyMs"`
	FallbackUsed  bool             `json:"fallbackUsed"`
	FallbackChain []string         `json:"fallbackChain,omitempty"`
	Experiment    *Assignment      `json:"experiment,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	Failures      []AttemptFailure `json:"failures,omitempty"`
}

package types

// ExperimentStatus is the lifecycle state of an A/B experiment.
type ExperimentStatus string

const (
	ExperimentActive    ExperimentStatus = "ACTIVE"
	ExperimentPaused    ExperimentStatus = "PAUSED"
	ExperimentCompleted ExperimentStatus = "COMPLETED"
)

// Variant is one weighted alternative configuration in an experiment.
// ProviderID and ModelID override the default selection when assigned.
type Variant struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ProviderID    string  `json:"providerId,omitempty"`
	ModelID       string  `json:"modelId,omitempty"`
	TrafficWeight float64 `json:"trafficWeight"`
}

// Experiment is a use-case-scoped A/B traffic split.
type Experiment struct {
	ID             string           `json:"id"`
	UseCase        string           `json:"useCase"`
	TrafficPercent float64          `json:"trafficPercent"`
	Variants       []Variant        `json:"variants"`
	Status         ExperimentStatus `json:"status"`
}

// Assignment is the outcome of variant selection for one request.
type Assignment struct {
	ExperimentID string `json:"experimentId"`
	VariantID    string `json:"variantId"`
	VariantName  string `json:"variantName"`
	ProviderID   string `json:"providerId,omitempty"`
	ModelID      string `json:"modelId,omitempty"`
}

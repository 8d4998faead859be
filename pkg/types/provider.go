// Package types defines the public data model for the AI dispatch gateway:
// providers, models, fallback chains, budgets, usage records, experiments,
// and tenant limits.
package types

import "time"

// Vendor identifies a supported AI provider vendor.
type Vendor string

// Supported vendor types. The gateway is agnostic to vendor wire
// protocols; the vendor type only selects a client implementation.
const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGoogle    Vendor = "google"
	VendorGroq      Vendor = "groq"
	VendorMistral   Vendor = "mistral"
	VendorAzure     Vendor = "azure"
	VendorBedrock   Vendor = "bedrock"
	VendorOllama    Vendor = "ollama"
)

// KnownVendors lists every vendor type the gateway accepts.
var KnownVendors = []Vendor{
	VendorOpenAI, VendorAnthropic, VendorGoogle, VendorGroq,
	VendorMistral, VendorAzure, VendorBedrock, VendorOllama,
}

// Valid reports whether v is a known vendor type.
func (v Vendor) Valid() bool {
	for _, k := range KnownVendors {
		if v == k {
			return true
		}
	}
	return false
}

// HealthStatus is the coarse health classification of a provider.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// Provider is a configured AI vendor endpoint.
type Provider struct {
	ID               string            `json:"id"`
	Vendor           Vendor            `json:"vendor"`
	Name             string            `json:"name"`
	Priority         int               `json:"priority"`
	RateLimitRPM     int64             `json:"rateLimitRpm,omitempty"`
	RateLimitTPM     int64             `json:"rateLimitTpm,omitempty"`
	CostPer1kInput   float64           `json:"costPer1kInput"`
	CostPer1kOutput  float64           `json:"costPer1kOutput"`
	Active           bool              `json:"active"`
	Health           HealthStatus      `json:"health,omitempty"`
	ConnectionConfig map[string]string `json:"connectionConfig,omitempty"`
	CreatedAt        time.Time         `json:"createdAt,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt,omitempty"`
}

// QualityTier is the coarse cost/capability classification of a model.
type QualityTier string

const (
	TierEconomy  QualityTier = "ECONOMY"
	TierStandard QualityTier = "STANDARD"
	TierPremium  QualityTier = "PREMIUM"
)

// Model is a specific model offering under a provider.
type Model struct {
	ID              string      `json:"id"`
	ProviderID      string      `json:"providerId"`
	ModelID         string      `json:"modelId"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	MaxTokens       int         `json:"maxTokens"`
	ContextWindow   int         `json:"contextWindow"`
	CostPer1kInput  float64     `json:"costPer1kInput"`
	CostPer1kOutput float64     `json:"costPer1kOutput"`
	UseCases        []string    `json:"useCases,omitempty"`
	Tier            QualityTier `json:"tier"`
	IsDefault       bool        `json:"isDefault"`
	Active          bool        `json:"active"`
}

// HasCapability reports whether the model carries the given capability tag.
func (m *Model) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ServesUseCase reports whether the model is configured for the use-case.
func (m *Model) ServesUseCase(useCase string) bool {
	for _, u := range m.UseCases {
		if u == useCase {
			return true
		}
	}
	return false
}

// ChainEntry is one ordered provider entry in a fallback chain.
type ChainEntry struct {
	ProviderID    string `json:"providerId"`
	Priority      int    `json:"priority"`
	ModelOverride string `json:"modelOverride,omitempty"`
}

// FallbackChain is an ordered, use-case-scoped list of providers tried in
// sequence until one succeeds or the list is exhausted. Provider entries
// are unique within a chain.
type FallbackChain struct {
	ID               string       `json:"id"`
	UseCase          string       `json:"useCase"`
	Entries          []ChainEntry `json:"entries"`
	MaxRetries       int          `json:"maxRetries"`
	RetryDelayMsBase int64        `json:"retryDelayMsBase"`
	TimeoutMs        int64        `json:"timeoutMs"`
	BudgetLimit      float64      `json:"budgetLimit,omitempty"`
	IsDefault        bool         `json:"isDefault"`
}

package types

import "time"

// BudgetPeriod is the rollover period of a spend budget.
type BudgetPeriod string

const (
	PeriodDaily     BudgetPeriod = "DAILY"
	PeriodWeekly    BudgetPeriod = "WEEKLY"
	PeriodMonthly   BudgetPeriod = "MONTHLY"
	PeriodQuarterly BudgetPeriod = "QUARTERLY"
	PeriodYearly    BudgetPeriod = "YEARLY"
)

// Budget is a spend ceiling scoped to a tenant or learner over a period.
// SpentAmount only increases; period rollover resets are performed by the
// persistence layer, not the gateway.
type Budget struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenantId,omitempty"`
	LearnerID      string       `json:"learnerId,omitempty"`
	Period         BudgetPeriod `json:"period"`
	BudgetAmount   float64      `json:"budgetAmount"`
	SpentAmount    float64      `json:"spentAmount"`
	AlertThreshold float64      `json:"alertThreshold"`
	HardLimit      bool         `json:"hardLimit"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
}

// Remaining returns the unspent budget amount, never negative.
func (b *Budget) Remaining() float64 {
	r := b.BudgetAmount - b.SpentAmount
	if r < 0 {
		return 0
	}
	return r
}

// AlertReached reports whether spend has crossed the alert threshold.
// AlertThreshold is a fraction of BudgetAmount (e.g. 0.8).
func (b *Budget) AlertReached() bool {
	if b.BudgetAmount <= 0 || b.AlertThreshold <= 0 {
		return false
	}
	return b.SpentAmount >= b.BudgetAmount*b.AlertThreshold
}

// TenantLimits holds per-tenant admission controls. Nil slices mean no
// allow/block list; a zero MaxDailyLLMCalls means no daily quota.
type TenantLimits struct {
	TenantID         string   `json:"tenantId"`
	AllowedProviders []string `json:"allowedProviders,omitempty"`
	BlockedProviders []string `json:"blockedProviders,omitempty"`
	MaxDailyLLMCalls int64    `json:"maxDailyLlmCalls,omitempty"`
}

// UsageLogEntry is an append-only record of a single provider attempt.
// Entries are immutable once written and form the audit trail for cost
// and health analytics.
type UsageLogEntry struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"providerId"`
	ModelID      string    `json:"modelId"`
	TenantID     string    `json:"tenantId,omitempty"`
	LearnerID    string    `json:"learnerId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	UseCase      string    `json:"useCase"`
	RequestID    string    `json:"requestId"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latencyMs"`
	Success      bool      `json:"success"`
	FallbackUsed bool      `json:"fallbackUsed"`
	FallbackFrom string    `json:"fallbackFrom,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HealthLogEntry records the outcome of a single provider health probe.
type HealthLogEntry struct {
	ID         string       `json:"id"`
	ProviderID string       `json:"providerId"`
	Status     HealthStatus `json:"status"`
	LatencyMs  int64        `json:"latencyMs"`
	Error      string       `json:"error,omitempty"`
	CheckedAt  time.Time    `json:"checkedAt"`
}

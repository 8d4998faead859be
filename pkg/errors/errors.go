// Package errors defines unified error types for dispatch gateway
// operations. Provider failures, admission rejections, and budget
// rejections are all mapped to these standard types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes surfaced to callers.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNoProvidersAllowed = "NO_PROVIDERS_ALLOWED"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeBudgetExceeded     = "BUDGET_EXCEEDED"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNoProvider         = "NO_PROVIDER"
	CodeAllFailed          = "ALL_PROVIDERS_FAILED"
)

// AttemptError is one entry of the per-attempt trace carried by an
// ALL_PROVIDERS_FAILED error.
type AttemptError struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// DispatchError is a standardized error from the dispatch pipeline.
// It contains all information needed for error handling, logging, and
// the client response.
type DispatchError struct {
	StatusCode int            `json:"status_code"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	ProviderID string         `json:"provider_id,omitempty"`
	ModelID    string         `json:"model_id,omitempty"`
	Retryable  bool           `json:"-"`
	Attempts   []AttemptError `json:"attempts,omitempty"`
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.ProviderID != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)",
			e.Code, e.Message, e.ProviderID, e.ModelID)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// HTTPStatusCode returns the HTTP status code for the error.
func (e *DispatchError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// NewValidationError creates a malformed-request error (400).
func NewValidationError(message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidation,
		Message:    message,
		Retryable:  false,
	}
}

// NewNoProvidersAllowedError creates an admission rejection (403) for a
// tenant whose effective provider list is empty.
func NewNoProvidersAllowedError(tenantID string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusForbidden,
		Code:       CodeNoProvidersAllowed,
		Message:    fmt.Sprintf("no providers allowed for tenant %s", tenantID),
		Retryable:  false,
	}
}

// NewQuotaExceededError creates an admission rejection (429) for a tenant
// at or above its daily call quota.
func NewQuotaExceededError(tenantID string, used, limit int64) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeQuotaExceeded,
		Message:    fmt.Sprintf("daily LLM call quota exceeded for tenant %s (%d/%d)", tenantID, used, limit),
		Retryable:  false,
	}
}

// NewBudgetExceededError creates a pre-flight hard-limit rejection (402).
func NewBudgetExceededError(scope string, spent, limit float64) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusPaymentRequired,
		Code:       CodeBudgetExceeded,
		Message:    fmt.Sprintf("budget exhausted for %s (spent %.4f of %.4f)", scope, spent, limit),
		Retryable:  false,
	}
}

// NewProviderError creates a retryable provider failure (502).
func NewProviderError(providerID, modelID, message string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderError,
		Message:    message,
		ProviderID: providerID,
		ModelID:    modelID,
		Retryable:  IsRetryableMessage(message),
	}
}

// NewTimeoutError creates a retryable per-attempt timeout error (408).
func NewTimeoutError(providerID, modelID string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusRequestTimeout,
		Code:       CodeProviderError,
		Message:    "Request timeout",
		ProviderID: providerID,
		ModelID:    modelID,
		Retryable:  true,
	}
}

// NewRateLimitedError marks a provider skipped for rate limiting. It is
// only surfaced when the skipped provider was the last candidate.
func NewRateLimitedError(providerID string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("provider %s is rate limited", providerID),
		ProviderID: providerID,
		Retryable:  true,
	}
}

// NewNoProviderError creates a terminal no-candidate error (503).
func NewNoProviderError(useCase string) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeNoProvider,
		Message:    fmt.Sprintf("no provider available for use case %s", useCase),
		Retryable:  false,
	}
}

// NewAllFailedError creates the terminal exhausted-chain error (502)
// carrying the full per-attempt trace.
func NewAllFailedError(useCase string, attempts []AttemptError) *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusBadGateway,
		Code:       CodeAllFailed,
		Message:    fmt.Sprintf("all providers failed for use case %s (%d attempts)", useCase, len(attempts)),
		Retryable:  false,
		Attempts:   attempts,
	}
}

// retryableFragments are the error-message substrings that classify a
// provider failure as retryable.
var retryableFragments = []string{
	"rate limit", "timeout", "network", "503", "502", "500", "overloaded",
}

// IsRetryableMessage reports whether an error message indicates a
// transient provider failure worth retrying on another attempt.
func IsRetryableMessage(message string) bool {
	m := strings.ToLower(message)
	for _, frag := range retryableFragments {
		if strings.Contains(m, frag) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err should trigger a backed-off retry.
// Non-DispatchError values fall back to message classification.
func IsRetryable(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable
	}
	if err == nil {
		return false
	}
	return IsRetryableMessage(err.Error())
}

// AsDispatchError extracts a *DispatchError from err, wrapping unknown
// errors as non-retryable internal provider errors.
func AsDispatchError(err error) *DispatchError {
	var de *DispatchError
	if errors.As(err, &de) {
		return de
	}
	return &DispatchError{
		StatusCode: http.StatusInternalServerError,
		Code:       CodeProviderError,
		Message:    err.Error(),
		Retryable:  IsRetryableMessage(err.Error()),
	}
}

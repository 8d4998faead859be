package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryableMessage(t *testing.T) {
	retryable := []string{
		"rate limit exceeded",
		"Request timeout",
		"network unreachable",
		"upstream returned 503",
		"got 502 from gateway",
		"internal 500",
		"model overloaded, try later",
	}
	for _, msg := range retryable {
		require.True(t, IsRetryableMessage(msg), "expected retryable: %q", msg)
	}

	notRetryable := []string{
		"invalid api key",
		"content policy violation",
		"model not found",
	}
	for _, msg := range notRetryable {
		require.False(t, IsRetryableMessage(msg), "expected non-retryable: %q", msg)
	}
}

func TestDispatchErrorHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusForbidden, NewNoProvidersAllowedError("t1").HTTPStatusCode())
	require.Equal(t, http.StatusTooManyRequests, NewQuotaExceededError("t1", 100, 100).HTTPStatusCode())
	require.Equal(t, http.StatusPaymentRequired, NewBudgetExceededError("tenant t1", 10, 10).HTTPStatusCode())
	require.Equal(t, http.StatusServiceUnavailable, NewNoProviderError("tutoring").HTTPStatusCode())

	zero := &DispatchError{Code: CodeProviderError, Message: "boom"}
	require.Equal(t, http.StatusInternalServerError, zero.HTTPStatusCode())
}

func TestTimeoutErrorIsRetryable(t *testing.T) {
	err := NewTimeoutError("openai", "gpt-4o")
	require.True(t, err.Retryable)
	require.Equal(t, "Request timeout", err.Message)
	require.True(t, IsRetryable(err))
}

func TestAsDispatchErrorWrapsUnknown(t *testing.T) {
	err := fmt.Errorf("connection reset: network error")
	de := AsDispatchError(err)
	require.Equal(t, CodeProviderError, de.Code)
	require.True(t, de.Retryable)

	wrapped := fmt.Errorf("outer: %w", NewNoProviderError("chat"))
	de = AsDispatchError(wrapped)
	require.Equal(t, CodeNoProvider, de.Code)
}

func TestAllFailedCarriesAttempts(t *testing.T) {
	attempts := []AttemptError{
		{ProviderID: "openai", Code: CodeProviderError, Message: "timeout"},
		{ProviderID: "anthropic", Code: CodeProviderError, Message: "503"},
	}
	err := NewAllFailedError("tutoring", attempts)
	require.Len(t, err.Attempts, 2)
	require.False(t, err.Retryable)
	require.Contains(t, err.Error(), "ALL_PROVIDERS_FAILED")
}

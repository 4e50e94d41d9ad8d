package resilience

import (
	"errors"
	"net/http"

	"github.com/abdhe/llm-ensemble/pkg/provider"
)

// IsRetryable reports whether err is a provider 429 or 5xx response,
// the only failures worth retrying and counting against a circuit breaker.
func IsRetryable(err error) bool {
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}

// IsRateLimited reports whether err is a provider 429 response.
func IsRateLimited(err error) bool {
	var apiErr *provider.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

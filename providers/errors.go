package providers

import (
	"net/http"
	"strings"

	"github.com/oxbow-labs/sessiongate/llm"
)

// MapUpstreamError turns a provider HTTP response into the gateway's typed
// error taxonomy. Shared by every consumer-chat adapter so that a 401 from
// GLM, Qwen, or Kimi surfaces the same way to the caller.
func MapUpstreamError(status int, msg string, provider string) *llm.Error {
	switch status {
	case http.StatusUnauthorized:
		return llm.NewError(llm.ErrUnauthorized, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return llm.NewError(llm.ErrForbidden, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return llm.NewError(llm.ErrRateLimited, msg).WithHTTPStatus(status).WithProvider(provider).WithRetryable(true)
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "balance") {
			return llm.NewError(llm.ErrQuotaExceeded, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return llm.NewError(llm.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	case 529:
		return llm.NewError(llm.ErrModelOverloaded, msg).WithHTTPStatus(status).WithProvider(provider).WithRetryable(true)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return llm.NewError(llm.ErrUpstreamError, msg).WithHTTPStatus(status).WithProvider(provider).WithRetryable(true)
	default:
		return llm.NewError(llm.ErrUpstreamError, msg).WithHTTPStatus(status).WithProvider(provider).WithRetryable(status >= 500)
	}
}

// AuthenticationFailed wraps the absence or rejection of session
// credentials — distinct from MapUpstreamError's 401/403 handling, which
// assumes a request was actually sent.
func AuthenticationFailed(provider, reason string) *llm.Error {
	return llm.NewError(llm.ErrUnauthorized, reason).WithProvider(provider)
}

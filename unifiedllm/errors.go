package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
	Raw        map[string]any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

func (e *ProviderError) retryable() bool { return e.Retryable }

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type StreamErrorType struct{ SDKError }
type InvalidToolCallError struct{ SDKError }
type ConfigurationError struct{ SDKError }

func (*AuthenticationError) retryable() bool  { return false }
func (*AccessDeniedError) retryable() bool    { return false }
func (*NotFoundError) retryable() bool        { return false }
func (*InvalidRequestError) retryable() bool  { return false }
func (*ContentFilterError) retryable() bool   { return false }
func (*ContextLengthError) retryable() bool   { return false }
func (*QuotaExceededError) retryable() bool   { return false }
func (*RateLimitError) retryable() bool       { return true }
func (*ServerError) retryable() bool          { return true }
func (*RequestTimeoutError) retryable() bool  { return true }
func (*NetworkError) retryable() bool         { return true }
func (*StreamErrorType) retryable() bool      { return true }
func (*AbortError) retryable() bool           { return false }
func (*InvalidToolCallError) retryable() bool { return false }
func (*ConfigurationError) retryable() bool   { return false }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, raw map[string]any, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is safe to retry. It looks through wrapped
// errors; cancellation is never retryable and unclassified errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r interface{ retryable() bool }
	if errors.As(err, &r) {
		return r.retryable()
	}
	return true
}

// providerHTTPError builds the typed error for a failed provider HTTP call.
// A 400 whose message names the context window becomes a ContextLengthError.
func providerHTTPError(provider string, status int, message, code string, retryAfter *float64, raw map[string]any) error {
	if message == "" {
		message = fmt.Sprintf("%s request failed", provider)
	}
	err := ErrorFromStatusCode(status, message, provider, code, raw, retryAfter)
	if ir, ok := err.(*InvalidRequestError); ok {
		lower := strings.ToLower(message + " " + code)
		for _, hint := range []string{"context_length", "context length", "prompt is too long", "maximum context"} {
			if strings.Contains(lower, hint) {
				return &ContextLengthError{ProviderError: ir.ProviderError}
			}
		}
	}
	return err
}

// transportError classifies an error that never produced an HTTP response.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &NetworkError{SDKError: SDKError{Message: provider + " request failed", Cause: err}}
}

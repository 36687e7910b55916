package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures.
type ProviderErrorKind string

const (
	ProviderErrorKindAuth           ProviderErrorKind = "auth"
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	ProviderErrorKindRateLimited    ProviderErrorKind = "rate_limited"
	ProviderErrorKindUnavailable    ProviderErrorKind = "unavailable"
	ProviderErrorKindUnknown        ProviderErrorKind = "unknown"
)

// ProviderError describes a failure reported by a model provider. Errors of
// kind ProviderErrorKindRateLimited match ErrRateLimited with errors.Is.
type ProviderError struct {
	Provider  string
	Kind      ProviderErrorKind
	Message   string
	Retryable bool
	Cause     error
}

// NewProviderError returns a ProviderError.
func NewProviderError(provider string, kind ProviderErrorKind, message string, cause error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Kind:      kind,
		Message:   message,
		Retryable: kind == ProviderErrorKindRateLimited || kind == ProviderErrorKindUnavailable,
		Cause:     cause,
	}
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Is reports whether target is ErrRateLimited and e is a rate limit failure.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

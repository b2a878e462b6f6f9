package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAllProvidersFailed matches every *AllProvidersFailedError.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrEmptyResult marks a provider answer with no usable data.
	ErrEmptyResult = errors.New("provider returned no data")
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// SourceFailure is one provider's failed attempt.
type SourceFailure struct {
	Provider string
	Err      error
}

// AllProvidersFailedError is raised when no provider produced data.
type AllProvidersFailedError struct {
	Operation string
	Symbol    string
	Failures  []SourceFailure
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("%s %s: %s: no providers available", e.Operation, e.Symbol, ErrAllProvidersFailed)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return fmt.Sprintf("%s %s: %s [%s]", e.Operation, e.Symbol, ErrAllProvidersFailed, strings.Join(parts, "; "))
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap returns the last provider error.
func (e *AllProvidersFailedError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

// Sources lists the providers that failed, in attempt order.
func (e *AllProvidersFailedError) Sources() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Provider
	}
	return out
}

package llm

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse is returned when a provider answers without text.
var ErrEmptyResponse = errors.New("empty response from model")

// UnknownProviderError indicates a model id names a provider outside the table.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown model provider %q", e.Provider)
}

// CallError wraps a failed model invocation.
type CallError struct {
	Model string
	Cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Cause)
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/testplan-agent/internal/schemas"
	"github.com/jonathan/testplan-agent/internal/state"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var verr *ErrValidation
	var serr *schemas.ValidationError
	switch {
	case errors.As(err, &verr), errors.As(err, &serr):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrLockHeld), errors.Is(err, state.ErrIllegalTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error payload.
type errorBody struct {
	Error   string               `json:"error"`
	Details []schemas.FieldError `json:"details,omitempty"`
}

func bodyFor(err error) errorBody {
	var serr *schemas.ValidationError
	if errors.As(err, &serr) {
		return errorBody{Error: "request does not match schema", Details: serr.Errors}
	}
	return errorBody{Error: err.Error()}
}

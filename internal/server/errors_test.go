package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/testplan-agent/internal/schemas"
	"github.com/jonathan/testplan-agent/internal/state"
)

func TestErrValidation(t *testing.T) {
	err := &ErrValidation{Field: "collection", Message: "required"}
	assert.Equal(t, "validation error: collection - required", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &ErrValidation{Field: "f"}, http.StatusBadRequest},
		{"schema", &schemas.ValidationError{Errors: []schemas.FieldError{{Field: "f", Message: "m"}}}, http.StatusBadRequest},
		{"not found", fmt.Errorf("load: %w", state.ErrRunNotFound), http.StatusNotFound},
		{"lock held", state.ErrLockHeld, http.StatusConflict},
		{"illegal transition", state.ErrIllegalTransition, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestBodyFor_SchemaDetails(t *testing.T) {
	body := bodyFor(&schemas.ValidationError{Errors: []schemas.FieldError{{Field: "collection", Message: "required"}}})
	assert.Equal(t, "request does not match schema", body.Error)
	assert.Equal(t, []schemas.FieldError{{Field: "collection", Message: "required"}}, body.Details)
}

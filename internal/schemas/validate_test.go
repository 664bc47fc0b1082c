package schemas

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rootschemas "github.com/jonathan/testplan-agent/schemas"
)

func validMetadata() map[string]any {
	return map[string]any{
		"title":              "Radio conformance plan",
		"type":               "test_plan",
		"run_id":             "r1",
		"document_id":        "testplan_r1",
		"generated_at":       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339),
		"status":             "COMPLETED",
		"total_sections":     3,
		"total_requirements": 7,
		"total_procedures":   5,
		"char_count":         1200,
		"word_count":         180,
	}
}

func TestValidate_ArtifactMetadata(t *testing.T) {
	assert.NoError(t, Validate(rootschemas.ArtifactMetadata, validMetadata()))
}

func TestValidate_ArtifactMetadata_MissingField(t *testing.T) {
	meta := validMetadata()
	delete(meta, "run_id")

	err := Validate(rootschemas.ArtifactMetadata, meta)
	require.Error(t, err)

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.NotEmpty(t, validationErr.Errors)
}

func TestValidate_ArtifactMetadata_WrongStatus(t *testing.T) {
	meta := validMetadata()
	meta["status"] = "PROCESSING"
	assert.Error(t, Validate(rootschemas.ArtifactMetadata, meta))
}

func TestValidate_ArtifactMetadata_NegativeCount(t *testing.T) {
	meta := validMetadata()
	meta["word_count"] = -1
	assert.Error(t, Validate(rootschemas.ArtifactMetadata, meta))
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("missing.schema.json", map[string]any{})
	var loadErr *SchemaLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Contains(t, err.Error(), "missing.schema.json")
}

func TestValidateBytes_RunRequest(t *testing.T) {
	assert.NoError(t, ValidateBytes(rootschemas.RunRequest, []byte(`{"collection":"standards","document_ids":["a","b"]}`)))
	assert.Error(t, ValidateBytes(rootschemas.RunRequest, []byte(`{"document_ids":["a","a"]}`)))
	assert.Error(t, ValidateBytes(rootschemas.RunRequest, []byte(`{"collection":"c","critic_model":"no-provider"}`)))
}

func TestValidateJSONString_Valid(t *testing.T) {
	schemaContent := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"}
		}
	}`
	jsonContent := `{"name": "test"}`

	err := ValidateJSONString(schemaContent, jsonContent)
	assert.NoError(t, err)
}

func TestValidateJSONString_Invalid(t *testing.T) {
	schemaContent := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"}
		}
	}`
	jsonContent := `{"age": 30}`

	err := ValidateJSONString(schemaContent, jsonContent)
	require.Error(t, err)

	validationErr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Greater(t, len(validationErr.Errors), 0)
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Errors: []FieldError{
			{Field: "name", Message: "is required"},
			{Field: "age", Message: "must be a number"},
		},
	}

	errorMsg := err.Error()
	assert.Contains(t, errorMsg, "validation failed")
	assert.Contains(t, errorMsg, "name")
	assert.Contains(t, errorMsg, "age")
}

func TestValidateJSONString_NestedFieldValidation(t *testing.T) {
	schemaContent := `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"required": ["person"],
		"properties": {
			"person": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string"}
				}
			}
		}
	}`

	err := ValidateJSONString(schemaContent, `{"person": {}}`)
	require.Error(t, err)

	validationErr, ok := err.(*ValidationError)
	require.True(t, ok)
	require.NotEmpty(t, validationErr.Errors)
	assert.Equal(t, "person", validationErr.Errors[0].Field)
}

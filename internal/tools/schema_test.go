package tools

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbrainhub/neuroagent/internal/domain"
)

type morphologyArgs struct {
	CellID      int    `json:"cell_id" jsonschema:"description=Identifier of the reconstructed cell"`
	BrainRegion string `json:"brain_region,omitempty"`
	Format      string `json:"format,omitempty" jsonschema:"default=swc"`
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(&morphologyArgs{})

	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "cell_id")
	assert.Contains(t, props, "brain_region")
	assert.NotContains(t, schema, "$schema")
}

func TestGenerateSchema_OmitsInjectedFields(t *testing.T) {
	schema := GenerateSchema(&morphologyArgs{}, "brain_region")

	props := schema["properties"].(map[string]any)
	assert.NotContains(t, props, "brain_region")
	assert.Contains(t, props, "cell_id")

	if required, ok := schema["required"].([]any); ok {
		assert.NotContains(t, required, "brain_region")
	}
}

func TestSanitizeArguments_DropsUnknownAndAppliesDefaults(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cell_id": map[string]any{"type": "integer"},
			"format":  map[string]any{"type": "string", "default": "swc"},
		},
		"required": []any{"cell_id"},
	}

	out, err := SanitizeArguments(schema, `{"cell_id": 7, "sneaky": true}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cell_id":7,"format":"swc"}`, string(out))
}

func TestSanitizeArguments_EmptyArguments(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{}}

	out, err := SanitizeArguments(schema, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestSanitizeArguments_ValidationFailure(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cell_id": map[string]any{"type": "integer"},
		},
		"required": []any{"cell_id"},
	}

	_, err := SanitizeArguments(schema, `{"cell_id": "not a number"}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidToolArgs))

	_, err = SanitizeArguments(schema, `{}`)
	require.Error(t, err, "missing required field must fail")
}

func TestSanitizeArguments_NotAnObject(t *testing.T) {
	schema := map[string]any{"type": "object"}

	_, err := SanitizeArguments(schema, `[1,2,3]`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidToolArgs))
}

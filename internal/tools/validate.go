package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openbrainhub/neuroagent/internal/domain"
)

var schemaCache sync.Map

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// SanitizeArguments round-trips raw tool-call arguments through the tool's
// input schema: unknown properties are dropped, defaults applied, and the
// result validated. The error wraps domain.ErrInvalidToolArgs so callers can
// hand the validator's message back to the model for self-correction.
func SanitizeArguments(schema map[string]any, raw string) (json.RawMessage, error) {
	if raw == "" {
		raw = "{}"
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: arguments are not a JSON object: %v", domain.ErrInvalidToolArgs, err)
	}
	if args == nil {
		args = map[string]any{}
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		for key := range args {
			if _, known := props[key]; !known {
				delete(args, key)
			}
		}
		for key, prop := range props {
			propSchema, ok := prop.(map[string]any)
			if !ok {
				continue
			}
			if def, hasDefault := propSchema["default"]; hasDefault {
				if _, present := args[key]; !present {
					args[key] = def
				}
			}
		}
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid tool schema: %w", err)
	}

	// The validator wants plain decoded JSON, so round-trip once more.
	canonical, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToolArgs, err)
	}
	var decoded any
	if err := json.Unmarshal(canonical, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToolArgs, err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToolArgs, err)
	}

	return canonical, nil
}

package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a JSON schema from an argument struct. Fields named
// in omit are stripped from the schema so the model can never set them; the
// dispatcher injects their values from the ambient context instead.
func GenerateSchema(v any, omit ...string) map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any{"type": "object"}
	}

	// Reflected metadata the responses API rejects.
	delete(doc, "$schema")
	delete(doc, "$id")

	for _, field := range omit {
		removeProperty(doc, field)
	}
	return doc
}

func removeProperty(doc map[string]any, field string) {
	if props, ok := doc["properties"].(map[string]any); ok {
		delete(props, field)
	}
	required, ok := doc["required"].([]any)
	if !ok {
		return
	}
	kept := required[:0]
	for _, name := range required {
		if name != field {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		delete(doc, "required")
	} else {
		doc["required"] = kept
	}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openbrainhub/neuroagent/internal/statepatch"
)

// GetStateTool returns the client-held shared-state document, optionally
// narrowed to a set of top-level keys.
type GetStateTool struct{}

type getStateArgs struct {
	// Keys narrows the returned state to these top-level entries.
	Keys []string `json:"keys,omitempty" jsonschema:"description=Top-level state keys to return; omit for the full document"`
}

func (t *GetStateTool) Name() string { return "getstate" }

func (t *GetStateTool) Description() string {
	return "Read the current shared state of the user's session, such as in-progress simulation configurations."
}

func (t *GetStateTool) HIL() bool { return false }

func (t *GetStateTool) InputSchema() map[string]any {
	return GenerateSchema(&getStateArgs{})
}

func (t *GetStateTool) Utterances() []string {
	return []string{
		"What does my simulation config currently look like?",
		"Show me the current state of my form.",
	}
}

func (t *GetStateTool) Execute(_ context.Context, tc *Context, args json.RawMessage) (*Result, error) {
	var parsed getStateArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode arguments: %w", err)
		}
	}

	doc := tc.State.Get()
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}

	if len(parsed.Keys) == 0 {
		return &Result{Output: string(doc)}, nil
	}

	var full map[string]json.RawMessage
	if err := json.Unmarshal(doc, &full); err != nil {
		return nil, fmt.Errorf("shared state is not an object: %w", err)
	}
	subset := make(map[string]json.RawMessage, len(parsed.Keys))
	for _, key := range parsed.Keys {
		if v, ok := full[key]; ok {
			subset[key] = v
		}
	}
	out, err := json.Marshal(subset)
	if err != nil {
		return nil, err
	}
	return &Result{Output: string(out)}, nil
}

// EditStateTool mutates the shared-state document with JSON Patch operations
// and tells the client where to look at the result.
type EditStateTool struct{}

type editStateArgs struct {
	Operations []statepatch.Operation `json:"operations" jsonschema:"description=RFC 6902 JSON Patch operations applied in order"`
}

type editStateOutput struct {
	State     json.RawMessage `json:"state"`
	ReturnURL string          `json:"return_url,omitempty"`
}

func (t *EditStateTool) Name() string { return "editstate" }

func (t *EditStateTool) Description() string {
	return "Modify the shared state of the user's session by applying JSON Patch operations, for example to fill in simulation parameters."
}

func (t *EditStateTool) HIL() bool { return false }

func (t *EditStateTool) InputSchema() map[string]any {
	return GenerateSchema(&editStateArgs{})
}

func (t *EditStateTool) Utterances() []string {
	return []string{
		"Set the simulation duration to 500ms.",
		"Change the temperature of my single-cell simulation to 34 degrees.",
	}
}

func (t *EditStateTool) Execute(_ context.Context, tc *Context, args json.RawMessage) (*Result, error) {
	var parsed editStateArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode arguments: %w", err)
	}
	if len(parsed.Operations) == 0 {
		return nil, fmt.Errorf("no patch operations given")
	}

	patched, changed, err := statepatch.Apply(tc.State.Get(), parsed.Operations)
	if err != nil {
		return nil, err
	}
	tc.State.Set(patched)

	out := editStateOutput{
		State:     patched,
		ReturnURL: statepatch.InferReturnURL(patched, changed, tc.FrontendURL, tc.BaseURL, tc.VlabID, tc.ProjectID),
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Result{Output: string(encoded)}, nil
}

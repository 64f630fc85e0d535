package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandoffTool transfers control to another agent. It takes no arguments and
// returns a handoff marker the dispatcher surfaces to the loop.
type HandoffTool struct {
	target      string
	description string
}

func NewHandoffTool(targetAgent, description string) *HandoffTool {
	if description == "" {
		description = fmt.Sprintf("Transfer the conversation to the %s agent.", targetAgent)
	}
	return &HandoffTool{target: targetAgent, description: description}
}

func (t *HandoffTool) Name() string {
	return "handoff-to-" + t.target
}

func (t *HandoffTool) Description() string { return t.description }
func (t *HandoffTool) HIL() bool           { return false }

func (t *HandoffTool) InputSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
}

func (t *HandoffTool) Execute(context.Context, *Context, json.RawMessage) (*Result, error) {
	return &Result{
		Output:  fmt.Sprintf(`{"handoff":%q}`, t.target),
		Handoff: t.target,
	}, nil
}

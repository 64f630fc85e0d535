package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openbrainhub/neuroagent/internal/adapters/mcp"
)

// MCPCaller is the slice of the MCP client the registry needs.
type MCPCaller interface {
	ListTools(ctx context.Context) ([]mcp.RemoteTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// MCPTool adapts a remote MCP tool into the registry. Remote tools never
// require HIL validation; destructive operations stay internal.
type MCPTool struct {
	caller MCPCaller
	remote mcp.RemoteTool
}

func NewMCPTool(caller MCPCaller, remote mcp.RemoteTool) *MCPTool {
	return &MCPTool{caller: caller, remote: remote}
}

func (t *MCPTool) Name() string        { return t.remote.Name }
func (t *MCPTool) Description() string { return t.remote.Description }
func (t *MCPTool) HIL() bool           { return false }

func (t *MCPTool) InputSchema() map[string]any {
	if t.remote.InputSchema == nil {
		return map[string]any{"type": "object"}
	}
	return t.remote.InputSchema
}

func (t *MCPTool) Execute(ctx context.Context, _ *Context, args json.RawMessage) (*Result, error) {
	var decoded map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode arguments for %s: %w", t.remote.Name, err)
		}
	}

	output, err := t.caller.CallTool(ctx, t.remote.Name, decoded)
	if err != nil {
		return nil, err
	}
	return &Result{Output: output}, nil
}

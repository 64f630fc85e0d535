package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client speaks JSON-RPC to one MCP server over streamable HTTP. Each request
// is an independent POST; the session id handed out by initialize is echoed
// on every later call.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client

	nextID    atomic.Int64
	sessionID string
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	req := JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID = sid
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s returned %s: %s", method, resp.Status, string(respBody))
	}

	// Streamable HTTP servers may answer as a one-event SSE stream.
	payload := respBody
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		payload = extractSSEData(respBody)
	}
	if len(payload) == 0 {
		return nil
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// extractSSEData returns the first data payload of an SSE body.
func extractSSEData(body []byte) []byte {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	return nil
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: ClientInfo{
			Name:    "neuroagent",
			Version: "1.0.0",
		},
	}

	var result InitializeResult
	if err := c.call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}

	// The initialized notification has no id and expects no result.
	notify := JSONRPCRequest{JSONRPC: JSONRPCVersion, Method: MethodInitialized}
	body, _ := json.Marshal(notify)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err == nil {
		httpReq.Header.Set("Content-Type", "application/json")
		if c.sessionID != "" {
			httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
		}
		if resp, err := c.httpClient.Do(httpReq); err == nil {
			resp.Body.Close()
		}
	}

	return &result, nil
}

// ListTools fetches the server's tool catalog, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var tools []RemoteTool
	cursor := ""

	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var result ToolsListResult
		if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == nil || *result.NextCursor == "" {
			break
		}
		cursor = *result.NextCursor
	}
	return tools, nil
}

// CallTool invokes a remote tool and flattens its text content into one
// string output.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	var result ToolsCallResult
	err := c.call(ctx, MethodToolsCall, ToolsCallParams{Name: name, Arguments: args}, &result)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	output := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, output)
	}
	return output, nil
}

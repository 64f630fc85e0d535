package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openbrainhub/neuroagent/internal/adapters/retry"
)

// Stream event types emitted by the responses API.
const (
	EventOutputItemAdded       = "response.output_item.added"
	EventOutputItemDone        = "response.output_item.done"
	EventContentPartAdded      = "response.content_part.added"
	EventContentPartDone       = "response.content_part.done"
	EventOutputTextDelta       = "response.output_text.delta"
	EventReasoningSummaryAdded = "response.reasoning_summary_part.added"
	EventReasoningSummaryDone  = "response.reasoning_summary_part.done"
	EventReasoningSummaryDelta = "response.reasoning_summary_text.delta"
	EventFunctionCallArgsDelta = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone  = "response.function_call_arguments.done"
	EventResponseCompleted     = "response.completed"
	EventResponseIncomplete    = "response.incomplete"
	EventResponseFailed        = "response.failed"
	EventError                 = "error"
)

// Output item types.
const (
	ItemTypeMessage            = "message"
	ItemTypeReasoning          = "reasoning"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// ToolDef is a function tool definition in the responses API wire shape.
type ToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict,omitempty"`
}

// ReasoningConfig requests reasoning summaries at the given effort.
type ReasoningConfig struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// TextFormat constrains the model output to a JSON schema.
type TextFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

type TextConfig struct {
	Format *TextFormat `json:"format,omitempty"`
}

// Request is a responses API request. Input items are raw response items:
// the stored part payloads replay verbatim as model input.
type Request struct {
	Model           string            `json:"model"`
	Instructions    string            `json:"instructions,omitempty"`
	Input           []json.RawMessage `json:"input"`
	Tools           []ToolDef         `json:"tools,omitempty"`
	ToolChoice      string            `json:"tool_choice,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	Reasoning       *ReasoningConfig  `json:"reasoning,omitempty"`
	Text            *TextConfig       `json:"text,omitempty"`
	Include         []string          `json:"include,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Stream          bool              `json:"stream"`
	Store           bool              `json:"store"`
}

// ContentPart is one content fragment of a message item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OutputItem is one item of model output. The Type discriminator decides
// which fields are populated.
type OutputItem struct {
	ID               string        `json:"id,omitempty"`
	Type             string        `json:"type"`
	Status           string        `json:"status,omitempty"`
	Role             string        `json:"role,omitempty"`
	Content          []ContentPart `json:"content,omitempty"`
	Summary          []ContentPart `json:"summary,omitempty"`
	EncryptedContent string        `json:"encrypted_content,omitempty"`
	CallID           string        `json:"call_id,omitempty"`
	Name             string        `json:"name,omitempty"`
	Arguments        string        `json:"arguments,omitempty"`
}

// Usage reports token consumption of one response, split into the provider's
// billing categories.
type Usage struct {
	InputTokens        int64 `json:"input_tokens"`
	InputTokensDetails struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"input_tokens_details"`
	OutputTokens int64 `json:"output_tokens"`
}

// NonCachedInput returns the portion of input tokens billed at full price.
func (u *Usage) NonCachedInput() int64 {
	return u.InputTokens - u.InputTokensDetails.CachedTokens
}

// APIError is the error object of a failed response.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ResponseEnvelope is a complete (non-delta) response object.
type ResponseEnvelope struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Output     []OutputItem `json:"output"`
	OutputText string       `json:"output_text,omitempty"`
	Usage      *Usage       `json:"usage,omitempty"`
	Error      *APIError    `json:"error,omitempty"`
}

// StreamEvent is one server-sent event of a streaming response.
type StreamEvent struct {
	Type        string            `json:"type"`
	OutputIndex int               `json:"output_index,omitempty"`
	ItemID      string            `json:"item_id,omitempty"`
	Delta       string            `json:"delta,omitempty"`
	Item        *OutputItem       `json:"item,omitempty"`
	Part        *ContentPart      `json:"part,omitempty"`
	Response    *ResponseEnvelope `json:"response,omitempty"`

	// Err carries transport failures; it terminates the stream.
	Err error `json:"-"`
}

// Client speaks the OpenAI responses API.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retryConfig retry.BackoffConfig
}

func NewClient(baseURL, apiKey string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Generous: a single response can stream for minutes.
			Timeout: 10 * time.Minute,
		},
		retryConfig: retry.HTTPConfig(),
	}
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// Create sends a non-streaming request, used for structured outputs such as
// tool filtering, title generation and question suggestions.
func (c *Client) Create(ctx context.Context, req *Request) (*ResponseEnvelope, error) {
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		httpReq, err := c.newRequest(ctx, body)
		if err != nil {
			return 0, err
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return 0, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	var envelope ResponseEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("API error %s: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return &envelope, nil
}

// FirstText returns the text of the first message output item.
func (e *ResponseEnvelope) FirstText() string {
	if e.OutputText != "" {
		return e.OutputText
	}
	for _, item := range e.Output {
		if item.Type != ItemTypeMessage {
			continue
		}
		for _, part := range item.Content {
			if part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}

// Stream sends a streaming request and returns a channel of events. The
// channel closes when the response completes, fails, or the context ends.
// Connection establishment is retried; the stream itself is not.
func (c *Client) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		httpReq, err := c.newRequest(ctx, body)
		if err != nil {
			return 0, err
		}

		resp, err = c.httpClient.Do(httpReq)
		if err != nil {
			return 0, fmt.Errorf("failed to send request: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			errBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return resp.StatusCode, fmt.Errorf("API error: %s (failed to read body: %w)", resp.Status, readErr)
			}
			return resp.StatusCode, fmt.Errorf("API error: %s - %s", resp.Status, string(errBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 16)

	go func() {
		defer close(events)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			select {
			case <-ctx.Done():
				events <- StreamEvent{Err: ctx.Err()}
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					events <- StreamEvent{Err: err}
				}
				return
			}

			lineStr := strings.TrimSpace(string(line))
			if lineStr == "" || strings.HasPrefix(lineStr, "event:") {
				continue
			}
			if !strings.HasPrefix(lineStr, "data: ") {
				continue
			}

			data := strings.TrimPrefix(lineStr, "data: ")
			if data == "[DONE]" {
				return
			}

			var event StreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				// Skip malformed frames rather than killing the stream.
				continue
			}

			events <- event

			switch event.Type {
			case EventResponseCompleted, EventResponseIncomplete, EventResponseFailed:
				return
			}
		}
	}()

	return events, nil
}

package chat

import (
	"encoding/json"
)

// Frame types of the streaming wire protocol.
const (
	FrameStart               = "start"
	FrameStartStep           = "start-step"
	FrameFinishStep          = "finish-step"
	FrameReasoningStart      = "reasoning-start"
	FrameReasoningDelta      = "reasoning-delta"
	FrameReasoningEnd        = "reasoning-end"
	FrameTextStart           = "text-start"
	FrameTextDelta           = "text-delta"
	FrameTextEnd             = "text-end"
	FrameToolInputStart      = "tool-input-start"
	FrameToolInputDelta      = "tool-input-delta"
	FrameToolInputAvailable  = "tool-input-available"
	FrameToolOutputAvailable = "tool-output-available"
	FrameFinish              = "finish"
)

// Frame is one SSE event of the chat stream. Only the fields relevant to the
// frame's type are set; toolCallId always carries the server-minted UUID.
type Frame struct {
	Type           string           `json:"type"`
	MessageID      string           `json:"messageId,omitempty"`
	ID             string           `json:"id,omitempty"`
	Delta          string           `json:"delta,omitempty"`
	ToolCallID     string           `json:"toolCallId,omitempty"`
	ToolName       string           `json:"toolName,omitempty"`
	InputTextDelta string           `json:"inputTextDelta,omitempty"`
	Input          json.RawMessage  `json:"input,omitempty"`
	Output         string           `json:"output,omitempty"`
	Metadata       *MessageMetadata `json:"messageMetadata,omitempty"`
}

// MessageMetadata rides on the final frame of a suspended stream, telling the
// client which tool calls await validation.
type MessageMetadata struct {
	ToolCalls []PendingToolCall `json:"toolCalls,omitempty"`
}

type PendingToolCall struct {
	ToolCallID string `json:"toolCallId"`
	Validated  string `json:"validated"`
	IsComplete bool   `json:"isComplete"`
}

// Emitter receives the ordered frame sequence of one streaming response.
// Emission happens synchronously from the single consumer of the LLM stream,
// so implementations need no locking for ordering.
type Emitter interface {
	Emit(frame Frame) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(frame Frame) error

func (f EmitterFunc) Emit(frame Frame) error { return f(frame) }

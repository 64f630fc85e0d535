package models

import "time"

// TokenTask identifies which stage of a request consumed LLM tokens.
type TokenTask string

const (
	TokenTaskChatCompletion TokenTask = "chat-completion"
	TokenTaskToolSelection  TokenTask = "tool-selection"
	TokenTaskCallWithinTool TokenTask = "call-within-tool"
)

// TokenType splits consumption into the provider's billing categories.
type TokenType string

const (
	TokenTypeInputCached    TokenType = "input-cached"
	TokenTypeInputNonCached TokenType = "input-noncached"
	TokenTypeCompletion     TokenType = "completion"
)

// TokenUsage is an append-only ledger record attributing token consumption
// to the assistant message that caused it.
type TokenUsage struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Task      TokenTask `json:"task"`
	Type      TokenType `json:"type"`
	Model     string    `json:"model"`
	Count     int64     `json:"count"`
	CreatedAt time.Time `json:"creation_date"`
}

func NewTokenUsage(id, messageID string, task TokenTask, tokenType TokenType, model string, count int64) *TokenUsage {
	return &TokenUsage{
		ID:        id,
		MessageID: messageID,
		Task:      task,
		Type:      tokenType,
		Model:     model,
		Count:     count,
		CreatedAt: time.Now().UTC(),
	}
}

// ToolSelection records that the tool filter admitted a tool for the request
// that produced the given assistant message. On HIL resume the recorded
// selection is replayed instead of re-running the filter.
type ToolSelection struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	ToolName  string    `json:"tool_name"`
	CreatedAt time.Time `json:"creation_date"`
}

func NewToolSelection(id, messageID, toolName string) *ToolSelection {
	return &ToolSelection{
		ID:        id,
		MessageID: messageID,
		ToolName:  toolName,
		CreatedAt: time.Now().UTC(),
	}
}

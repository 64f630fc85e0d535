package chat

import (
	"encoding/json"

	"github.com/openbrainhub/neuroagent/internal/domain/models"
)

// BuildHistory replays the persisted parts of a thread as LLM input items.
// Payloads are stored in the provider's response-item shape, so they pass
// through verbatim and the replayed list is a valid request input as-is.
func BuildHistory(messages []*models.Message) []json.RawMessage {
	var history []json.RawMessage
	for _, msg := range messages {
		for _, part := range msg.Parts {
			history = append(history, part.Payload)
		}
	}
	return history
}

// UserInputItem wraps raw user text as a message input item.
func UserInputItem(content string) json.RawMessage {
	item := models.MessageItem{
		Type: "message",
		Role: "user",
		Content: []models.MessageContent{
			{Type: "input_text", Text: content},
		},
	}
	payload, _ := json.Marshal(item)
	return payload
}

// TruncateToolOutputs returns a copy of the history where the content of
// function-call outputs is replaced with an ellipsis. The tool filter reasons
// over the shape of the conversation, not over bulky tool payloads.
func TruncateToolOutputs(history []json.RawMessage) []json.RawMessage {
	truncated := make([]json.RawMessage, 0, len(history))
	for _, item := range history {
		var header struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(item, &header); err != nil || header.Type != "function_call_output" {
			truncated = append(truncated, item)
			continue
		}

		var out models.FunctionCallOutputItem
		if err := json.Unmarshal(item, &out); err != nil {
			truncated = append(truncated, item)
			continue
		}
		out.Output = "..."
		shortened, err := json.Marshal(out)
		if err != nil {
			truncated = append(truncated, item)
			continue
		}
		truncated = append(truncated, shortened)
	}
	return truncated
}

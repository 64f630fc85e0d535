package models

import (
	"encoding/json"
	"time"
)

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is one turn in a Thread. An assistant message may span several LLM
// turns and owns an ordered sequence of Parts; the IsComplete flag is false
// while a human-in-the-loop interrupt keeps the turn open.
type Message struct {
	ID         string      `json:"id"`
	ThreadID   string      `json:"thread_id"`
	Role       MessageRole `json:"entity"`
	IsComplete bool        `json:"is_complete"`
	CreatedAt  time.Time   `json:"creation_date"`

	// Parts are loaded separately and kept sorted by OrderIndex.
	Parts []*Part `json:"parts,omitempty"`
}

func NewMessage(id, threadID string, role MessageRole) *Message {
	return &Message{
		ID:         id,
		ThreadID:   threadID,
		Role:       role,
		IsComplete: true,
		CreatedAt:  time.Now().UTC(),
	}
}

func NewUserMessage(id, threadID string) *Message {
	return NewMessage(id, threadID, MessageRoleUser)
}

// NewAssistantMessage creates the in-flight assistant message for a streaming
// request. It starts incomplete and is finalized when the stream ends.
func NewAssistantMessage(id, threadID string) *Message {
	m := NewMessage(id, threadID, MessageRoleAssistant)
	m.IsComplete = false
	return m
}

func (m *Message) IsFromUser() bool {
	return m.Role == MessageRoleUser
}

func (m *Message) IsFromAssistant() bool {
	return m.Role == MessageRoleAssistant
}

// NextOrderIndex returns the order index the next appended part will take.
func (m *Message) NextOrderIndex() int {
	return len(m.Parts)
}

// AppendPart attaches a part at the next dense order index.
func (m *Message) AppendPart(id string, partType PartType, payload json.RawMessage) *Part {
	part := NewPart(id, m.ID, m.NextOrderIndex(), partType, payload)
	m.Parts = append(m.Parts, part)
	return part
}

// PendingToolCalls returns the FUNCTION_CALL parts that have no matching
// FUNCTION_CALL_OUTPUT part, i.e. calls suspended for user validation.
func (m *Message) PendingToolCalls() []FunctionCallItem {
	answered := make(map[string]struct{})
	for _, p := range m.Parts {
		if p.Type != PartTypeFunctionCallOutput {
			continue
		}
		var out FunctionCallOutputItem
		if err := json.Unmarshal(p.Payload, &out); err == nil {
			answered[out.CallID] = struct{}{}
		}
	}

	var pending []FunctionCallItem
	for _, p := range m.Parts {
		if p.Type != PartTypeFunctionCall {
			continue
		}
		var call FunctionCallItem
		if err := json.Unmarshal(p.Payload, &call); err != nil {
			continue
		}
		if _, ok := answered[call.CallID]; !ok {
			pending = append(pending, call)
		}
	}
	return pending
}

// TextContent concatenates the text of all MESSAGE parts, used to feed the
// full-text search vector.
func (m *Message) TextContent() string {
	var text string
	for _, p := range m.Parts {
		if p.Type != PartTypeMessage {
			continue
		}
		var item MessageItem
		if err := json.Unmarshal(p.Payload, &item); err != nil {
			continue
		}
		for _, c := range item.Content {
			if text != "" {
				text += "\n"
			}
			text += c.Text
		}
	}
	return text
}

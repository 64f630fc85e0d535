package dto

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/openbrainhub/neuroagent/internal/domain/models"
)

// MessagePage is one page of a message listing. Results holds either raw
// messages or their Vercel translation depending on the vercel_format flag.
type MessagePage struct {
	Results    any    `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// VercelMessage is the message shape the Vercel AI SDK web client consumes:
// one entry per message with typed parts, tool calls folded together with
// their outputs.
type VercelMessage struct {
	ID        string       `json:"id"`
	Role      string       `json:"role"`
	CreatedAt time.Time    `json:"creation_date"`
	Parts     []VercelPart `json:"parts"`
}

type VercelPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	// Validated mirrors the HIL flag so the client can render pending
	// confirmations: "pending", "accepted" or "rejected"; empty when the
	// tool needed no validation.
	Validated string `json:"validated,omitempty"`
}

// ToVercelMessages translates persisted messages into the Vercel shape.
// FUNCTION_CALL_OUTPUT parts are folded into their call's part.
func ToVercelMessages(messages []*models.Message) []VercelMessage {
	out := make([]VercelMessage, 0, len(messages))
	for _, msg := range messages {
		out = append(out, toVercelMessage(msg))
	}
	return out
}

func toVercelMessage(msg *models.Message) VercelMessage {
	vm := VercelMessage{
		ID:        msg.ID,
		Role:      string(msg.Role),
		CreatedAt: msg.CreatedAt,
		Parts:     []VercelPart{},
	}

	outputs := make(map[string]models.FunctionCallOutputItem)
	for _, p := range msg.Parts {
		if p.Type != models.PartTypeFunctionCallOutput {
			continue
		}
		var item models.FunctionCallOutputItem
		if err := json.Unmarshal(p.Payload, &item); err == nil {
			outputs[item.CallID] = item
		}
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartTypeMessage:
			var item models.MessageItem
			if err := json.Unmarshal(p.Payload, &item); err != nil {
				continue
			}
			for _, c := range item.Content {
				vm.Parts = append(vm.Parts, VercelPart{Type: "text", Text: c.Text})
			}
		case models.PartTypeReasoning:
			var item models.ReasoningItem
			if err := json.Unmarshal(p.Payload, &item); err != nil {
				continue
			}
			var texts []string
			for _, c := range item.Content {
				if c.Text != "" {
					texts = append(texts, c.Text)
				}
			}
			vm.Parts = append(vm.Parts, VercelPart{Type: "reasoning", Text: strings.Join(texts, "\n")})
		case models.PartTypeFunctionCall:
			var item models.FunctionCallItem
			if err := json.Unmarshal(p.Payload, &item); err != nil {
				continue
			}
			part := VercelPart{
				Type:       "tool-" + item.Name,
				ToolCallID: item.CallID,
				State:      "input-available",
				Input:      argumentsAsJSON(item.Arguments),
			}
			if p.Validated != nil {
				if *p.Validated {
					part.Validated = "accepted"
				} else {
					part.Validated = "rejected"
				}
			} else if _, answered := outputs[item.CallID]; !answered {
				part.Validated = "pending"
			}
			if out, ok := outputs[item.CallID]; ok {
				part.State = "output-available"
				part.Output = out.Output
			}
			vm.Parts = append(vm.Parts, part)
		}
	}
	return vm
}

// argumentsAsJSON keeps valid argument JSON as an object and quotes anything
// the sanitizer left raw.
func argumentsAsJSON(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

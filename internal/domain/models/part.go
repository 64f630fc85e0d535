package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openbrainhub/neuroagent/internal/domain"
)

type PartType string

const (
	PartTypeMessage            PartType = "MESSAGE"
	PartTypeReasoning          PartType = "REASONING"
	PartTypeFunctionCall       PartType = "FUNCTION_CALL"
	PartTypeFunctionCallOutput PartType = "FUNCTION_CALL_OUTPUT"
)

// Part is an ordered fragment of a Message. The payload is opaque to storage
// but conforms to the LLM provider's response-item schema for its type.
// Parts are immutable once written except for the Validated flag.
type Part struct {
	ID         string          `json:"id"`
	MessageID  string          `json:"message_id"`
	OrderIndex int             `json:"order_index"`
	Type       PartType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	// Validated is tri-state: nil = not required or still pending,
	// true = accepted by the user, false = rejected.
	Validated *bool     `json:"validated,omitempty"`
	CreatedAt time.Time `json:"creation_date"`
}

func NewPart(id, messageID string, orderIndex int, partType PartType, payload json.RawMessage) *Part {
	return &Part{
		ID:         id,
		MessageID:  messageID,
		OrderIndex: orderIndex,
		Type:       partType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// MessageItem is the payload shape of a MESSAGE part.
type MessageItem struct {
	Type    string           `json:"type"`
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
	Status  string           `json:"status,omitempty"`
}

type MessageContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReasoningItem is the payload shape of a REASONING part.
type ReasoningItem struct {
	Type             string             `json:"type"`
	Content          []ReasoningContent `json:"content"`
	EncryptedContent string             `json:"encrypted_content,omitempty"`
}

type ReasoningContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FunctionCallItem is the payload shape of a FUNCTION_CALL part. CallID is
// the server-minted UUID, never the LLM-provided id.
type FunctionCallItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Status    string `json:"status,omitempty"`
}

// FunctionCallOutputItem is the payload shape of a FUNCTION_CALL_OUTPUT part.
type FunctionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
	Status string `json:"status,omitempty"`
}

// itemType extracts the "type" discriminator from a raw payload.
func itemType(payload json.RawMessage) (string, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return "", err
	}
	return header.Type, nil
}

// ValidatePartPayload checks that a raw payload carries the response-item
// shape expected for the given part type. Storage treats payloads as opaque;
// this runs at the edges where parts are minted or replayed.
func ValidatePartPayload(partType PartType, payload json.RawMessage) error {
	typ, err := itemType(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPartType, err)
	}

	switch partType {
	case PartTypeMessage:
		if typ != "message" {
			return fmt.Errorf("%w: MESSAGE part has item type %q", domain.ErrInvalidPartType, typ)
		}
		var item MessageItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPartType, err)
		}
		if len(item.Content) == 0 {
			return fmt.Errorf("%w: message item has no content", domain.ErrInvalidPartType)
		}
	case PartTypeReasoning:
		if typ != "reasoning" {
			return fmt.Errorf("%w: REASONING part has item type %q", domain.ErrInvalidPartType, typ)
		}
	case PartTypeFunctionCall:
		if typ != "function_call" {
			return fmt.Errorf("%w: FUNCTION_CALL part has item type %q", domain.ErrInvalidPartType, typ)
		}
		var item FunctionCallItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPartType, err)
		}
		if item.CallID == "" || item.Name == "" {
			return fmt.Errorf("%w: function_call item missing call_id or name", domain.ErrInvalidPartType)
		}
	case PartTypeFunctionCallOutput:
		if typ != "function_call_output" {
			return fmt.Errorf("%w: FUNCTION_CALL_OUTPUT part has item type %q", domain.ErrInvalidPartType, typ)
		}
		var item FunctionCallOutputItem
		if err := json.Unmarshal(payload, &item); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPartType, err)
		}
		if item.CallID == "" {
			return fmt.Errorf("%w: function_call_output item missing call_id", domain.ErrInvalidPartType)
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidPartType, partType)
	}

	return nil
}

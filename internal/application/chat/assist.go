package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openbrainhub/neuroagent/internal/llm"
)

// Assist bundles the non-streaming helper calls around a chat: thread title
// generation and follow-up question suggestions. Both use structured output
// on a small side model.
type Assist struct {
	client LLMClient
	model  string
}

func NewAssist(client LLMClient, model string) *Assist {
	return &Assist{client: client, model: model}
}

const titleInstructions = `Write a title for a conversation that starts with the given user message. At most five words, no quotes, no trailing punctuation.`

type titleVerdict struct {
	Title string `json:"title"`
}

// GenerateTitle names a thread after its first user message.
func (a *Assist) GenerateTitle(ctx context.Context, firstUserMessage string) (string, *llm.Usage, error) {
	envelope, err := a.client.Create(ctx, &llm.Request{
		Model:        a.model,
		Instructions: titleInstructions,
		Input:        []json.RawMessage{UserInputItem(firstUserMessage)},
		Text: &llm.TextConfig{
			Format: &llm.TextFormat{
				Type: "json_schema",
				Name: "thread_title",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title": map[string]any{"type": "string"},
					},
					"required":             []any{"title"},
					"additionalProperties": false,
				},
				Strict: true,
			},
		},
		Store: false,
	})
	if err != nil {
		return "", nil, fmt.Errorf("title generation failed: %w", err)
	}

	var verdict titleVerdict
	if err := json.Unmarshal([]byte(envelope.FirstText()), &verdict); err != nil {
		return "", envelope.Usage, fmt.Errorf("title generation returned malformed output: %w", err)
	}
	title := strings.TrimSpace(verdict.Title)
	if title == "" {
		return "", envelope.Usage, fmt.Errorf("title generation returned an empty title")
	}
	return title, envelope.Usage, nil
}

const suggestionInstructions = `Suggest three short questions the user could ask next on a neuroscience research platform. Each suggestion must be a standalone question the assistant can act on with its tools.`

const literatureConstraint = ` The user has recently been browsing the platform; exactly one of the three suggestions must be about searching the scientific literature related to what they looked at.`

type suggestionVerdict struct {
	Suggestions []string `json:"suggestions"`
}

// SuggestQuestions proposes three follow-up questions, grounded in the
// thread history when one exists, or in the user's recent click history.
// Click-driven suggestions must include a literature-related one.
func (a *Assist) SuggestQuestions(ctx context.Context, history []json.RawMessage, clickHistory []string) ([]string, *llm.Usage, error) {
	instructions := suggestionInstructions
	if len(clickHistory) > 0 {
		instructions += literatureConstraint
	}

	input := append([]json.RawMessage{}, TruncateToolOutputs(history)...)
	if len(clickHistory) > 0 {
		input = append(input, UserInputItem("Pages I visited recently:\n"+strings.Join(clickHistory, "\n")))
	}
	if len(input) == 0 {
		input = append(input, UserInputItem("I have not asked anything yet."))
	}

	envelope, err := a.client.Create(ctx, &llm.Request{
		Model:        a.model,
		Instructions: instructions,
		Input:        input,
		Text: &llm.TextConfig{
			Format: &llm.TextFormat{
				Type: "json_schema",
				Name: "question_suggestions",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"suggestions": map[string]any{
							"type":     "array",
							"items":    map[string]any{"type": "string"},
							"minItems": 3,
							"maxItems": 3,
						},
					},
					"required":             []any{"suggestions"},
					"additionalProperties": false,
				},
				Strict: true,
			},
		},
		Store: false,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("question suggestion failed: %w", err)
	}

	var verdict suggestionVerdict
	if err := json.Unmarshal([]byte(envelope.FirstText()), &verdict); err != nil {
		return nil, envelope.Usage, fmt.Errorf("question suggestion returned malformed output: %w", err)
	}
	if len(verdict.Suggestions) != 3 {
		return nil, envelope.Usage, fmt.Errorf("question suggestion returned %d items, want 3", len(verdict.Suggestions))
	}
	return verdict.Suggestions, envelope.Usage, nil
}

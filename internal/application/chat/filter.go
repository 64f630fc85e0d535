package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

// LLMClient is the slice of the provider client the chat core consumes.
type LLMClient interface {
	Create(ctx context.Context, req *llm.Request) (*llm.ResponseEnvelope, error)
	Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error)
}

// Filter narrows the per-turn tool catalog with a small structured-output
// model so the main agent reasons over a short list.
type Filter struct {
	client LLMClient
	model  string
	// minToolCount is the catalog size below which filtering is skipped.
	minToolCount int
}

func NewFilter(client LLMClient, model string, minToolCount int) *Filter {
	return &Filter{client: client, model: model, minToolCount: minToolCount}
}

// Selection is the filter's verdict: which tools the turn may use and a
// complexity score steering the reasoning-effort tier of the main model.
type Selection struct {
	ToolNames []string
	Effort    models.ReasoningEffort
	Usage     *llm.Usage
}

type filterVerdict struct {
	SelectedTools []string `json:"selected_tools"`
	Complexity    int      `json:"complexity"`
}

func filterSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selected_tools": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"complexity": map[string]any{
				"type":    "integer",
				"minimum": 0,
				"maximum": 10,
			},
		},
		"required":             []any{"selected_tools", "complexity"},
		"additionalProperties": false,
	}
}

const filterInstructions = `You route a user request to the right tools. Given the conversation so far and the available tool catalog, return the names of the tools that could plausibly serve the next assistant turn, and a complexity score from 0 (trivial chat) to 10 (deep multi-step research). Select generously: a missing tool is worse than an extra one.`

// Select decides the turn's toolset. Small catalogs skip the model call and
// admit everything; a failed filter call falls back to the full catalog so a
// flaky side-model never blocks a chat.
func (f *Filter) Select(ctx context.Context, history []json.RawMessage, available []tools.Tool) (*Selection, error) {
	all := make([]string, 0, len(available))
	for _, t := range available {
		all = append(all, t.Name())
	}

	if len(available) < f.minToolCount {
		return &Selection{ToolNames: all}, nil
	}

	catalog := make([]map[string]string, 0, len(available))
	for _, t := range available {
		catalog = append(catalog, map[string]string{
			"name":        t.Name(),
			"description": t.Description(),
		})
	}
	catalogJSON, err := json.Marshal(catalog)
	if err != nil {
		return nil, err
	}

	input := append([]json.RawMessage{}, TruncateToolOutputs(history)...)
	input = append(input, UserInputItem(fmt.Sprintf("Available tools:\n%s", catalogJSON)))

	envelope, err := f.client.Create(ctx, &llm.Request{
		Model:        f.model,
		Instructions: filterInstructions,
		Input:        input,
		Text: &llm.TextConfig{
			Format: &llm.TextFormat{
				Type:   "json_schema",
				Name:   "tool_selection",
				Schema: filterSchema(),
				Strict: true,
			},
		},
		Store: false,
	})
	if err != nil {
		log.Warn().Err(err).Msg("tool filter call failed, admitting full catalog")
		return &Selection{ToolNames: all}, nil
	}

	var verdict filterVerdict
	if err := json.Unmarshal([]byte(envelope.FirstText()), &verdict); err != nil {
		log.Warn().Err(err).Msg("tool filter returned malformed verdict, admitting full catalog")
		return &Selection{ToolNames: all, Usage: envelope.Usage}, nil
	}

	known := make(map[string]bool, len(all))
	for _, name := range all {
		known[name] = true
	}
	selected := make([]string, 0, len(verdict.SelectedTools))
	for _, name := range verdict.SelectedTools {
		if known[name] {
			selected = append(selected, name)
		}
	}

	return &Selection{
		ToolNames: selected,
		Effort:    EffortForComplexity(verdict.Complexity),
		Usage:     envelope.Usage,
	}, nil
}

// EffortForComplexity maps the filter's 0..10 score onto reasoning tiers.
func EffortForComplexity(complexity int) models.ReasoningEffort {
	switch {
	case complexity <= 3:
		return models.ReasoningEffortLow
	case complexity <= 7:
		return models.ReasoningEffortMedium
	default:
		return models.ReasoningEffortHigh
	}
}

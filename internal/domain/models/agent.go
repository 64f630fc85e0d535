package models

// ReasoningEffort selects the downstream model reasoning tier, derived from
// the tool filter's complexity score.
type ReasoningEffort string

const (
	ReasoningEffortLow    ReasoningEffort = "low"
	ReasoningEffortMedium ReasoningEffort = "medium"
	ReasoningEffortHigh   ReasoningEffort = "high"
)

// Agent is a named model configuration. Handoff tools swap the active agent
// mid-loop by returning the target agent's name.
type Agent struct {
	Name            string          `json:"name"`
	Instructions    string          `json:"instructions"`
	Model           string          `json:"model"`
	Temperature     float64         `json:"temperature"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	// Tools restricts the agent to a subset of the registry; empty means
	// every whitelisted tool is available.
	Tools []string `json:"tools,omitempty"`
}

// AllowsTool reports whether the agent may call the named tool.
func (a *Agent) AllowsTool(name string) bool {
	if len(a.Tools) == 0 {
		return true
	}
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// ModelDescriptor describes one whitelisted LLM model exposed on the models
// listing endpoint.
type ModelDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputType   string `json:"input_type,omitempty"`
}

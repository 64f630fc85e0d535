package dto

import "encoding/json"

// ChatRequest is the body of POST /qa/chat_streamed/{thread_id}. Content may
// be empty when the request only resumes a suspended HIL interrupt.
type ChatRequest struct {
	Content string `json:"content"`
	// ToolSelection bypasses the tool filter with a client-chosen list.
	ToolSelection []string `json:"tool_selection,omitempty"`
	// FrontendURL is the page the user is on, used for return-URL inference.
	FrontendURL string `json:"frontend_url,omitempty"`
	// State is the client-held shared-state document tools may patch.
	State json.RawMessage `json:"state,omitempty"`
}

type SuggestionsRequest struct {
	ThreadID     string   `json:"thread_id,omitempty"`
	ClickHistory []string `json:"click_history,omitempty"`
	FrontendURL  string   `json:"frontend_url,omitempty"`
}

type SuggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
}

// ValidateToolCallRequest resolves a pending HIL tool call.
type ValidateToolCallRequest struct {
	Validation string `json:"validation"` // "accepted" or "rejected"
}

type ValidateToolCallResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Validation string `json:"validation"`
}

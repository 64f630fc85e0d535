package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

// Tool is one named unit the agent can invoke. Implementations parse their
// own arguments; the dispatcher has already validated them against
// InputSchema.
type Tool interface {
	Name() string
	Description() string
	// HIL tools are never executed directly; the loop suspends and waits
	// for the user to accept or reject the call.
	HIL() bool
	InputSchema() map[string]any
	Execute(ctx context.Context, tc *Context, args json.RawMessage) (*Result, error)
}

// Utterancer is implemented by tools that publish example utterances for the
// frontend's tool picker.
type Utterancer interface {
	Utterances() []string
}

// Result is a tool's outcome. Output is the serialized payload handed back
// to the model; Handoff, when set, switches the active agent after the batch.
type Result struct {
	Output  string
	Handoff string
}

// SharedState is the client-held state document tools read and patch. It
// round-trips through the request and is never persisted server-side.
type SharedState struct {
	mu  sync.Mutex
	doc json.RawMessage
}

func NewSharedState(doc json.RawMessage) *SharedState {
	return &SharedState{doc: doc}
}

func (s *SharedState) Get() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *SharedState) Set(doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
}

// Context is the per-request bag handed to every tool. The dispatcher gives
// each call a shallow copy with CallID set; the usage map and shared state
// are common to the whole request.
type Context struct {
	ThreadID    string
	MessageID   string
	UserID      string
	VlabID      string
	ProjectID   string
	FrontendURL string
	BaseURL     string

	// CallID identifies the function call being executed; sub-LLM usage is
	// recorded under it.
	CallID string

	State      *SharedState
	HTTPClient *http.Client
	Store      ports.ObjectStore
	LLM        *llm.Client
	Model      string

	parent  *Context
	usageMu sync.Mutex
	usage   map[string][]UsageEntry
}

// UsageEntry is token consumption reported by a tool that ran its own LLM
// call, attributed to the function call that caused it.
type UsageEntry struct {
	Model string
	Usage llm.Usage
}

func NewContext() *Context {
	return &Context{
		State: NewSharedState(nil),
		usage: make(map[string][]UsageEntry),
	}
}

// ForCall returns a copy of the context scoped to one call id. The copy
// shares the usage map and state with the parent.
func (tc *Context) ForCall(callID string) *Context {
	clone := &Context{
		ThreadID:    tc.ThreadID,
		MessageID:   tc.MessageID,
		UserID:      tc.UserID,
		VlabID:      tc.VlabID,
		ProjectID:   tc.ProjectID,
		FrontendURL: tc.FrontendURL,
		BaseURL:     tc.BaseURL,
		CallID:      callID,
		State:       tc.State,
		HTTPClient:  tc.HTTPClient,
		Store:       tc.Store,
		LLM:         tc.LLM,
		Model:       tc.Model,
	}
	clone.parent = tc
	if tc.parent != nil {
		clone.parent = tc.parent
	}
	return clone
}

// RecordUsage attributes sub-LLM token consumption to the current call.
func (tc *Context) RecordUsage(model string, usage llm.Usage) {
	root := tc
	if tc.parent != nil {
		root = tc.parent
	}
	root.usageMu.Lock()
	defer root.usageMu.Unlock()
	if root.usage == nil {
		root.usage = make(map[string][]UsageEntry)
	}
	root.usage[tc.CallID] = append(root.usage[tc.CallID], UsageEntry{Model: model, Usage: usage})
}

// DrainUsage removes and returns all recorded sub-LLM usage. The dispatcher's
// join fences tool writes before the engine reads.
func (tc *Context) DrainUsage() map[string][]UsageEntry {
	tc.usageMu.Lock()
	defer tc.usageMu.Unlock()
	drained := tc.usage
	tc.usage = make(map[string][]UsageEntry)
	return drained
}

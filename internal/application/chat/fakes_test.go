package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

// seqIDs mints deterministic identifiers so tests can assert on them.
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%02d", s.n)
}

// frameRecorder captures the emitted frame sequence.
type frameRecorder struct {
	frames []Frame
}

func (r *frameRecorder) Emit(f Frame) error {
	r.frames = append(r.frames, f)
	return nil
}

func (r *frameRecorder) types() []string {
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Type)
	}
	return out
}

func (r *frameRecorder) byType(frameType string) []Frame {
	var out []Frame
	for _, f := range r.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// fakeLLM replays scripted event streams, one per turn, and records every
// request it saw.
type fakeLLM struct {
	scripts   [][]llm.StreamEvent
	envelopes []*llm.ResponseEnvelope
	requests  []*llm.Request
	creates   []*llm.Request
}

func (f *fakeLLM) Stream(_ context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	f.requests = append(f.requests, req)
	if len(f.scripts) == 0 {
		return nil, fmt.Errorf("no scripted turn left")
	}
	script := f.scripts[0]
	f.scripts = f.scripts[1:]

	ch := make(chan llm.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Create(_ context.Context, req *llm.Request) (*llm.ResponseEnvelope, error) {
	f.creates = append(f.creates, req)
	if len(f.envelopes) == 0 {
		return nil, fmt.Errorf("no scripted envelope left")
	}
	envelope := f.envelopes[0]
	f.envelopes = f.envelopes[1:]
	return envelope, nil
}

func completedEvent(input, cached, output int64) llm.StreamEvent {
	var usage llm.Usage
	usage.InputTokens = input
	usage.InputTokensDetails.CachedTokens = cached
	usage.OutputTokens = output
	return llm.StreamEvent{
		Type:     llm.EventResponseCompleted,
		Response: &llm.ResponseEnvelope{Status: "completed", Usage: &usage},
	}
}

// textTurn scripts a turn that streams text in the given chunks.
func textTurn(itemID string, chunks ...string) []llm.StreamEvent {
	events := []llm.StreamEvent{{Type: llm.EventContentPartAdded, ItemID: itemID}}
	full := ""
	for _, chunk := range chunks {
		full += chunk
		events = append(events, llm.StreamEvent{Type: llm.EventOutputTextDelta, ItemID: itemID, Delta: chunk})
	}
	events = append(events,
		llm.StreamEvent{Type: llm.EventContentPartDone, ItemID: itemID, Part: &llm.ContentPart{Type: "output_text", Text: full}},
		completedEvent(100, 20, 10),
	)
	return events
}

// callTurn scripts a turn that requests one function call.
func callTurn(itemID, name, args string) []llm.StreamEvent {
	return append(callEvents(itemID, name, args), completedEvent(50, 0, 5))
}

func callEvents(itemID, name, args string) []llm.StreamEvent {
	return []llm.StreamEvent{
		{Type: llm.EventOutputItemAdded, Item: &llm.OutputItem{ID: itemID, Type: llm.ItemTypeFunctionCall, Name: name}},
		{Type: llm.EventFunctionCallArgsDelta, ItemID: itemID, Delta: args},
		{Type: llm.EventOutputItemDone, Item: &llm.OutputItem{ID: itemID, Type: llm.ItemTypeFunctionCall, Name: name, Arguments: args}},
	}
}

// memMessages is an in-memory MessageRepository covering what the engine
// touches; the rest of the interface is inert.
type memMessages struct {
	mu        sync.Mutex
	order     []string
	msgs      map[string]*models.Message
	appended  map[string]int
	completed map[string]bool
	vectors   map[string]string
}

func newMemMessages() *memMessages {
	return &memMessages{
		msgs:      make(map[string]*models.Message),
		appended:  make(map[string]int),
		completed: make(map[string]bool),
		vectors:   make(map[string]string),
	}
}

func (m *memMessages) Create(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[msg.ID] = msg
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *memMessages) GetAllByThread(_ context.Context, threadID string) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, id := range m.order {
		if m.msgs[id].ThreadID == threadID {
			out = append(out, m.msgs[id])
		}
	}
	return out, nil
}

func (m *memMessages) AppendParts(_ context.Context, messageID string, parts []*models.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The engine mutates the shared message object; just count flushes.
	m.appended[messageID] += len(parts)
	return nil
}

func (m *memMessages) SetComplete(_ context.Context, id string, complete bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	msg.IsComplete = complete
	m.completed[id] = complete
	return nil
}

func (m *memMessages) UpdateSearchVector(_ context.Context, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[messageID] = text
	return nil
}

func (m *memMessages) GetByID(context.Context, string) (*models.Message, error) {
	return nil, domain.ErrMessageNotFound
}

func (m *memMessages) GetByIDWithParts(context.Context, string) (*models.Message, error) {
	return nil, domain.ErrMessageNotFound
}

func (m *memMessages) ListByThread(context.Context, string, time.Time, int, ports.SortOrder, models.MessageRole) (*ports.MessagePage, error) {
	return &ports.MessagePage{}, nil
}

func (m *memMessages) GetIncompleteAssistant(context.Context, string) (*models.Message, error) {
	return nil, domain.ErrMessageNotFound
}

func (m *memMessages) NextPartOrderIndex(context.Context, string) (int, error) { return 0, nil }

func (m *memMessages) SetPartValidated(context.Context, string, string, bool) error { return nil }

func (m *memMessages) GetPartByCallID(context.Context, string, string) (*models.Part, error) {
	return nil, domain.ErrMessageNotFound
}

// fakeThreads records Touch calls; nothing else is exercised by the engine.
type fakeThreads struct {
	mu      sync.Mutex
	touched []string
}

func (f *fakeThreads) Touch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeThreads) Create(context.Context, *models.Thread) error { return nil }
func (f *fakeThreads) GetByID(context.Context, string) (*models.Thread, error) {
	return nil, domain.ErrThreadNotFound
}
func (f *fakeThreads) GetByIDAndUserID(context.Context, string, string) (*models.Thread, error) {
	return nil, domain.ErrThreadNotFound
}
func (f *fakeThreads) List(context.Context, string, ports.ThreadListFilter) (*ports.ThreadPage, error) {
	return &ports.ThreadPage{}, nil
}
func (f *fakeThreads) UpdateTitle(context.Context, string, string) error { return nil }
func (f *fakeThreads) Delete(context.Context, string) error              { return nil }
func (f *fakeThreads) Search(context.Context, string, string, string, string, int) ([]*ports.ThreadSearchResult, error) {
	return nil, nil
}
func (f *fakeThreads) IsEmpty(context.Context, string) (bool, error) { return false, nil }

type fakeLedger struct {
	mu      sync.Mutex
	records []*models.TokenUsage
}

func (f *fakeLedger) Create(_ context.Context, u *models.TokenUsage) error {
	return f.CreateBatch(context.Background(), []*models.TokenUsage{u})
}

func (f *fakeLedger) CreateBatch(_ context.Context, usages []*models.TokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, usages...)
	return nil
}

func (f *fakeLedger) GetByMessage(_ context.Context, messageID string) ([]*models.TokenUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.TokenUsage
	for _, r := range f.records {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) total(task models.TokenTask) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, r := range f.records {
		if r.Task == task {
			sum += r.Count
		}
	}
	return sum
}

type fakeSelections struct {
	mu      sync.Mutex
	records []*models.ToolSelection
}

func (f *fakeSelections) CreateBatch(_ context.Context, selections []*models.ToolSelection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, selections...)
	return nil
}

func (f *fakeSelections) GetByMessage(_ context.Context, messageID string) ([]*models.ToolSelection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ToolSelection
	for _, r := range f.records {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

// testTool is a scriptable registry tool.
type testTool struct {
	name   string
	hil    bool
	schema map[string]any
	fn     func(ctx context.Context, tc *tools.Context, args json.RawMessage) (*tools.Result, error)
}

func (t *testTool) Name() string        { return t.name }
func (t *testTool) Description() string { return "test tool " + t.name }
func (t *testTool) HIL() bool           { return t.hil }

func (t *testTool) InputSchema() map[string]any {
	if t.schema != nil {
		return t.schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *testTool) Execute(ctx context.Context, tc *tools.Context, args json.RawMessage) (*tools.Result, error) {
	if t.fn != nil {
		return t.fn(ctx, tc, args)
	}
	return &tools.Result{Output: "ok"}, nil
}

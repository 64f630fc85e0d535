package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

type harness struct {
	engine     *Engine
	llm        *fakeLLM
	messages   *memMessages
	threads    *fakeThreads
	ledger     *fakeLedger
	selections *fakeSelections
	ids        *seqIDs
}

func newHarness(client *fakeLLM, registry *tools.Registry, cfg EngineConfig) *harness {
	h := &harness{
		llm:        client,
		messages:   newMemMessages(),
		threads:    &fakeThreads{},
		ledger:     &fakeLedger{},
		selections: &fakeSelections{},
		ids:        &seqIDs{},
	}
	// Threshold above the catalog size: the filter admits everything
	// without a model call.
	filter := NewFilter(client, "filter-model", 100)
	h.engine = NewEngine(h.threads, h.messages, h.ledger, h.selections, h.ids, registry, client, filter, cfg)
	return h
}

func (h *harness) stream(t *testing.T, agent *models.Agent, agents map[string]*models.Agent, content string) (*frameRecorder, error) {
	t.Helper()
	rec := &frameRecorder{}
	err := h.engine.Run(context.Background(), &StreamRequest{
		Thread:      models.NewThread("thread-1", "user-1", "", "", ""),
		Agent:       agent,
		Agents:      agents,
		Content:     content,
		ToolContext: tools.NewContext(),
		Emitter:     rec,
	})
	return rec, err
}

func (h *harness) assistantMessage(t *testing.T, rec *frameRecorder) *models.Message {
	t.Helper()
	require.NotEmpty(t, rec.frames)
	require.Equal(t, FrameStart, rec.frames[0].Type)
	msg, ok := h.messages.msgs[rec.frames[0].MessageID]
	require.True(t, ok, "assistant message %s not persisted", rec.frames[0].MessageID)
	return msg
}

func emptyRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry, err := tools.NewRegistry(nil)
	require.NoError(t, err)
	return registry
}

func partTypes(msg *models.Message) []models.PartType {
	out := make([]models.PartType, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		out = append(out, p.Type)
	}
	return out
}

func TestEngine_SimpleEcho(t *testing.T) {
	client := &fakeLLM{scripts: [][]llm.StreamEvent{textTurn("item-1", "Hello ", "there!")}}
	h := newHarness(client, emptyRegistry(t), EngineConfig{MaxTurns: 5})

	rec, err := h.stream(t, &models.Agent{Name: "agent", Model: "gpt-main"}, nil, "Hello")
	require.NoError(t, err)

	assert.Equal(t, []string{
		FrameStart,
		FrameStartStep,
		FrameTextStart, FrameTextDelta, FrameTextDelta, FrameTextEnd,
		FrameFinishStep,
		FrameFinish,
	}, rec.types())

	msg := h.assistantMessage(t, rec)
	require.Equal(t, []models.PartType{models.PartTypeMessage}, partTypes(msg))
	assert.True(t, msg.IsComplete)

	var item models.MessageItem
	require.NoError(t, json.Unmarshal(msg.Parts[0].Payload, &item))
	assert.Equal(t, "Hello there!", item.Content[0].Text)

	// One usage block: 100 input (20 cached) + 10 completion.
	assert.Equal(t, int64(110), h.ledger.total(models.TokenTaskChatCompletion))
	assert.Contains(t, h.threads.touched, "thread-1")
}

func TestEngine_HandoffThenTool(t *testing.T) {
	registry := emptyRegistry(t)
	require.NoError(t, registry.Register(tools.NewHandoffTool("weatherman", "Route weather questions")))
	require.NoError(t, registry.Register(&testTool{
		name: "get_weather",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
			},
			"required": []any{"location"},
		},
		fn: func(_ context.Context, tc *tools.Context, args json.RawMessage) (*tools.Result, error) {
			var parsed struct {
				Location string `json:"location"`
			}
			require.NoError(t, json.Unmarshal(args, &parsed))
			tc.RecordUsage("sub-model", usageBlock(30, 0, 7))
			return &tools.Result{Output: "The weather in " + parsed.Location + " is sunny today!"}, nil
		},
	}))

	triage := &models.Agent{Name: "triage", Model: "gpt-main", Tools: []string{"handoff-to-weatherman"}}
	weatherman := &models.Agent{Name: "weatherman", Model: "gpt-main", Tools: []string{"get_weather"}}

	client := &fakeLLM{scripts: [][]llm.StreamEvent{
		callTurn("item-1", "handoff-to-weatherman", "{}"),
		callTurn("item-2", "get_weather", `{"location": "San Francisco"}`),
		textTurn("item-3", "The weather in San Francisco is sunny today!"),
	}}
	h := newHarness(client, registry, EngineConfig{MaxTurns: 5})

	rec, err := h.stream(t, triage, map[string]*models.Agent{"weatherman": weatherman}, "Weather in SF?")
	require.NoError(t, err)

	toolTurn := []string{
		FrameStartStep, FrameStartStep,
		FrameToolInputStart, FrameToolInputDelta, FrameToolInputAvailable,
		FrameFinishStep,
		FrameToolOutputAvailable,
		FrameFinishStep,
	}
	expected := []string{FrameStart}
	expected = append(expected, toolTurn...)
	expected = append(expected, toolTurn...)
	expected = append(expected,
		FrameStartStep,
		FrameTextStart, FrameTextDelta, FrameTextEnd,
		FrameFinishStep,
		FrameFinish,
	)
	assert.Equal(t, expected, rec.types())

	msg := h.assistantMessage(t, rec)
	require.Equal(t, []models.PartType{
		models.PartTypeFunctionCall,
		models.PartTypeFunctionCallOutput,
		models.PartTypeFunctionCall,
		models.PartTypeFunctionCallOutput,
		models.PartTypeMessage,
	}, partTypes(msg))
	for i, part := range msg.Parts {
		assert.Equal(t, i, part.OrderIndex, "order indices are dense from 0")
	}

	// Outputs pair with their calls by the server-minted id.
	var call models.FunctionCallItem
	require.NoError(t, json.Unmarshal(msg.Parts[2].Payload, &call))
	var output models.FunctionCallOutputItem
	require.NoError(t, json.Unmarshal(msg.Parts[3].Payload, &output))
	assert.Equal(t, call.CallID, output.CallID)
	assert.NotEqual(t, "item-2", call.CallID, "provider ids never reach storage")

	// The handoff swapped the toolset before turn two.
	require.Len(t, client.requests, 3)
	require.Len(t, client.requests[1].Tools, 1)
	assert.Equal(t, "get_weather", client.requests[1].Tools[0].Name)

	assert.Equal(t, int64(220), h.ledger.total(models.TokenTaskChatCompletion))
	assert.Equal(t, int64(37), h.ledger.total(models.TokenTaskCallWithinTool))
}

func TestEngine_HILSuspendAndResume(t *testing.T) {
	executed := 0
	registry := emptyRegistry(t)
	require.NoError(t, registry.Register(&testTool{
		name: "destructive_op",
		hil:  true,
		fn: func(context.Context, *tools.Context, json.RawMessage) (*tools.Result, error) {
			executed++
			return &tools.Result{Output: "operation applied"}, nil
		},
	}))
	agent := &models.Agent{Name: "agent", Model: "gpt-main"}

	client := &fakeLLM{scripts: [][]llm.StreamEvent{callTurn("item-1", "destructive_op", "{}")}}
	h := newHarness(client, registry, EngineConfig{MaxTurns: 5})

	rec, err := h.stream(t, agent, nil, "Run it")
	require.NoError(t, err)

	assert.Equal(t, []string{
		FrameStart,
		FrameStartStep, FrameStartStep,
		FrameToolInputStart, FrameToolInputDelta, FrameToolInputAvailable,
		FrameFinishStep,
		FrameFinishStep,
		FrameFinish,
	}, rec.types())
	assert.Empty(t, rec.byType(FrameToolOutputAvailable))
	assert.Zero(t, executed, "HIL tools never run before validation")

	final := rec.frames[len(rec.frames)-1]
	require.NotNil(t, final.Metadata)
	require.Len(t, final.Metadata.ToolCalls, 1)
	assert.Equal(t, "pending", final.Metadata.ToolCalls[0].Validated)
	assert.True(t, final.Metadata.ToolCalls[0].IsComplete)

	msg := h.assistantMessage(t, rec)
	require.Equal(t, []models.PartType{models.PartTypeFunctionCall}, partTypes(msg))
	assert.False(t, msg.IsComplete, "suspended message stays open")
	assert.Equal(t, final.Metadata.ToolCalls[0].ToolCallID, pendingCallID(t, msg))

	// The user accepts the call and sends a follow-up: the same message is
	// reopened, the call executes, and the turn finishes with text.
	accepted := true
	msg.Parts[0].Validated = &accepted
	h.llm.scripts = [][]llm.StreamEvent{textTurn("item-2", "Done.")}

	rec2, err := h.stream(t, agent, nil, "continue")
	require.NoError(t, err)

	assert.Equal(t, msg.ID, rec2.frames[0].MessageID, "resume reopens the suspended message")
	assert.Equal(t, []string{
		FrameStart,
		FrameStartStep, FrameToolOutputAvailable, FrameFinishStep,
		FrameStartStep,
		FrameTextStart, FrameTextDelta, FrameTextEnd,
		FrameFinishStep,
		FrameFinish,
	}, rec2.types())
	assert.Equal(t, 1, executed)
	assert.Equal(t, "operation applied", rec2.byType(FrameToolOutputAvailable)[0].Output)

	require.Equal(t, []models.PartType{
		models.PartTypeFunctionCall,
		models.PartTypeFunctionCallOutput,
		models.PartTypeMessage,
	}, partTypes(msg))
	assert.True(t, msg.IsComplete)
}

func TestEngine_ClientSelectionReplayedOnHILResume(t *testing.T) {
	executed := 0
	registry := emptyRegistry(t)
	require.NoError(t, registry.Register(&testTool{
		name: "destructive_op",
		hil:  true,
		fn: func(context.Context, *tools.Context, json.RawMessage) (*tools.Result, error) {
			executed++
			return &tools.Result{Output: "operation applied"}, nil
		},
	}))
	require.NoError(t, registry.Register(&testTool{name: "other_op"}))
	agent := &models.Agent{Name: "agent", Model: "gpt-main"}

	client := &fakeLLM{scripts: [][]llm.StreamEvent{callTurn("item-1", "destructive_op", "{}")}}
	h := newHarness(client, registry, EngineConfig{MaxTurns: 5})

	rec := &frameRecorder{}
	err := h.engine.Run(context.Background(), &StreamRequest{
		Thread:      models.NewThread("thread-1", "user-1", "", "", ""),
		Agent:       agent,
		Content:     "Run it",
		ToolNames:   []string{"destructive_op"},
		ToolContext: tools.NewContext(),
		Emitter:     rec,
	})
	require.NoError(t, err)

	msg := h.assistantMessage(t, rec)
	assert.False(t, msg.IsComplete, "HIL call suspends the message")

	// The client-chosen toolset is on record for the suspended message.
	selections, err := h.selections.GetByMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Len(t, selections, 1)
	assert.Equal(t, "destructive_op", selections[0].ToolName)

	// Accept and resume without re-sending the selection: the recorded
	// toolset is replayed and the accepted call executes.
	accepted := true
	msg.Parts[0].Validated = &accepted
	h.llm.scripts = [][]llm.StreamEvent{textTurn("item-2", "Done.")}

	rec2 := &frameRecorder{}
	err = h.engine.Run(context.Background(), &StreamRequest{
		Thread:      models.NewThread("thread-1", "user-1", "", "", ""),
		Agent:       agent,
		Content:     "continue",
		ToolContext: tools.NewContext(),
		Emitter:     rec2,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, executed, "accepted call executes on resume")
	outputs := rec2.byType(FrameToolOutputAvailable)
	require.Len(t, outputs, 1)
	assert.Equal(t, "operation applied", outputs[0].Output)
}

func TestEngine_ResumeRefusesRejectedCall(t *testing.T) {
	registry := emptyRegistry(t)
	require.NoError(t, registry.Register(&testTool{
		name: "destructive_op",
		hil:  true,
		fn: func(context.Context, *tools.Context, json.RawMessage) (*tools.Result, error) {
			t.Fatal("rejected call must not execute")
			return nil, nil
		},
	}))
	agent := &models.Agent{Name: "agent", Model: "gpt-main"}

	client := &fakeLLM{scripts: [][]llm.StreamEvent{callTurn("item-1", "destructive_op", "{}")}}
	h := newHarness(client, registry, EngineConfig{MaxTurns: 5})

	rec, err := h.stream(t, agent, nil, "Run it")
	require.NoError(t, err)
	msg := h.assistantMessage(t, rec)

	// Left unvalidated (nil): treated as refused on resume.
	h.llm.scripts = [][]llm.StreamEvent{textTurn("item-2", "Understood.")}
	rec2, err := h.stream(t, agent, nil, "actually no")
	require.NoError(t, err)

	outputs := rec2.byType(FrameToolOutputAvailable)
	require.Len(t, outputs, 1)
	assert.Equal(t, refusedToolOutput, outputs[0].Output)
	assert.True(t, msg.IsComplete)
}

func TestEngine_MaxTurnsForcesFinalTextTurn(t *testing.T) {
	registry := emptyRegistry(t)
	require.NoError(t, registry.Register(&testTool{name: "noop"}))
	agent := &models.Agent{Name: "agent", Model: "gpt-main", Instructions: "Be helpful."}

	client := &fakeLLM{scripts: [][]llm.StreamEvent{
		callTurn("item-1", "noop", "{}"),
		callTurn("item-2", "noop", "{}"),
		textTurn("item-3", "I reached the limit of steps; send a new message to continue."),
	}}
	h := newHarness(client, registry, EngineConfig{MaxTurns: 2})

	rec, err := h.stream(t, agent, nil, "Loop forever")
	require.NoError(t, err)

	require.Len(t, client.requests, 3)
	assert.NotEmpty(t, client.requests[0].Tools)
	assert.Equal(t, "Be helpful.", client.requests[0].Instructions)
	assert.Empty(t, client.requests[2].Tools, "forced final turn runs without tools")
	assert.Equal(t, finalTurnInstructions, client.requests[2].Instructions)

	msg := h.assistantMessage(t, rec)
	assert.True(t, msg.IsComplete)
	assert.Equal(t, models.PartTypeMessage, msg.Parts[len(msg.Parts)-1].Type)
}

func TestEngine_InvalidArgumentsBecomeIncompleteOutput(t *testing.T) {
	registry := emptyRegistry(t)
	require.NoError(t, registry.Register(&testTool{
		name: "get_weather",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
			},
			"required": []any{"location"},
		},
	}))
	agent := &models.Agent{Name: "agent", Model: "gpt-main"}

	client := &fakeLLM{scripts: [][]llm.StreamEvent{
		callTurn("item-1", "get_weather", `{"location": 42}`),
		textTurn("item-2", "Sorry, let me try again."),
	}}
	h := newHarness(client, registry, EngineConfig{MaxTurns: 5})

	rec, err := h.stream(t, agent, nil, "Weather?")
	require.NoError(t, err)

	outputs := rec.byType(FrameToolOutputAvailable)
	require.Len(t, outputs, 1)
	assert.Contains(t, outputs[0].Output, "invalid arguments")

	msg := h.assistantMessage(t, rec)
	var call models.FunctionCallItem
	require.NoError(t, json.Unmarshal(msg.Parts[0].Payload, &call))
	assert.Equal(t, `{"location": 42}`, call.Arguments, "failed sanitization keeps the raw string")

	var output models.FunctionCallOutputItem
	require.NoError(t, json.Unmarshal(msg.Parts[1].Payload, &output))
	assert.Equal(t, StatusIncomplete, output.Status)
}

func TestEngine_ParallelCapSynthesizesRetryOutput(t *testing.T) {
	registry := emptyRegistry(t)
	require.NoError(t, registry.Register(&testTool{
		name: "lookup",
		fn: func(context.Context, *tools.Context, json.RawMessage) (*tools.Result, error) {
			return &tools.Result{Output: "found"}, nil
		},
	}))
	agent := &models.Agent{Name: "agent", Model: "gpt-main"}

	// One turn with three calls, then the model reacts to the outputs.
	turn := callEvents("item-1", "lookup", `{}`)
	turn = append(turn, callEvents("item-2", "lookup", `{}`)...)
	turn = append(turn, callEvents("item-3", "lookup", `{}`)...)
	turn = append(turn, completedEvent(50, 0, 5))

	client := &fakeLLM{scripts: [][]llm.StreamEvent{turn, textTurn("item-4", "Two found, one to retry.")}}
	h := newHarness(client, registry, EngineConfig{MaxTurns: 5, MaxParallelTools: 2})

	rec, err := h.stream(t, agent, nil, "Look up three things")
	require.NoError(t, err)

	outputs := rec.byType(FrameToolOutputAvailable)
	require.Len(t, outputs, 3)
	assert.Equal(t, "found", outputs[0].Output)
	assert.Equal(t, "found", outputs[1].Output)
	assert.Equal(t, "The tool lookup with arguments {} could not be executed due to rate limit. Call it again.", outputs[2].Output)
}

func TestEngine_ReasoningTurnPersistsEncryptedContent(t *testing.T) {
	client := &fakeLLM{scripts: [][]llm.StreamEvent{{
		{Type: llm.EventReasoningSummaryAdded, ItemID: "rs-1"},
		{Type: llm.EventReasoningSummaryDelta, ItemID: "rs-1", Delta: "Thinking about it"},
		{Type: llm.EventReasoningSummaryDone, ItemID: "rs-1"},
		{Type: llm.EventOutputItemDone, Item: &llm.OutputItem{
			ID:               "rs-1",
			Type:             llm.ItemTypeReasoning,
			Summary:          []llm.ContentPart{{Type: "summary_text", Text: "Thinking about it"}},
			EncryptedContent: "opaque-blob",
		}},
		{Type: llm.EventContentPartAdded, ItemID: "item-1"},
		{Type: llm.EventOutputTextDelta, ItemID: "item-1", Delta: "Answer."},
		{Type: llm.EventContentPartDone, ItemID: "item-1", Part: &llm.ContentPart{Type: "output_text", Text: "Answer."}},
		completedEvent(10, 0, 2),
	}}}
	h := newHarness(client, emptyRegistry(t), EngineConfig{MaxTurns: 5})

	rec, err := h.stream(t, &models.Agent{Name: "agent", Model: "gpt-main", ReasoningEffort: models.ReasoningEffortMedium}, nil, "Think hard")
	require.NoError(t, err)

	assert.Equal(t, []string{
		FrameStart,
		FrameStartStep,
		FrameStartStep, FrameReasoningStart, FrameReasoningDelta, FrameReasoningEnd, FrameFinishStep,
		FrameTextStart, FrameTextDelta, FrameTextEnd, FrameFinishStep,
		FrameFinish,
	}, rec.types())

	msg := h.assistantMessage(t, rec)
	require.Equal(t, []models.PartType{models.PartTypeReasoning, models.PartTypeMessage}, partTypes(msg))

	var item models.ReasoningItem
	require.NoError(t, json.Unmarshal(msg.Parts[0].Payload, &item))
	assert.Equal(t, "opaque-blob", item.EncryptedContent)

	require.NotNil(t, client.requests[0].Reasoning)
	assert.Equal(t, "medium", client.requests[0].Reasoning.Effort)
	assert.Contains(t, client.requests[0].Include, "reasoning.encrypted_content")
}

func TestEngine_ClientDisconnectIsSilent(t *testing.T) {
	client := &fakeLLM{scripts: [][]llm.StreamEvent{{
		{Type: llm.EventContentPartAdded, ItemID: "item-1"},
		{Type: llm.EventOutputTextDelta, ItemID: "item-1", Delta: "partial"},
		{Err: context.Canceled},
	}}}
	h := newHarness(client, emptyRegistry(t), EngineConfig{MaxTurns: 5})

	_, err := h.stream(t, &models.Agent{Name: "agent", Model: "gpt-main"}, nil, "Hello")
	assert.NoError(t, err, "cancellation is swallowed once the stream started")
}

func pendingCallID(t *testing.T, msg *models.Message) string {
	t.Helper()
	pending := msg.PendingToolCalls()
	require.Len(t, pending, 1)
	return pending[0].CallID
}

func usageBlock(input, cached, output int64) llm.Usage {
	var u llm.Usage
	u.InputTokens = input
	u.InputTokensDetails.CachedTokens = cached
	u.OutputTokens = output
	return u
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

// finalTurnInstructions replace the agent's own instructions on the forced
// last turn, when tools are disabled.
const finalTurnInstructions = "You have hit the rate limit of agent turns for this request and tools are no longer available. Briefly tell the user that the limit of reasoning steps was reached and invite them to send a new message to continue."

const refusedToolOutput = "The user refused to validate this tool call."

// EngineConfig bounds one streaming request.
type EngineConfig struct {
	// MaxTurns is the number of tool-using turns; one extra text-only turn
	// is always granted so the stream ends with an explanation.
	MaxTurns         int
	MaxParallelTools int
}

// Engine runs the multi-turn agent loop for one streaming chat request:
// it feeds persisted history to the LLM, mirrors the provider's stream as
// client frames, dispatches tool calls and accumulates the assistant
// message parts it persists along the way.
type Engine struct {
	threads    ports.ThreadRepository
	messages   ports.MessageRepository
	ledger     ports.TokenUsageRepository
	selections ports.ToolSelectionRepository
	ids        ports.IDGenerator
	registry   *tools.Registry
	client     LLMClient
	filter     *Filter
	dispatcher *Dispatcher
	maxTurns   int
}

func NewEngine(
	threads ports.ThreadRepository,
	messages ports.MessageRepository,
	ledger ports.TokenUsageRepository,
	selections ports.ToolSelectionRepository,
	ids ports.IDGenerator,
	registry *tools.Registry,
	client LLMClient,
	filter *Filter,
	cfg EngineConfig,
) *Engine {
	if cfg.MaxTurns < 1 {
		cfg.MaxTurns = 10
	}
	return &Engine{
		threads:    threads,
		messages:   messages,
		ledger:     ledger,
		selections: selections,
		ids:        ids,
		registry:   registry,
		client:     client,
		filter:     filter,
		dispatcher: NewDispatcher(cfg.MaxParallelTools),
		maxTurns:   cfg.MaxTurns,
	}
}

// StreamRequest is one chat_streamed invocation, already authorized.
type StreamRequest struct {
	Thread *models.Thread
	// Agent is the entry agent; Agents indexes every agent reachable
	// through handoff tools, keyed by name.
	Agent  *models.Agent
	Agents map[string]*models.Agent
	// Content is the user's new message; empty on a pure HIL resume.
	Content string
	// ToolNames, when non-empty, bypasses the tool filter with a
	// client-chosen selection.
	ToolNames   []string
	ToolContext *tools.Context
	Emitter     Emitter
}

// errClientGone marks emitter failures: the client hung up mid-stream and
// the loop unwinds silently.
var errClientGone = errors.New("client disconnected")

// Run drives the agent loop until terminal text, a HIL suspension, or the
// turn bound. It never returns an error once frames have been emitted for a
// client that merely disconnected.
func (e *Engine) Run(ctx context.Context, req *StreamRequest) error {
	agent := req.Agent
	tc := req.ToolContext
	if tc == nil {
		tc = tools.NewContext()
	}

	existing, err := e.messages.GetAllByThread(ctx, req.Thread.ID)
	if err != nil {
		return fmt.Errorf("failed to load thread history: %w", err)
	}

	// A trailing incomplete assistant message means a HIL interrupt is
	// open; the request reopens it instead of starting a new message.
	var assistant *models.Message
	resume := false
	if n := len(existing); n > 0 {
		if last := existing[n-1]; last.IsFromAssistant() && !last.IsComplete {
			assistant = last
			resume = true
			existing = existing[:n-1]
		}
	}

	history := BuildHistory(existing)
	if resume {
		history = append(history, BuildHistory([]*models.Message{assistant})...)
	}

	var userItem json.RawMessage
	if req.Content != "" {
		userMsg := models.NewUserMessage(e.ids.NewID(), req.Thread.ID)
		userMsg.AppendPart(e.ids.NewID(), models.PartTypeMessage, UserInputItem(req.Content))
		if err := e.messages.Create(ctx, userMsg); err != nil {
			return fmt.Errorf("failed to persist user message: %w", err)
		}
		e.refreshSearchVector(ctx, userMsg)
		userItem = UserInputItem(req.Content)
	}

	if !resume {
		if userItem != nil {
			history = append(history, userItem)
		}
		// Created after the user message so creation-date ordering matches
		// conversation order.
		assistant = models.NewAssistantMessage(e.ids.NewID(), req.Thread.ID)
		if err := e.messages.Create(ctx, assistant); err != nil {
			return fmt.Errorf("failed to create assistant message: %w", err)
		}
	}
	tc.ThreadID = req.Thread.ID
	tc.MessageID = assistant.ID

	if err := emit(req.Emitter, Frame{Type: FrameStart, MessageID: assistant.ID}); err != nil {
		return nil
	}

	toolset, effort, err := e.resolveToolset(ctx, req, assistant, history, resume)
	if err != nil {
		log.Error().Err(err).Str("thread_id", req.Thread.ID).Msg("tool selection failed")
		return err
	}
	if effort != "" {
		agent = agentWithEffort(agent, effort)
	}

	if resume {
		if err := e.resolvePending(ctx, req.Emitter, assistant, &history, toolset, tc); err != nil {
			if errors.Is(err, errClientGone) {
				return nil
			}
			return err
		}
		// The user's follow-up enters the conversation after the
		// resolved tool outputs.
		if userItem != nil {
			history = append(history, userItem)
		}
	}

	suspended, err := e.runTurns(ctx, req, agent, assistant, &history, toolset, tc)
	if err != nil {
		if errors.Is(err, errClientGone) || errors.Is(err, context.Canceled) {
			// Whatever was committed stays; the rest is dropped.
			return nil
		}
		return err
	}

	flushCtx := context.WithoutCancel(ctx)
	if !suspended {
		// Finalization happens after the closing frame so stream latency
		// is unaffected; a failed flush is logged, the client is gone.
		_ = emit(req.Emitter, Frame{Type: FrameFinish})
		if err := e.messages.SetComplete(flushCtx, assistant.ID, true); err != nil {
			return fmt.Errorf("failed to finalize assistant message: %w", err)
		}
		e.refreshSearchVector(flushCtx, assistant)
	}
	if err := e.threads.Touch(flushCtx, req.Thread.ID); err != nil {
		log.Warn().Err(err).Str("thread_id", req.Thread.ID).Msg("failed to touch thread")
	}
	return nil
}

// resolveToolset decides the turn toolset: replayed selections on resume, a
// client-forced list, or the tool filter's verdict. Fresh filter decisions
// are persisted with their token cost.
func (e *Engine) resolveToolset(ctx context.Context, req *StreamRequest, assistant *models.Message, history []json.RawMessage, resume bool) (map[string]tools.Tool, models.ReasoningEffort, error) {
	available := e.availableTools(req.Agent)

	var names []string
	var effort models.ReasoningEffort

	switch {
	case resume:
		replayed, err := e.selections.GetByMessage(ctx, assistant.ID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to replay tool selection: %w", err)
		}
		for _, sel := range replayed {
			names = append(names, sel.ToolName)
		}
	case len(req.ToolNames) > 0:
		names = req.ToolNames
		// Forced selections persist like filter verdicts so a HIL resume
		// reconstructs the same toolset.
		if err := e.persistSelection(ctx, assistant.ID, names); err != nil {
			return nil, "", err
		}
	default:
		selection, err := e.filter.Select(ctx, history, available)
		if err != nil {
			return nil, "", err
		}
		names = selection.ToolNames
		effort = selection.Effort

		if err := e.persistSelection(ctx, assistant.ID, names); err != nil {
			return nil, "", err
		}
		if selection.Usage != nil {
			e.mintUsage(ctx, assistant.ID, models.TokenTaskToolSelection, e.filter.model, selection.Usage)
		}
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	toolset := make(map[string]tools.Tool)
	for _, t := range available {
		if wanted[t.Name()] {
			toolset[t.Name()] = t
		}
	}
	return toolset, effort, nil
}

func (e *Engine) persistSelection(ctx context.Context, assistantID string, names []string) error {
	records := make([]*models.ToolSelection, 0, len(names))
	for _, name := range names {
		records = append(records, models.NewToolSelection(e.ids.NewID(), assistantID, name))
	}
	if err := e.selections.CreateBatch(ctx, records); err != nil {
		return fmt.Errorf("failed to persist tool selection: %w", err)
	}
	return nil
}

func (e *Engine) availableTools(agent *models.Agent) []tools.Tool {
	var out []tools.Tool
	for _, t := range e.registry.List() {
		if agent.AllowsTool(t.Name()) {
			out = append(out, t)
		}
	}
	return out
}

// resolvePending settles the HIL calls of a reopened assistant message:
// accepted ones execute, everything else gets a refusal output.
func (e *Engine) resolvePending(ctx context.Context, emitter Emitter, assistant *models.Message, history *[]json.RawMessage, toolset map[string]tools.Tool, tc *tools.Context) error {
	pending := assistant.PendingToolCalls()
	if len(pending) == 0 {
		return nil
	}

	accepted := make(map[string]bool, len(pending))
	for _, p := range assistant.Parts {
		if p.Type != models.PartTypeFunctionCall || p.Validated == nil {
			continue
		}
		var call models.FunctionCallItem
		if err := json.Unmarshal(p.Payload, &call); err == nil {
			accepted[call.CallID] = *p.Validated
		}
	}

	if err := emit(emitter, Frame{Type: FrameStartStep}); err != nil {
		return errClientGone
	}

	var batch []ToolCall
	for _, call := range pending {
		if accepted[call.CallID] {
			batch = append(batch, ToolCall{CallID: call.CallID, Name: call.Name, Arguments: call.Arguments})
		}
	}
	responses, _ := e.dispatcher.Run(ctx, batch, toolset, tc)
	byCall := make(map[string]ToolResponse, len(responses))
	for _, resp := range responses {
		byCall[resp.CallID] = resp
	}

	var parts []*models.Part
	for _, call := range pending {
		resp, ran := byCall[call.CallID]
		if !ran {
			resp = ToolResponse{CallID: call.CallID, Status: StatusCompleted, Output: refusedToolOutput}
		}
		part, err := e.appendOutput(assistant, history, resp)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		if err := emit(emitter, Frame{Type: FrameToolOutputAvailable, ToolCallID: resp.CallID, Output: resp.Output}); err != nil {
			return errClientGone
		}
	}
	if err := emit(emitter, Frame{Type: FrameFinishStep}); err != nil {
		return errClientGone
	}

	flushCtx := context.WithoutCancel(ctx)
	if err := e.messages.AppendParts(flushCtx, assistant.ID, parts); err != nil {
		return fmt.Errorf("failed to persist resumed tool outputs: %w", err)
	}
	e.mintToolUsage(flushCtx, assistant.ID, tc)
	return nil
}

// runTurns is the per-turn loop. It returns suspended=true when a HIL call
// breaks the loop and control goes back to the client.
func (e *Engine) runTurns(ctx context.Context, req *StreamRequest, agent *models.Agent, assistant *models.Message, history *[]json.RawMessage, toolset map[string]tools.Tool, tc *tools.Context) (bool, error) {
	for turn := 1; turn <= e.maxTurns+1; turn++ {
		finalTurn := turn == e.maxTurns+1

		if err := emit(req.Emitter, Frame{Type: FrameStartStep}); err != nil {
			return false, errClientGone
		}

		events, err := e.client.Stream(ctx, e.buildRequest(agent, *history, toolset, finalTurn))
		if err != nil {
			return false, fmt.Errorf("LLM stream failed to open: %w", err)
		}

		ts := &turnState{
			ids:     e.ids,
			emitter: req.Emitter,
			message: assistant,
			history: history,
			toolset: toolset,
			text:    make(map[string]*strings.Builder),
			args:    make(map[string]*strings.Builder),
			byItem:  make(map[string]int),
		}
		for ev := range events {
			ts.handle(ev)
		}
		if ts.emitErr != nil {
			return false, errClientGone
		}
		if ts.err != nil {
			return false, ts.err
		}

		flushCtx := context.WithoutCancel(ctx)
		if len(ts.newParts) > 0 {
			if err := e.messages.AppendParts(flushCtx, assistant.ID, ts.newParts); err != nil {
				return false, fmt.Errorf("failed to persist assistant parts: %w", err)
			}
		}
		if ts.usage != nil {
			e.mintUsage(flushCtx, assistant.ID, models.TokenTaskChatCompletion, agent.Model, ts.usage)
		}

		if len(ts.calls) == 0 {
			// Terminal text: the model had nothing left to call.
			return false, nil
		}

		executable, hil := SplitHIL(ts.calls, toolset)

		var outputs []*models.Part
		if len(executable) > 0 {
			responses, handoff := e.dispatcher.Run(ctx, executable, toolset, tc)
			for _, resp := range responses {
				part, err := e.appendOutput(assistant, history, resp)
				if err != nil {
					return false, err
				}
				outputs = append(outputs, part)
				if err := emit(req.Emitter, Frame{Type: FrameToolOutputAvailable, ToolCallID: resp.CallID, Output: resp.Output}); err != nil {
					return false, errClientGone
				}
			}
			if handoff != "" {
				if next, ok := req.Agents[handoff]; ok {
					agent = agentWithEffort(next, agent.ReasoningEffort)
					toolset = e.restrictToolset(toolset, agent)
				} else {
					log.Warn().Str("agent", handoff).Msg("handoff to unknown agent ignored")
				}
			}
		}
		if len(outputs) > 0 {
			if err := e.messages.AppendParts(flushCtx, assistant.ID, outputs); err != nil {
				return false, fmt.Errorf("failed to persist tool outputs: %w", err)
			}
		}
		e.mintToolUsage(flushCtx, assistant.ID, tc)

		if err := emit(req.Emitter, Frame{Type: FrameFinishStep}); err != nil {
			return false, errClientGone
		}

		if len(hil) > 0 {
			meta := &MessageMetadata{}
			for _, call := range hil {
				meta.ToolCalls = append(meta.ToolCalls, PendingToolCall{
					ToolCallID: call.CallID,
					Validated:  "pending",
					IsComplete: true,
				})
			}
			if err := emit(req.Emitter, Frame{Type: FrameFinish, Metadata: meta}); err != nil {
				return true, nil
			}
			return true, nil
		}
	}

	// The forced final turn ran with tools disabled, so the loop can only
	// get here if the provider ignored that; treat it as terminal.
	return false, nil
}

func (e *Engine) buildRequest(agent *models.Agent, history []json.RawMessage, toolset map[string]tools.Tool, finalTurn bool) *llm.Request {
	temperature := agent.Temperature
	req := &llm.Request{
		Model:        agent.Model,
		Instructions: agent.Instructions,
		Input:        history,
		Temperature:  &temperature,
		Include:      []string{"reasoning.encrypted_content"},
		Store:        false,
	}

	if agent.ReasoningEffort != "" {
		req.Reasoning = &llm.ReasoningConfig{Effort: string(agent.ReasoningEffort), Summary: "auto"}
	}

	if finalTurn {
		req.Instructions = finalTurnInstructions
		return req
	}

	for _, t := range e.registry.List() {
		if _, ok := toolset[t.Name()]; !ok {
			continue
		}
		req.Tools = append(req.Tools, llm.ToolDef{
			Type:        "function",
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return req
}

func (e *Engine) restrictToolset(toolset map[string]tools.Tool, agent *models.Agent) map[string]tools.Tool {
	out := make(map[string]tools.Tool, len(toolset))
	for name, t := range toolset {
		if agent.AllowsTool(name) {
			out[name] = t
		}
	}
	// Tools granted only to the new agent join the set; the filter's
	// selection keeps applying to what both agents share.
	for _, t := range e.availableTools(agent) {
		if _, ok := out[t.Name()]; !ok && len(agent.Tools) > 0 {
			out[t.Name()] = t
		}
	}
	return out
}

// appendOutput turns one dispatcher response into a FUNCTION_CALL_OUTPUT
// part appended to the message and the replay history.
func (e *Engine) appendOutput(assistant *models.Message, history *[]json.RawMessage, resp ToolResponse) (*models.Part, error) {
	payload, err := json.Marshal(models.FunctionCallOutputItem{
		Type:   "function_call_output",
		CallID: resp.CallID,
		Output: resp.Output,
		Status: resp.Status,
	})
	if err != nil {
		return nil, err
	}
	part := assistant.AppendPart(e.ids.NewID(), models.PartTypeFunctionCallOutput, payload)
	*history = append(*history, payload)
	return part, nil
}

// mintUsage writes one usage block to the token ledger, split into the
// provider's billing categories.
func (e *Engine) mintUsage(ctx context.Context, messageID string, task models.TokenTask, model string, u *llm.Usage) {
	records := []*models.TokenUsage{
		models.NewTokenUsage(e.ids.NewID(), messageID, task, models.TokenTypeInputCached, model, u.InputTokensDetails.CachedTokens),
		models.NewTokenUsage(e.ids.NewID(), messageID, task, models.TokenTypeInputNonCached, model, u.NonCachedInput()),
		models.NewTokenUsage(e.ids.NewID(), messageID, task, models.TokenTypeCompletion, model, u.OutputTokens),
	}
	if err := e.ledger.CreateBatch(ctx, records); err != nil {
		log.Error().Err(err).Str("message_id", messageID).Str("task", string(task)).Msg("failed to write token ledger")
	}
}

// mintToolUsage drains sub-LLM consumption reported by tools and books it
// as call-within-tool ledger records. The dispatcher join fences the tool
// writes, so the drain observes a settled map.
func (e *Engine) mintToolUsage(ctx context.Context, messageID string, tc *tools.Context) {
	for callID, entries := range tc.DrainUsage() {
		for _, entry := range entries {
			u := entry.Usage
			e.mintUsage(ctx, messageID, models.TokenTaskCallWithinTool, entry.Model, &u)
		}
		log.Debug().Str("call_id", callID).Int("llm_calls", len(entries)).Msg("booked sub-tool usage")
	}
}

func (e *Engine) refreshSearchVector(ctx context.Context, msg *models.Message) {
	text := msg.TextContent()
	if text == "" {
		return
	}
	if err := e.messages.UpdateSearchVector(ctx, msg.ID, text); err != nil {
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to refresh search vector")
	}
}

func agentWithEffort(agent *models.Agent, effort models.ReasoningEffort) *models.Agent {
	if effort == "" || agent.ReasoningEffort == effort {
		return agent
	}
	clone := *agent
	clone.ReasoningEffort = effort
	return &clone
}

func emit(emitter Emitter, frame Frame) error {
	return emitter.Emit(frame)
}

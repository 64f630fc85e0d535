package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

// turnState accumulates one LLM turn: the frames already emitted, the parts
// built from completed items, and the tool calls to dispatch afterwards.
// It is mutated only by the single goroutine consuming the event stream.
type turnState struct {
	ids     ports.IDGenerator
	emitter Emitter
	message *models.Message
	history *[]json.RawMessage
	toolset map[string]tools.Tool

	newParts []*models.Part
	calls    []ToolCall
	usage    *llm.Usage

	// text and args buffer deltas per provider item id; byItem maps the
	// provider's function-call item id to an index into calls.
	text   map[string]*strings.Builder
	args   map[string]*strings.Builder
	byItem map[string]int

	err     error
	emitErr error
}

func (ts *turnState) handle(ev llm.StreamEvent) {
	if ts.err != nil || ts.emitErr != nil {
		return
	}
	if ev.Err != nil {
		ts.err = ev.Err
		return
	}

	switch ev.Type {
	case llm.EventReasoningSummaryAdded:
		ts.onReasoningStart(ev)
	case llm.EventReasoningSummaryDelta:
		ts.emit(Frame{Type: FrameReasoningDelta, ID: ev.ItemID, Delta: ev.Delta})
	case llm.EventReasoningSummaryDone:
		ts.emit(Frame{Type: FrameReasoningEnd, ID: ev.ItemID})
		ts.emit(Frame{Type: FrameFinishStep})
	case llm.EventContentPartAdded:
		ts.emit(Frame{Type: FrameTextStart, ID: ev.ItemID})
	case llm.EventOutputTextDelta:
		ts.onTextDelta(ev)
	case llm.EventContentPartDone:
		ts.onTextDone(ev)
	case llm.EventOutputItemAdded:
		ts.onItemAdded(ev)
	case llm.EventFunctionCallArgsDelta:
		ts.onArgsDelta(ev)
	case llm.EventOutputItemDone:
		ts.onItemDone(ev)
	case llm.EventResponseCompleted, llm.EventResponseIncomplete:
		if ev.Response != nil {
			ts.usage = ev.Response.Usage
		}
	case llm.EventResponseFailed:
		if ev.Response != nil && ev.Response.Error != nil {
			ts.err = fmt.Errorf("LLM response failed: %s: %s", ev.Response.Error.Code, ev.Response.Error.Message)
		} else {
			ts.err = fmt.Errorf("LLM response failed")
		}
	case llm.EventError:
		ts.err = fmt.Errorf("LLM stream error: %s", ev.Delta)
	}
}

func (ts *turnState) onReasoningStart(ev llm.StreamEvent) {
	ts.emit(Frame{Type: FrameStartStep})
	ts.emit(Frame{Type: FrameReasoningStart, ID: ev.ItemID})
}

func (ts *turnState) onTextDelta(ev llm.StreamEvent) {
	buf, ok := ts.text[ev.ItemID]
	if !ok {
		buf = &strings.Builder{}
		ts.text[ev.ItemID] = buf
	}
	buf.WriteString(ev.Delta)
	ts.emit(Frame{Type: FrameTextDelta, ID: ev.ItemID, Delta: ev.Delta})
}

// onTextDone closes a text block: the full text becomes a MESSAGE part and
// joins the replay history.
func (ts *turnState) onTextDone(ev llm.StreamEvent) {
	text := ""
	if ev.Part != nil {
		text = ev.Part.Text
	}
	if text == "" {
		if buf, ok := ts.text[ev.ItemID]; ok {
			text = buf.String()
		}
	}
	if text != "" {
		ts.appendPart(models.PartTypeMessage, models.MessageItem{
			Type:    "message",
			Role:    "assistant",
			Content: []models.MessageContent{{Type: "output_text", Text: text}},
			Status:  "completed",
		})
	}
	ts.emit(Frame{Type: FrameTextEnd, ID: ev.ItemID})
	ts.emit(Frame{Type: FrameFinishStep})
}

// onItemAdded mints a private call id for a starting function call. The
// provider's own id may collide across turns and never reaches the client.
func (ts *turnState) onItemAdded(ev llm.StreamEvent) {
	if ev.Item == nil || ev.Item.Type != llm.ItemTypeFunctionCall {
		return
	}
	call := ToolCall{
		CallID: ts.ids.NewID(),
		Name:   ev.Item.Name,
	}
	ts.byItem[ev.Item.ID] = len(ts.calls)
	ts.calls = append(ts.calls, call)
	ts.args[ev.Item.ID] = &strings.Builder{}

	ts.emit(Frame{Type: FrameStartStep})
	ts.emit(Frame{Type: FrameToolInputStart, ToolCallID: call.CallID, ToolName: call.Name})
}

func (ts *turnState) onArgsDelta(ev llm.StreamEvent) {
	idx, ok := ts.byItem[ev.ItemID]
	if !ok {
		return
	}
	ts.args[ev.ItemID].WriteString(ev.Delta)
	ts.emit(Frame{Type: FrameToolInputDelta, ToolCallID: ts.calls[idx].CallID, InputTextDelta: ev.Delta})
}

func (ts *turnState) onItemDone(ev llm.StreamEvent) {
	if ev.Item == nil {
		return
	}
	switch ev.Item.Type {
	case llm.ItemTypeFunctionCall:
		ts.onCallDone(ev)
	case llm.ItemTypeReasoning:
		ts.onReasoningDone(ev)
	}
}

// onCallDone finalizes a function call: arguments are sanitized against the
// tool's schema when possible, otherwise kept raw so the dispatcher can
// answer with the validator's complaint.
func (ts *turnState) onCallDone(ev llm.StreamEvent) {
	idx, ok := ts.byItem[ev.Item.ID]
	if !ok {
		// Done without a preceding added event; register late.
		ts.onItemAdded(llm.StreamEvent{Item: ev.Item})
		idx = ts.byItem[ev.Item.ID]
	}
	call := &ts.calls[idx]
	if call.Name == "" {
		call.Name = ev.Item.Name
	}

	rawArgs := ev.Item.Arguments
	if rawArgs == "" {
		rawArgs = ts.args[ev.Item.ID].String()
	}
	call.Arguments = rawArgs
	if tool, ok := ts.toolset[call.Name]; ok {
		if sanitized, err := tools.SanitizeArguments(tool.InputSchema(), rawArgs); err == nil {
			call.Arguments = string(sanitized)
		}
	}

	ts.appendPart(models.PartTypeFunctionCall, models.FunctionCallItem{
		Type:      "function_call",
		CallID:    call.CallID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Status:    "completed",
	})

	ts.emit(Frame{
		Type:       FrameToolInputAvailable,
		ToolCallID: call.CallID,
		ToolName:   call.Name,
		Input:      inputObject(call.Arguments),
	})
	ts.emit(Frame{Type: FrameFinishStep})
}

// onReasoningDone persists the reasoning item, encrypted content included,
// so it replays on later turns.
func (ts *turnState) onReasoningDone(ev llm.StreamEvent) {
	item := models.ReasoningItem{
		Type:             "reasoning",
		EncryptedContent: ev.Item.EncryptedContent,
	}
	for _, s := range ev.Item.Summary {
		item.Content = append(item.Content, models.ReasoningContent{Type: s.Type, Text: s.Text})
	}
	ts.appendPart(models.PartTypeReasoning, item)
}

func (ts *turnState) appendPart(partType models.PartType, item any) {
	payload, err := json.Marshal(item)
	if err != nil {
		ts.err = fmt.Errorf("failed to encode %s part: %w", partType, err)
		return
	}
	part := ts.message.AppendPart(ts.ids.NewID(), partType, payload)
	ts.newParts = append(ts.newParts, part)
	*ts.history = append(*ts.history, payload)
}

func (ts *turnState) emit(frame Frame) {
	if ts.emitErr != nil {
		return
	}
	ts.emitErr = ts.emitter.Emit(frame)
}

// inputObject renders tool arguments for the client: the parsed object when
// the arguments are valid JSON, otherwise the raw text as a JSON string.
func inputObject(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/openbrainhub/neuroagent/internal/tools"
)

// Tool output statuses recorded in FUNCTION_CALL_OUTPUT payloads.
const (
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"
)

// ToolCall is one pending function call collected from the model's stream.
// CallID is the server-minted UUID, stable across replayed history.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// ToolResponse is the dispatcher's verdict on one call. Incomplete responses
// carry an error payload the model can self-correct from.
type ToolResponse struct {
	CallID  string
	Status  string
	Output  string
	Handoff string
}

// Dispatcher executes a batch of non-HIL tool calls with a concurrency cap.
type Dispatcher struct {
	maxParallel int64
}

func NewDispatcher(maxParallel int) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Dispatcher{maxParallel: int64(maxParallel)}
}

// SplitHIL partitions a batch by the HIL flag of each call's tool. Unknown
// tools land in the executable half, where Run turns them into a refusal.
func SplitHIL(calls []ToolCall, toolset map[string]tools.Tool) (executable, hil []ToolCall) {
	for _, call := range calls {
		if tool, ok := toolset[call.Name]; ok && tool.HIL() {
			hil = append(hil, call)
			continue
		}
		executable = append(executable, call)
	}
	return executable, hil
}

// Run executes the batch. Slots are claimed in batch order before anything
// starts, so at most maxParallel calls run and run concurrently; calls beyond
// the cap get a synthetic retry response without running. Every call produces
// exactly one response, in batch order. The returned handoff is the last
// non-empty one across the batch.
func (d *Dispatcher) Run(ctx context.Context, calls []ToolCall, toolset map[string]tools.Tool, tc *tools.Context) ([]ToolResponse, string) {
	responses := make([]ToolResponse, len(calls))
	sem := semaphore.NewWeighted(d.maxParallel)

	admitted := make([]bool, len(calls))
	for i, call := range calls {
		if sem.TryAcquire(1) {
			admitted[i] = true
			continue
		}
		responses[i] = ToolResponse{
			CallID: call.CallID,
			Status: StatusIncomplete,
			Output: fmt.Sprintf("The tool %s with arguments %s could not be executed due to rate limit. Call it again.", call.Name, call.Arguments),
		}
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		if !admitted[i] {
			continue
		}
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			responses[i] = d.runOne(ctx, call, toolset, tc)
		}(i, call)
	}
	wg.Wait()

	var handoff string
	for _, resp := range responses {
		if resp.Handoff != "" {
			handoff = resp.Handoff
		}
	}
	return responses, handoff
}

// runOne isolates one call: schema validation, execution and panics each
// resolve to a response instead of failing the batch.
func (d *Dispatcher) runOne(ctx context.Context, call ToolCall, toolset map[string]tools.Tool, tc *tools.Context) (resp ToolResponse) {
	resp = ToolResponse{CallID: call.CallID}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("tool", call.Name).
				Str("call_id", call.CallID).
				Interface("panic", r).
				Msg("tool execution panicked")
			resp.Status = StatusIncomplete
			resp.Output = fmt.Sprintf("tool %s crashed: %v", call.Name, r)
			resp.Handoff = ""
		}
	}()

	tool, ok := toolset[call.Name]
	if !ok {
		resp.Status = StatusIncomplete
		resp.Output = fmt.Sprintf("You are not allowed to run the tool %s.", call.Name)
		return resp
	}

	args, err := tools.SanitizeArguments(tool.InputSchema(), call.Arguments)
	if err != nil {
		resp.Status = StatusIncomplete
		resp.Output = fmt.Sprintf("invalid arguments for tool %s: %v", call.Name, err)
		return resp
	}

	result, err := tool.Execute(ctx, tc.ForCall(call.CallID), args)
	if err != nil {
		log.Warn().
			Err(err).
			Str("tool", call.Name).
			Str("call_id", call.CallID).
			Msg("tool execution failed")
		resp.Status = StatusIncomplete
		resp.Output = err.Error()
		return resp
	}

	resp.Status = StatusCompleted
	resp.Output = result.Output
	resp.Handoff = result.Handoff
	if resp.Output == "" && resp.Handoff != "" {
		handoffNote, _ := json.Marshal(map[string]string{"handoff": resp.Handoff})
		resp.Output = string(handoffNote)
	}
	return resp
}

package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbrainhub/neuroagent/internal/llm"
)

func usageOf(input, cached, output int64) llm.Usage {
	var u llm.Usage
	u.InputTokens = input
	u.InputTokensDetails.CachedTokens = cached
	u.OutputTokens = output
	return u
}

func TestGetStateTool_FullDocument(t *testing.T) {
	tc := NewContext()
	tc.State.Set(json.RawMessage(`{"smc_simulation_config":{"duration":100}}`))

	result, err := (&GetStateTool{}).Execute(context.Background(), tc, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"smc_simulation_config":{"duration":100}}`, result.Output)
}

func TestGetStateTool_KeySubset(t *testing.T) {
	tc := NewContext()
	tc.State.Set(json.RawMessage(`{"a":1,"b":2}`))

	result, err := (&GetStateTool{}).Execute(context.Background(), tc, json.RawMessage(`{"keys":["b","missing"]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, result.Output)
}

func TestGetStateTool_EmptyState(t *testing.T) {
	result, err := (&GetStateTool{}).Execute(context.Background(), NewContext(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, result.Output)
}

func TestEditStateTool_AppliesPatchAndInfersURL(t *testing.T) {
	tc := NewContext()
	tc.VlabID = "vlab_1"
	tc.ProjectID = "proj_1"
	tc.BaseURL = "https://platform.example.org"
	tc.State.Set(json.RawMessage(`{"smc_simulation_config":{"duration":100}}`))

	args := json.RawMessage(`{"operations":[{"op":"replace","path":"/smc_simulation_config/duration","value":500}]}`)
	result, err := (&EditStateTool{}).Execute(context.Background(), tc, args)
	require.NoError(t, err)

	var out editStateOutput
	require.NoError(t, json.Unmarshal([]byte(result.Output), &out))
	assert.JSONEq(t, `{"smc_simulation_config":{"duration":500}}`, string(out.State))
	assert.Contains(t, out.ReturnURL, "simulate/single-cell/edit")

	// The shared state is updated in place for later calls.
	assert.JSONEq(t, `{"smc_simulation_config":{"duration":500}}`, string(tc.State.Get()))
}

func TestEditStateTool_RejectsEmptyPatch(t *testing.T) {
	_, err := (&EditStateTool{}).Execute(context.Background(), NewContext(), json.RawMessage(`{"operations":[]}`))
	assert.Error(t, err)
}

func TestContext_UsageRecording(t *testing.T) {
	root := NewContext()

	callCtx := root.ForCall("call_1")
	callCtx.RecordUsage("gpt-4.1-mini", usageOf(10, 2, 5))
	callCtx.RecordUsage("gpt-4.1-mini", usageOf(20, 0, 1))
	root.ForCall("call_2").RecordUsage("gpt-4.1", usageOf(7, 0, 3))

	drained := root.DrainUsage()
	require.Len(t, drained["call_1"], 2)
	require.Len(t, drained["call_2"], 1)
	assert.Equal(t, int64(8), drained["call_1"][0].Usage.NonCachedInput())

	assert.Empty(t, root.DrainUsage(), "drain clears the map")
}

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitylab/unity-coordinator/internal/protocol"
)

func TestStepChainLifecycle(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()
	require.NoError(t, r.RegisterOffice(ctx, "eve", "analytical", protocol.BaseHandler{}))
	require.NoError(t, r.RegisterOffice(ctx, "zen", "creative", protocol.BaseHandler{}))

	steps := []Step{
		{Office: "eve", Action: "analyze", Params: map[string]interface{}{"depth": 2}},
		{Office: "zen", Action: "reframe"},
	}
	require.NoError(t, r.CreateWorkflow(ctx, "wf-1", steps, "system"))

	state, err := r.WorkflowState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "initiated", state.Status)
	assert.Equal(t, 0, state.CurrentStep)

	// First office finished: chain advances and dispatches the next
	require.NoError(t, r.AdvanceWorkflow(ctx, "wf-1", map[string]interface{}{"insight": "a"}))
	state, err = r.WorkflowState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", state.Status)
	assert.Equal(t, 1, state.CurrentStep)
	assert.Equal(t, "a", state.Steps[0].Result["insight"])
	assert.NotZero(t, state.Steps[0].CompletedAt)

	// Last office finished: chain completes and the result broadcast
	// reaches every office
	require.NoError(t, r.AdvanceWorkflow(ctx, "wf-1", map[string]interface{}{"insight": "b"}))
	state, err = r.WorkflowState(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", state.Status)
	assert.NotZero(t, state.CompletedAt)

	msg := dequeueEvent(t, r, "eve", "workflow_completed")
	data, ok := msg.Payload["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "wf-1", data["workflow_id"])
	results, ok := data["results"].([]interface{})
	require.True(t, ok)
	assert.Len(t, results, 2)
}

func TestAdvanceUnknownWorkflow(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	err := r.AdvanceWorkflow(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestCreateWorkflowRejectsEmptySteps(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	ctx := context.Background()

	err := r.CreateWorkflow(ctx, "wf-empty", nil, "system")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")

	_, err = r.WorkflowState(ctx, "wf-empty")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestAdvanceWorkflowGuardsStepBounds(t *testing.T) {
	r, client := newTestRouter(t, Config{})
	ctx := context.Background()

	// A chain persisted with no steps, as an older writer could leave it.
	raw := `{"workflow_id":"wf-hollow","steps":[],"current_step":0,"status":"initiated"}`
	require.NoError(t, client.Set(ctx, "unity:workflow:wf-hollow", raw, 0).Err())

	err := r.AdvanceWorkflow(ctx, "wf-hollow", map[string]interface{}{"done": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no step to advance")
}

package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/service"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/pkg/schema"
)

// --- Mock Operations ---

type mockOps struct {
	Operations // embed for unimplemented methods

	drafts   []*schema.WorkflowDefinition
	patches  []definition.Patch
	runReqs  []service.RunWorkflowRequest
	listReqs []service.ListRunsRequest
	trigReqs []trigger.Request
	diagrams []service.DiagramRequest
	events   []*schema.Event
	signals  []string

	runErr    error
	signalErr error
}

func (m *mockOps) CreateDraft(_ context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	def.Status = schema.DefinitionStatusDraft
	m.drafts = append(m.drafts, def)
	return def, nil
}

func (m *mockOps) UpdateDraft(_ context.Context, id string, patch definition.Patch) (*schema.WorkflowDefinition, error) {
	m.patches = append(m.patches, patch)
	return &schema.WorkflowDefinition{ID: id, Name: *patch.Name}, nil
}

func (m *mockOps) GetDefinition(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	if id != "digest" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return &schema.WorkflowDefinition{ID: id, Version: version}, nil
}

func (m *mockOps) RunWorkflow(_ context.Context, req service.RunWorkflowRequest) (*schema.WorkflowRun, error) {
	if m.runErr != nil {
		return nil, m.runErr
	}
	m.runReqs = append(m.runReqs, req)
	return &schema.WorkflowRun{
		ID:          "run-1",
		WorkflowID:  req.WorkflowID,
		Status:      schema.RunStatusQueued,
		TriggerKind: schema.TriggerKindManual,
		Input:       req.Input,
	}, nil
}

func (m *mockOps) signal(kind, runID string) (*schema.WorkflowRun, error) {
	if m.signalErr != nil {
		return nil, m.signalErr
	}
	m.signals = append(m.signals, kind+":"+runID)
	return &schema.WorkflowRun{ID: runID, Status: schema.RunStatusRunning}, nil
}

func (m *mockOps) PauseRun(_ context.Context, runID string) (*schema.WorkflowRun, error) {
	return m.signal("pause", runID)
}

func (m *mockOps) ResumeRun(_ context.Context, runID string) (*schema.WorkflowRun, error) {
	return m.signal("resume", runID)
}

func (m *mockOps) CancelRun(_ context.Context, runID string) (*schema.WorkflowRun, error) {
	return m.signal("cancel", runID)
}

func (m *mockOps) ListRuns(_ context.Context, req service.ListRunsRequest) ([]*schema.WorkflowRun, error) {
	m.listReqs = append(m.listReqs, req)
	return nil, nil
}

func (m *mockOps) GetEvents(_ context.Context, runID string, since int64) ([]*schema.Event, error) {
	out := []*schema.Event{}
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockOps) ReplayRun(_ context.Context, runID string, cursor int64) (*store.ReplayState, error) {
	return &store.ReplayState{Run: &schema.WorkflowRun{ID: runID}, Cursor: cursor}, nil
}

func (m *mockOps) EvaluateTriggerMessage(_ context.Context, req trigger.Request) (*trigger.Result, error) {
	m.trigReqs = append(m.trigReqs, req)
	return &trigger.Result{Matches: []schema.TriggerMatch{{WorkflowID: "digest", Confidence: 0.9, ShouldActivate: true}}}, nil
}

func (m *mockOps) ListScheduledTasks(_ context.Context) ([]scheduler.ScheduledTask, error) {
	return []scheduler.ScheduledTask{{WorkflowID: "digest", TriggerID: "digest-trigger-1"}}, nil
}

func (m *mockOps) Diagram(_ context.Context, req service.DiagramRequest) (string, error) {
	m.diagrams = append(m.diagrams, req)
	if req.Format == "svg" {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", req.Format)
	}
	return "graph TD\n", nil
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestCreateDraftTool(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})

	req := buildRequest("opflow.create_draft", map[string]any{
		"definition": map[string]any{
			"id":   "digest",
			"name": "Daily digest",
			"nodes": []any{
				map[string]any{"id": "fetch", "type": "agent_step", "config": map[string]any{"agent": "echo"}},
			},
		},
	})

	result, err := s.handleCreateDraft(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ops.drafts, 1)
	assert.Equal(t, "digest", ops.drafts[0].ID)
	require.Len(t, ops.drafts[0].Nodes, 1)
	assert.Equal(t, schema.NodeTypeAgentStep, ops.drafts[0].Nodes[0].Type)

	var out schema.WorkflowDefinition
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.DefinitionStatusDraft, out.Status)
}

func TestCreateDraftToolMissingDefinition(t *testing.T) {
	s := NewServer(ServerDeps{Ops: &mockOps{}})

	result, err := s.handleCreateDraft(context.Background(), buildRequest("opflow.create_draft", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "definition is required")
}

func TestUpdateDraftTool(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})

	req := buildRequest("opflow.update_draft", map[string]any{
		"workflow_id": "digest",
		"patch":       map[string]any{"name": "Weekly digest"},
	})
	result, err := s.handleUpdateDraft(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ops.patches, 1)
	require.NotNil(t, ops.patches[0].Name)
	assert.Equal(t, "Weekly digest", *ops.patches[0].Name)
	assert.Nil(t, ops.patches[0].Nodes)
}

func TestGetDefinitionTool(t *testing.T) {
	s := NewServer(ServerDeps{Ops: &mockOps{}})

	result, err := s.handleGetDefinition(context.Background(), buildRequest("opflow.get_definition", map[string]any{
		"workflow_id": "digest",
		"version":     float64(2),
	}))
	require.NoError(t, err)
	var def schema.WorkflowDefinition
	unmarshalResult(t, result, &def)
	assert.Equal(t, 2, def.Version)

	result, err = s.handleGetDefinition(context.Background(), buildRequest("opflow.get_definition", map[string]any{
		"workflow_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestRunWorkflowTool(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})

	req := buildRequest("opflow.run_workflow", map[string]any{
		"workflow_id": "digest",
		"input":       map[string]any{"repo": "opflow"},
	})
	result, err := s.handleRunWorkflow(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ops.runReqs, 1)
	assert.Equal(t, "digest", ops.runReqs[0].WorkflowID)
	assert.JSONEq(t, `{"repo":"opflow"}`, string(ops.runReqs[0].Input))

	var run schema.WorkflowRun
	unmarshalResult(t, result, &run)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, schema.RunStatusQueued, run.Status)
}

func TestRunWorkflowToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{Ops: &mockOps{}})

	result, err := s.handleRunWorkflow(context.Background(), buildRequest("opflow.run_workflow", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "workflow_id is required")

	s = NewServer(ServerDeps{Ops: &mockOps{runErr: schema.NewError(schema.ErrCodeNotFound, "no published version")}})
	result, err = s.handleRunWorkflow(context.Background(), buildRequest("opflow.run_workflow", map[string]any{
		"workflow_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	var out struct {
		Error schema.FlowError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), &out))
	assert.Equal(t, schema.ErrCodeNotFound, out.Error.Code)
}

func TestRunSignalTools(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})
	ctx := context.Background()
	req := buildRequest("", map[string]any{"run_id": "run-1"})

	for _, handler := range []func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		s.handlePauseRun, s.handleResumeRun, s.handleCancelRun,
	} {
		result, err := handler(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.IsError)
	}
	assert.Equal(t, []string{"pause:run-1", "resume:run-1", "cancel:run-1"}, ops.signals)

	result, err := s.handlePauseRun(ctx, buildRequest("opflow.pause_run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "run_id is required")
}

func TestRunSignalToolInvalidTransition(t *testing.T) {
	s := NewServer(ServerDeps{Ops: &mockOps{
		signalErr: schema.NewError(schema.ErrCodeInvalidTransition, "run is completed"),
	}})

	result, err := s.handleCancelRun(context.Background(), buildRequest("opflow.cancel_run", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeInvalidTransition)
}

func TestListRunsTool(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})

	req := buildRequest("opflow.list_runs", map[string]any{
		"filter": map[string]any{
			"workflow_id":  "digest",
			"status":       []any{"failed", "failed_recoverable"},
			"trigger_kind": "schedule",
			"since":        "2026-02-10T12:00:00Z",
			"limit":        float64(10),
		},
		"where": `run.elapsed_ms > 60000`,
	})
	result, err := s.handleListRuns(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ops.listReqs, 1)
	lr := ops.listReqs[0]
	assert.Equal(t, "digest", lr.WorkflowID)
	assert.Equal(t, []schema.RunStatus{schema.RunStatusFailed, schema.RunStatusFailedRecoverable}, lr.Statuses)
	assert.Equal(t, schema.TriggerKindSchedule, lr.TriggerKind)
	require.NotNil(t, lr.Since)
	assert.True(t, lr.Since.Equal(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 10, lr.Limit)
	assert.Equal(t, `run.elapsed_ms > 60000`, lr.Where)

	var out map[string][]schema.WorkflowRun
	unmarshalResult(t, result, &out)
	assert.NotNil(t, out["runs"])
}

func TestListRunsToolDefaults(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})

	_, err := s.handleListRuns(context.Background(), buildRequest("opflow.list_runs", map[string]any{
		"filter": map[string]any{"status": "completed, failed"},
	}))
	require.NoError(t, err)
	require.Len(t, ops.listReqs, 1)
	assert.Equal(t, 50, ops.listReqs[0].Limit)
	assert.Equal(t, []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed}, ops.listReqs[0].Statuses)

	result, err := s.handleListRuns(context.Background(), buildRequest("opflow.list_runs", map[string]any{
		"filter": map[string]any{"since": "yesterday"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetEventsTool(t *testing.T) {
	ops := &mockOps{events: []*schema.Event{
		{RunID: "run-1", Sequence: 1, Type: schema.EventRunCreated},
		{RunID: "run-1", Sequence: 2, Type: schema.EventRunStarted},
		{RunID: "run-1", Sequence: 3, Type: schema.EventNodeStarted},
		{RunID: "run-2", Sequence: 1, Type: schema.EventRunCreated},
	}}
	s := NewServer(ServerDeps{Ops: ops})

	result, err := s.handleGetEvents(context.Background(), buildRequest("opflow.get_events", map[string]any{
		"run_id": "run-1",
		"since":  float64(1),
	}))
	require.NoError(t, err)

	var out struct {
		Events []schema.Event `json:"events"`
		Cursor int64          `json:"cursor"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Events, 2)
	assert.Equal(t, schema.EventRunStarted, out.Events[0].Type)
	assert.Equal(t, int64(3), out.Cursor)

	result, err = s.handleGetEvents(context.Background(), buildRequest("opflow.get_events", map[string]any{
		"run_id": "run-1",
		"since":  float64(3),
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &out)
	assert.Empty(t, out.Events)
	assert.Equal(t, int64(3), out.Cursor)
}

func TestReplayRunTool(t *testing.T) {
	s := NewServer(ServerDeps{Ops: &mockOps{}})

	result, err := s.handleReplayRun(context.Background(), buildRequest("opflow.replay_run", map[string]any{
		"run_id": "run-1",
		"cursor": "4",
	}))
	require.NoError(t, err)
	var state store.ReplayState
	unmarshalResult(t, result, &state)
	assert.Equal(t, int64(4), state.Cursor)
	assert.Equal(t, "run-1", state.Run.ID)

	result, err = s.handleReplayRun(context.Background(), buildRequest("opflow.replay_run", map[string]any{
		"run_id": "run-1",
	}))
	require.NoError(t, err)
	state = store.ReplayState{}
	unmarshalResult(t, result, &state)
	assert.Equal(t, store.ReplayAll, state.Cursor, "cursor defaults to the whole history")
}

func TestEvaluateTriggerTool(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})

	req := buildRequest("opflow.evaluate_trigger", map[string]any{
		"message": "run the daily digest",
		"options": map[string]any{
			"workflow_ids":         []any{"digest"},
			"activation_threshold": 0.5,
			"auto_run":             true,
		},
	})
	result, err := s.handleEvaluateTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ops.trigReqs, 1)
	tr := ops.trigReqs[0]
	assert.Equal(t, "run the daily digest", tr.Message)
	assert.Equal(t, []string{"digest"}, tr.WorkflowIDs)
	assert.InDelta(t, 0.5, tr.ActivationThreshold, 1e-9)
	assert.True(t, tr.AutoRun)

	var out trigger.Result
	unmarshalResult(t, result, &out)
	require.Len(t, out.Matches, 1)
	assert.True(t, out.Matches[0].ShouldActivate)

	result, err = s.handleEvaluateTrigger(context.Background(), buildRequest("opflow.evaluate_trigger", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListSchedulesTool(t *testing.T) {
	s := NewServer(ServerDeps{Ops: &mockOps{}})

	result, err := s.handleListSchedules(context.Background(), buildRequest("opflow.list_schedules", nil))
	require.NoError(t, err)
	var out map[string][]scheduler.ScheduledTask
	unmarshalResult(t, result, &out)
	require.Len(t, out["schedules"], 1)
	assert.Equal(t, "digest", out["schedules"][0].WorkflowID)
}

func TestDiagramTool(t *testing.T) {
	ops := &mockOps{}
	s := NewServer(ServerDeps{Ops: ops})

	result, err := s.handleDiagram(context.Background(), buildRequest("opflow.diagram", map[string]any{
		"workflow_id": "digest",
		"version":     float64(2),
		"format":      "mermaid",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "graph TD\n", extractText(t, result))
	require.Len(t, ops.diagrams, 1)
	assert.Equal(t, service.DiagramRequest{WorkflowID: "digest", Version: 2, Format: "mermaid"}, ops.diagrams[0])

	result, err = s.handleDiagram(context.Background(), buildRequest("opflow.diagram", map[string]any{
		"run_id": "run-1",
		"format": "svg",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(args, "f", 0))
	assert.Equal(t, 3, extractInt(args, "i", 0))
	assert.Equal(t, 12, extractInt(args, "s", 0))
	assert.Equal(t, 9, extractInt(args, "bad", 9))
	assert.Equal(t, 9, extractInt(args, "missing", 9))
	assert.Equal(t, 9, extractInt(nil, "f", 9))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

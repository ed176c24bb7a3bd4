package schema

import (
	"encoding/json"
	"time"
)

// WorkflowRun is a single execution of a published workflow version.
// Revision increments on every persisted mutation and guards concurrent
// updates with compare-and-swap.
type WorkflowRun struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version"`
	Status          RunStatus       `json:"status"`
	CurrentNodeID   string          `json:"current_node_id,omitempty"`
	TriggerKind     TriggerKind     `json:"trigger_kind"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	PendingSignal   RunSignal       `json:"pending_signal,omitempty"`
	Revision        int64           `json:"revision"`
	ElapsedMs       int64           `json:"elapsed_ms"`
	Error           *FlowError      `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Duration returns the wall-clock time between start and completion.
// It is zero for runs that have not both started and completed.
func (r *WorkflowRun) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// NodeRun records one attempt of one node within a run.
type NodeRun struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	NodeID      string          `json:"node_id"`
	Attempt     int             `json:"attempt"`
	Status      NodeRunStatus   `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *FlowError      `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// Event is an append-only record of a run mutation or node transition.
// Sequence is strictly increasing per run, starting at 1.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunDetails bundles a run with its node-run history.
type RunDetails struct {
	Run      *WorkflowRun `json:"run"`
	NodeRuns []*NodeRun   `json:"node_runs"`
}

// RunRequest asks the executor to start a run of the latest published
// version of a workflow.
type RunRequest struct {
	WorkflowID  string          `json:"workflow_id"`
	TriggerKind TriggerKind     `json:"trigger_kind"`
	TriggerID   string          `json:"trigger_id,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

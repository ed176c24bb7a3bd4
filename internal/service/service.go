// Package service is the single entry point for transports. It wires the
// definition, execution, trigger and scheduling components behind the
// operations exposed over MCP and HTTP.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/diagram"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/pkg/schema"
)

// Deps holds the components a Service delegates to.
type Deps struct {
	Store       store.Store
	Events      *store.EventLog
	Definitions *definition.Service
	Executor    *engine.Executor
	Triggers    *trigger.Evaluator
	Scheduler   *scheduler.Scheduler
	Logger      *slog.Logger
}

// Service implements the exposed operations.
type Service struct {
	store     store.Store
	events    *store.EventLog
	defs      *definition.Service
	exec      *engine.Executor
	triggers  *trigger.Evaluator
	scheduler *scheduler.Scheduler
	cel       *expressions.CELEngine
	logger    *slog.Logger
}

// New creates a Service.
func New(d Deps) (*Service, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		store:     d.Store,
		events:    d.Events,
		defs:      d.Definitions,
		exec:      d.Executor,
		triggers:  d.Triggers,
		scheduler: d.Scheduler,
		cel:       celEngine,
		logger:    d.Logger,
	}, nil
}

// --- Definitions ---

// CreateDraft stores a new workflow draft.
func (s *Service) CreateDraft(ctx context.Context, spec *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	return s.defs.CreateDraft(ctx, spec)
}

// UpdateDraft applies patch to the draft of id.
func (s *Service) UpdateDraft(ctx context.Context, id string, patch definition.Patch) (*schema.WorkflowDefinition, error) {
	return s.defs.UpdateDraft(ctx, id, patch)
}

// Publish freezes the draft of id as the next version.
func (s *Service) Publish(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.defs.Publish(ctx, id)
}

// GetDefinition returns version of id. Version 0 returns the latest
// published version, or the draft when nothing is published yet.
func (s *Service) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	return s.defs.Get(ctx, id, version)
}

// ListDefinitions returns every draft.
func (s *Service) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return s.defs.ListDrafts(ctx)
}

// --- Runs ---

// RunWorkflowRequest starts a manual run.
type RunWorkflowRequest struct {
	WorkflowID string          `json:"workflow_id"`
	TriggerID  string          `json:"trigger_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// RunWorkflow queues a manual run of the latest published version.
func (s *Service) RunWorkflow(ctx context.Context, req RunWorkflowRequest) (*schema.WorkflowRun, error) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id is required")
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return nil, schema.NewError(schema.ErrCodeValidation, "input must be valid JSON")
	}
	return s.exec.Submit(ctx, schema.RunRequest{
		WorkflowID:  req.WorkflowID,
		TriggerKind: schema.TriggerKindManual,
		TriggerID:   req.TriggerID,
		Input:       req.Input,
	})
}

// PauseRun requests that a run pause.
func (s *Service) PauseRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return s.exec.Pause(ctx, runID)
}

// ResumeRun resumes a paused or failed_recoverable run.
func (s *Service) ResumeRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return s.exec.Resume(ctx, runID)
}

// CancelRun cancels a run.
func (s *Service) CancelRun(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	return s.exec.Cancel(ctx, runID)
}

// PollRunNow returns the current run snapshot and its node runs.
func (s *Service) PollRunNow(ctx context.Context, runID string) (*schema.RunDetails, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodeRuns, err := s.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &schema.RunDetails{Run: run, NodeRuns: nodeRuns}, nil
}

// ListRunsRequest filters runs. Where is an optional CEL expression over
// the variable run, for example `run.status == "failed"`.
type ListRunsRequest struct {
	store.RunFilter
	Where string `json:"where,omitempty"`
}

// ListRuns returns runs newest first.
func (s *Service) ListRuns(ctx context.Context, req ListRunsRequest) ([]*schema.WorkflowRun, error) {
	if req.Where == "" {
		return s.store.ListRuns(ctx, req.RunFilter)
	}
	if err := s.cel.Compile(req.Where); err != nil {
		return nil, err
	}

	filter := req.RunFilter
	filter.Limit, filter.Offset = 0, 0
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := []*schema.WorkflowRun{}
	skipped := 0
	for _, r := range runs {
		doc, err := toDocument(r)
		if err != nil {
			return nil, err
		}
		ok, err := s.cel.Match(ctx, req.Where, map[string]any{"run": doc})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if skipped < req.Offset {
			skipped++
			continue
		}
		out = append(out, r)
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

// RunDetails is a run with its node runs and full event history.
type RunDetails struct {
	Run      *schema.WorkflowRun `json:"run"`
	NodeRuns []*schema.NodeRun   `json:"node_runs"`
	Events   []*schema.Event     `json:"events"`
}

// GetRunDetails returns the run, its node runs and every event.
func (s *Service) GetRunDetails(ctx context.Context, runID string) (*RunDetails, error) {
	snap, err := s.PollRunNow(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*schema.Event{}
	}
	return &RunDetails{Run: snap.Run, NodeRuns: snap.NodeRuns, Events: events}, nil
}

// GetEvents returns the events of runID with sequence greater than since.
func (s *Service) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.events.GetEvents(ctx, runID, since)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*schema.Event{}
	}
	return events, nil
}

// ReplayRun rebuilds run state as of the event at index cursor in the run's
// history. store.ReplayAll replays everything.
func (s *Service) ReplayRun(ctx context.Context, runID string, cursor int64) (*store.ReplayState, error) {
	events, err := s.events.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q has no events", runID)
	}
	return store.Replay(events, cursor)
}

// --- Triggers and schedules ---

// EvaluateTriggerMessage scores a chat message against chat triggers.
func (s *Service) EvaluateTriggerMessage(ctx context.Context, req trigger.Request) (*trigger.Result, error) {
	if req.Message == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "message is required")
	}
	return s.triggers.Evaluate(ctx, req)
}

// ListScheduledTasks returns every schedule trigger with its state.
func (s *Service) ListScheduledTasks(ctx context.Context) ([]scheduler.ScheduledTask, error) {
	return s.scheduler.ListScheduledTasks(ctx)
}

// GetScheduleHealth classifies the schedule triggers of workflowID.
func (s *Service) GetScheduleHealth(ctx context.Context, workflowID string) ([]scheduler.ScheduleHealth, error) {
	return s.scheduler.ScheduleHealth(ctx, workflowID)
}

// --- Diagrams ---

// Diagram formats.
const (
	DiagramMermaid = "mermaid"
	DiagramASCII   = "ascii"
)

// DiagramRequest selects what to render. With RunID set, the run's
// workflow version is drawn with its node runs overlaid and WorkflowID and
// Version are ignored.
type DiagramRequest struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Version    int    `json:"version,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Format     string `json:"format,omitempty"`
}

// Diagram renders a workflow, or the progress of a run, as text.
func (s *Service) Diagram(ctx context.Context, req DiagramRequest) (string, error) {
	var (
		def *schema.WorkflowDefinition
		run *schema.RunDetails
		err error
	)
	switch {
	case req.RunID != "":
		if run, err = s.PollRunNow(ctx, req.RunID); err != nil {
			return "", err
		}
		def, err = s.defs.Get(ctx, run.Run.WorkflowID, run.Run.WorkflowVersion)
	case req.WorkflowID != "":
		def, err = s.defs.Get(ctx, req.WorkflowID, req.Version)
	default:
		return "", schema.NewError(schema.ErrCodeValidation, "workflow_id or run_id is required")
	}
	if err != nil {
		return "", err
	}

	model, err := diagram.Build(def, run)
	if err != nil {
		return "", err
	}
	switch req.Format {
	case "", DiagramMermaid:
		return diagram.RenderMermaid(model), nil
	case DiagramASCII:
		return diagram.RenderASCII(model), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", req.Format)
	}
}

// Status summarizes the engine for health endpoints.
type Status struct {
	Pool     engine.PoolMetrics `json:"pool"`
	InFlight []string           `json:"in_flight"`
}

// Status returns worker pool counters.
func (s *Service) Status() Status {
	return Status{Pool: s.exec.PoolMetrics(), InFlight: s.exec.InFlight()}
}

func toDocument(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return doc, nil
}

package store

import (
	"context"

	"github.com/rendis/opflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Every run or node-run mutation takes the event(s) describing it; the
// mutation and the event append commit atomically. Sequence numbers are
// assigned by the store and written back into the passed events.
type Store interface {
	// Definitions
	SaveDraft(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDraft(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error)
	ListDrafts(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	PublishVersion(ctx context.Context, def *schema.WorkflowDefinition) error
	GetVersion(ctx context.Context, workflowID string, version int) (*schema.WorkflowDefinition, error)
	LatestVersion(ctx context.Context, workflowID string) (int, error)
	ListPublished(ctx context.Context) ([]*schema.WorkflowDefinition, error)

	// Runs
	CreateRun(ctx context.Context, run *schema.WorkflowRun, event *schema.Event) error
	GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error)
	UpdateRun(ctx context.Context, run *schema.WorkflowRun, expectedRevision int64, events ...*schema.Event) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)

	// Node runs
	SaveNodeRun(ctx context.Context, nr *schema.NodeRun, event *schema.Event) error
	ListNodeRuns(ctx context.Context, runID string) ([]*schema.NodeRun, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)

	// Schedule state
	UpsertScheduleState(ctx context.Context, st *ScheduleState) error
	GetScheduleState(ctx context.Context, workflowID, triggerID string) (*ScheduleState, error)
	ListScheduleStates(ctx context.Context) ([]*ScheduleState, error)
	DeleteScheduleState(ctx context.Context, workflowID, triggerID string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

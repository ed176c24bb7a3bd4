package store

import (
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// RunFilter narrows ListRuns results. Zero-valued fields are ignored.
type RunFilter struct {
	WorkflowID  string             `json:"workflow_id,omitempty"`
	Statuses    []schema.RunStatus `json:"statuses,omitempty"`
	TriggerKind schema.TriggerKind `json:"trigger_kind,omitempty"`
	Since       *time.Time         `json:"since,omitempty"`
	Limit       int                `json:"limit,omitempty"`
	Offset      int                `json:"offset,omitempty"`
}

// ScheduleState is the persisted firing state of one schedule trigger.
type ScheduleState struct {
	WorkflowID      string     `json:"workflow_id"`
	TriggerID       string     `json:"trigger_id"`
	WorkflowVersion int        `json:"workflow_version"`
	Enabled         bool       `json:"enabled"`
	AnchorAt        time.Time  `json:"anchor_at"`
	LastFireAt      *time.Time `json:"last_fire_at,omitempty"`
	NextFireAt      *time.Time `json:"next_fire_at,omitempty"`
	LastRunID       string     `json:"last_run_id,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Key returns the composite identity of the schedule state.
func (s *ScheduleState) Key() string {
	return s.WorkflowID + "/" + s.TriggerID
}

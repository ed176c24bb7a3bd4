package scheduler

import (
	"context"
	"time"

	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// HealthStatus classifies a schedule trigger.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStalled  HealthStatus = "stalled"
	HealthPaused   HealthStatus = "paused"
)

// Health reason codes.
const (
	ReasonDisabled      = "trigger_disabled"
	ReasonMissedFire    = "missed_fire"
	ReasonLastRunFailed = "last_run_failed"
	ReasonSlowRun       = "slow_run"
)

const (
	minStallGrace = time.Minute
	historyLimit  = 50
)

// ScheduleHealth is the health of one schedule trigger.
type ScheduleHealth struct {
	WorkflowID         string           `json:"workflow_id"`
	TriggerID          string           `json:"trigger_id"`
	Status             HealthStatus     `json:"status"`
	Reasons            []string         `json:"reasons,omitempty"`
	NextFireAt         *time.Time       `json:"next_fire_at,omitempty"`
	LastFireAt         *time.Time       `json:"last_fire_at,omitempty"`
	LastRunID          string           `json:"last_run_id,omitempty"`
	LastRunStatus      schema.RunStatus `json:"last_run_status,omitempty"`
	ExpectedIntervalMs int64            `json:"expected_interval_ms,omitempty"`
	CheckedAt          time.Time        `json:"checked_at"`
}

// ScheduleHealth classifies every schedule trigger of the latest published
// version of workflowID.
func (s *Scheduler) ScheduleHealth(ctx context.Context, workflowID string) ([]ScheduleHealth, error) {
	latest, err := s.store.LatestVersion(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q has no published version", workflowID)
	}

	now := s.now()
	entries, err := s.reconcile(ctx, now)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		WorkflowID:  workflowID,
		TriggerKind: schema.TriggerKindSchedule,
	})
	if err != nil {
		return nil, err
	}

	out := []ScheduleHealth{}
	for _, e := range entries {
		if e.def.ID != workflowID {
			continue
		}
		var history []*schema.WorkflowRun
		for _, r := range runs {
			if r.TriggerID == e.trigger.ID {
				history = append(history, r)
				if len(history) == historyLimit {
					break
				}
			}
		}
		out = append(out, classify(e.state, e.trigger.Schedule.Schedule, history, now, s.loc))
	}
	return out, nil
}

// classify applies paused > stalled > degraded > healthy. history is the
// trigger's runs, newest first.
func classify(st *store.ScheduleState, sched schema.Schedule, history []*schema.WorkflowRun, now time.Time, loc *time.Location) ScheduleHealth {
	h := ScheduleHealth{
		WorkflowID: st.WorkflowID,
		TriggerID:  st.TriggerID,
		Status:     HealthHealthy,
		NextFireAt: st.NextFireAt,
		LastFireAt: st.LastFireAt,
		LastRunID:  st.LastRunID,
		CheckedAt:  now,
	}
	expected := ExpectedInterval(sched, now, loc)
	h.ExpectedIntervalMs = expected.Milliseconds()
	if len(history) > 0 {
		h.LastRunStatus = history[0].Status
	}

	if !st.Enabled {
		h.Status = HealthPaused
		h.Reasons = []string{ReasonDisabled}
		return h
	}

	grace := 2 * expected
	if grace < minStallGrace {
		grace = minStallGrace
	}
	if st.NextFireAt != nil && now.Sub(*st.NextFireAt) > grace {
		h.Status = HealthStalled
		h.Reasons = []string{ReasonMissedFire}
		return h
	}

	if len(history) > 0 {
		last := history[0]
		switch {
		case last.Status == schema.RunStatusFailed || last.Status == schema.RunStatusFailedRecoverable:
			h.Status = HealthDegraded
			h.Reasons = []string{ReasonLastRunFailed}
		case last.Status == schema.RunStatusCompleted && slowerThanUsual(last, history[1:]):
			h.Status = HealthDegraded
			h.Reasons = []string{ReasonSlowRun}
		}
	}
	return h
}

// slowerThanUsual reports whether last took more than twice the mean
// active time of the prior completed runs.
func slowerThanUsual(last *schema.WorkflowRun, prior []*schema.WorkflowRun) bool {
	var total, n int64
	for _, r := range prior {
		if r.Status == schema.RunStatusCompleted {
			total += r.ElapsedMs
			n++
		}
	}
	if n == 0 {
		return false
	}
	mean := total / n
	if mean == 0 {
		return false
	}
	return last.ElapsedMs > 2*mean
}

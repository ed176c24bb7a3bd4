package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

// DefaultTickInterval is how often the loop looks for due schedules.
const DefaultTickInterval = 15 * time.Second

// RunSubmitter is the interface the scheduler uses to start runs.
// Satisfied by *engine.Executor (avoids import cycle).
type RunSubmitter interface {
	Submit(ctx context.Context, req schema.RunRequest) (*schema.WorkflowRun, error)
}

// Config configures the Scheduler.
type Config struct {
	TickInterval time.Duration
	// Location cron expressions are evaluated in. Nil means time.Local.
	Location *time.Location
}

// ScheduledTask is a schedule trigger of a published workflow together
// with its persisted firing state.
type ScheduledTask struct {
	WorkflowID      string          `json:"workflow_id"`
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion int             `json:"workflow_version"`
	TriggerID       string          `json:"trigger_id"`
	Schedule        schema.Schedule `json:"schedule"`
	Enabled         bool            `json:"enabled"`
	AnchorAt        time.Time       `json:"anchor_at"`
	LastFireAt      *time.Time      `json:"last_fire_at,omitempty"`
	NextFireAt      *time.Time      `json:"next_fire_at,omitempty"`
	LastRunID       string          `json:"last_run_id,omitempty"`
}

// Scheduler fires schedule triggers of published workflows.
type Scheduler struct {
	store     store.Store
	submitter RunSubmitter
	interval  time.Duration
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	// stateMu serializes schedule state read-modify-write between
	// reconcile and fire.
	stateMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule keys currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, submitter RunSubmitter, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     s,
		submitter: submitter,
		interval:  cfg.TickInterval,
		loc:       cfg.Location,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "tick", s.interval, "location", s.loc.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, s.now()); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs one tick so that schedules due while the process was
// down fire once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	fired, err := s.Tick(ctx, s.now())
	if err != nil {
		return fmt.Errorf("recover missed schedules: %w", err)
	}
	if fired > 0 {
		s.logger.Info("recovered missed schedules", "count", fired)
	}
	return nil
}

// Tick fires every enabled schedule whose next fire time is at or before
// now and returns how many runs were submitted.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() { metrics.ScheduleTickDuration.Observe(time.Since(start).Seconds()) }()

	entries, err := s.reconcile(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, e := range entries {
		st := e.state
		if !due(st, now) {
			continue
		}
		if !s.tryAcquire(st.Key()) {
			continue
		}
		ok, err := s.fire(ctx, e, now)
		if err != nil {
			s.logger.Error("schedule fire failed",
				"workflow_id", st.WorkflowID, "trigger_id", st.TriggerID, "error", err)
		} else if ok {
			fired++
		}
		s.release(st.Key())
	}
	return fired, nil
}

func due(st *store.ScheduleState, now time.Time) bool {
	return st.Enabled && st.NextFireAt != nil && !st.NextFireAt.After(now)
}

// fire submits a run for the schedule of e if its stored state is still
// due at now. A concurrent tick may have advanced the state listed by
// reconcile.
func (s *Scheduler) fire(ctx context.Context, e entry, now time.Time) (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	st, err := s.store.GetScheduleState(ctx, e.def.ID, e.trigger.ID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load schedule state %s: %w", e.state.Key(), err)
	}
	if !due(st, now) {
		return false, nil
	}

	kind := string(e.trigger.Schedule.Schedule.Kind)
	run, err := s.submitter.Submit(ctx, schema.RunRequest{
		WorkflowID:  e.def.ID,
		TriggerKind: schema.TriggerKindSchedule,
		TriggerID:   e.trigger.ID,
	})
	if err != nil {
		// State is left untouched so the next tick retries.
		metrics.ScheduleFires.WithLabelValues(kind, "error").Inc()
		return false, err
	}
	metrics.ScheduleFires.WithLabelValues(kind, "submitted").Inc()

	fireAt := now
	st.LastFireAt = &fireAt
	st.LastRunID = run.ID
	next, ok, err := AfterFire(e.trigger.Schedule.Schedule, now, s.loc)
	if err != nil {
		return true, err
	}
	if ok {
		st.NextFireAt = &next
	} else {
		st.NextFireAt = nil
		st.Enabled = false
	}
	if err := s.store.UpsertScheduleState(ctx, st); err != nil {
		return true, fmt.Errorf("save schedule state %s: %w", st.Key(), err)
	}
	s.logger.Info("schedule fired",
		"workflow_id", st.WorkflowID, "trigger_id", st.TriggerID,
		"run_id", run.ID, "next_fire_at", st.NextFireAt)
	return true, nil
}

type entry struct {
	def     *schema.WorkflowDefinition
	trigger schema.Trigger
	state   *store.ScheduleState
}

// reconcile aligns persisted schedule state with the schedule triggers of
// the latest published versions. New triggers are anchored at now; state
// of triggers that no longer exist is removed.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time) ([]entry, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	defs, err := s.store.ListPublished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list published workflows: %w", err)
	}
	states, err := s.store.ListScheduleStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedule states: %w", err)
	}
	existing := make(map[string]*store.ScheduleState, len(states))
	for _, st := range states {
		existing[st.Key()] = st
	}

	var entries []entry
	seen := make(map[string]bool)
	for _, def := range defs {
		for _, tr := range def.Triggers {
			if tr.Kind != schema.TriggerKindSchedule || tr.Schedule == nil {
				continue
			}
			key := def.ID + "/" + tr.ID
			seen[key] = true

			st, ok := existing[key]
			changed := false
			if !ok {
				st = &store.ScheduleState{WorkflowID: def.ID, TriggerID: tr.ID, AnchorAt: now}
				changed = true
			}
			if st.WorkflowVersion != def.Version {
				st.WorkflowVersion = def.Version
				changed = true
			}

			enabled := tr.Schedule.Enabled
			if tr.Schedule.Schedule.Kind == schema.ScheduleKindAt && st.LastFireAt != nil {
				enabled = false
			}
			next, hasNext, err := NextFire(tr.Schedule.Schedule, st.AnchorAt, st.LastFireAt, s.loc)
			if err != nil {
				s.logger.Warn("skip invalid schedule", "workflow_id", def.ID, "trigger_id", tr.ID, "error", err)
				continue
			}
			if !hasNext {
				enabled = false
			}
			if st.Enabled != enabled {
				st.Enabled = enabled
				changed = true
			}
			if !timesEqual(st.NextFireAt, next, hasNext) {
				if hasNext {
					st.NextFireAt = &next
				} else {
					st.NextFireAt = nil
				}
				changed = true
			}
			if changed {
				if err := s.store.UpsertScheduleState(ctx, st); err != nil {
					return nil, fmt.Errorf("save schedule state %s: %w", key, err)
				}
			}
			entries = append(entries, entry{def: def, trigger: tr, state: st})
		}
	}

	for key, st := range existing {
		if seen[key] {
			continue
		}
		err := s.store.DeleteScheduleState(ctx, st.WorkflowID, st.TriggerID)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, fmt.Errorf("delete schedule state %s: %w", key, err)
		}
	}
	return entries, nil
}

func timesEqual(cur *time.Time, next time.Time, hasNext bool) bool {
	if cur == nil {
		return !hasNext
	}
	return hasNext && cur.Equal(next)
}

// ListScheduledTasks returns every schedule trigger of the published
// workflows with its state.
func (s *Scheduler) ListScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	entries, err := s.reconcile(ctx, s.now())
	if err != nil {
		return nil, err
	}
	tasks := make([]ScheduledTask, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, ScheduledTask{
			WorkflowID:      e.def.ID,
			WorkflowName:    e.def.Name,
			WorkflowVersion: e.def.Version,
			TriggerID:       e.trigger.ID,
			Schedule:        e.trigger.Schedule.Schedule,
			Enabled:         e.state.Enabled,
			AnchorAt:        e.state.AnchorAt,
			LastFireAt:      e.state.LastFireAt,
			NextFireAt:      e.state.NextFireAt,
			LastRunID:       e.state.LastRunID,
		})
	}
	return tasks, nil
}

// tryAcquire returns true and marks key as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

// release removes key from the in-flight set.
func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

package engine

import (
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// TransitionHook is called after a run changes status.
type TransitionHook func(run *schema.WorkflowRun, from schema.RunStatus)

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusQueued:            {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:           {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusFailedRecoverable, schema.RunStatusPaused, schema.RunStatusCancelled},
	schema.RunStatusPaused:            {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusFailedRecoverable: {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusCompleted:         {},
	schema.RunStatusFailed:            {},
	schema.RunStatusCancelled:         {},
}

// RunFSM validates run status transitions and names the event each one emits.
// It only mutates the in-memory run; the caller persists it through the
// event log with compare-and-swap.
type RunFSM struct {
	mu    sync.RWMutex
	after map[schema.RunStatus][]TransitionHook
}

// NewRunFSM creates a RunFSM with no hooks.
func NewRunFSM() *RunFSM {
	return &RunFSM{after: make(map[schema.RunStatus][]TransitionHook)}
}

// OnEnter registers a hook fired by Entered for transitions into to.
func (f *RunFSM) OnEnter(to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[to] = append(f.after[to], hook)
}

// Transition moves run to status to and returns the event type to record.
// It returns INVALID_TRANSITION when the move is not allowed.
func (f *RunFSM) Transition(run *schema.WorkflowRun, to schema.RunStatus) (string, error) {
	from := run.Status
	if !CanTransition(from, to) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}
	run.Status = to
	return runEventType(from, to), nil
}

// Entered fires the hooks registered for run's current status. Call it
// once the transition has been persisted.
func (f *RunFSM) Entered(run *schema.WorkflowRun, from schema.RunStatus) {
	f.mu.RLock()
	hooks := f.after[run.Status]
	f.mu.RUnlock()
	for _, h := range hooks {
		h(run, from)
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		if from == schema.RunStatusQueued {
			return schema.EventRunStarted
		}
		return schema.EventRunResumed
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusFailedRecoverable:
		return schema.EventRunFailedRecoverable
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	}
	return schema.EventRunAdvanced
}

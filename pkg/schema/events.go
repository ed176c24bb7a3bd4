package schema

// Event type constants for the per-run event log.
const (
	EventRunCreated           = "run_created"
	EventRunStarted           = "run_started"
	EventRunAdvanced          = "run_advanced"
	EventRunPauseRequested    = "run_pause_requested"
	EventRunCancelRequested   = "run_cancel_requested"
	EventRunPaused            = "run_paused"
	EventRunResumed           = "run_resumed"
	EventRunCompleted         = "run_completed"
	EventRunFailed            = "run_failed"
	EventRunFailedRecoverable = "run_failed_recoverable"
	EventRunCancelled         = "run_cancelled"

	EventNodeStarted        = "node_started"
	EventNodeCompleted      = "node_completed"
	EventNodeFailed         = "node_failed"
	EventNodeRetryScheduled = "node_retry_scheduled"
)

// IsRunEvent reports whether the event type carries a run snapshot.
func IsRunEvent(eventType string) bool {
	switch eventType {
	case EventRunCreated, EventRunStarted, EventRunAdvanced,
		EventRunPauseRequested, EventRunCancelRequested,
		EventRunPaused, EventRunResumed, EventRunCompleted,
		EventRunFailed, EventRunFailedRecoverable, EventRunCancelled:
		return true
	}
	return false
}

// IsNodeEvent reports whether the event type carries a node-run snapshot.
func IsNodeEvent(eventType string) bool {
	switch eventType {
	case EventNodeStarted, EventNodeCompleted, EventNodeFailed:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusQueued            RunStatus = "queued"
	RunStatusRunning           RunStatus = "running"
	RunStatusPaused            RunStatus = "paused"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusFailedRecoverable RunStatus = "failed_recoverable"
	RunStatusCancelled         RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeRunStatus represents the state of a single node attempt.
type NodeRunStatus string

const (
	NodeRunStatusRunning   NodeRunStatus = "running"
	NodeRunStatusCompleted NodeRunStatus = "completed"
	NodeRunStatusFailed    NodeRunStatus = "failed"
	NodeRunStatusTimedOut  NodeRunStatus = "timed_out"
)

// Sealed reports whether the attempt has finished.
func (s NodeRunStatus) Sealed() bool {
	return s != NodeRunStatusRunning
}

// RunSignal is an external request observed at the next attempt boundary.
type RunSignal string

const (
	SignalNone   RunSignal = ""
	SignalPause  RunSignal = "pause"
	SignalCancel RunSignal = "cancel"
)

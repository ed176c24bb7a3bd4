package schema

import "time"

// TriggerKind tags the Trigger union.
type TriggerKind string

const (
	TriggerKindManual   TriggerKind = "manual"
	TriggerKindChat     TriggerKind = "chat"
	TriggerKindSchedule TriggerKind = "schedule"
)

// Trigger is a tagged union: exactly the field matching Kind is set.
type Trigger struct {
	ID       string           `json:"id" yaml:"id"`
	Kind     TriggerKind      `json:"kind" yaml:"kind"`
	Chat     *ChatTrigger     `json:"chat,omitempty" yaml:"chat,omitempty"`
	Schedule *ScheduleTrigger `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// ChatTrigger activates a workflow when a message matches one of its phrases.
type ChatTrigger struct {
	Phrases     []string `json:"phrases" yaml:"phrases"`
	StrictMatch bool     `json:"strict_match,omitempty" yaml:"strict_match,omitempty"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
}

// ScheduleTrigger fires a workflow according to Schedule.
type ScheduleTrigger struct {
	Schedule Schedule `json:"schedule" yaml:"schedule"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
}

// ScheduleKind tags the Schedule union.
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule is a tagged union over the supported recurrence forms.
type Schedule struct {
	Kind       ScheduleKind `json:"kind" yaml:"kind"`
	At         *time.Time   `json:"at,omitempty" yaml:"at,omitempty"`
	IntervalMs int64        `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	Expression string       `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Interval returns the every-interval as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// ChatEnabled reports whether t is an enabled chat trigger.
func (t Trigger) ChatEnabled() bool {
	return t.Kind == TriggerKindChat && t.Chat != nil && t.Chat.Enabled
}

// ScheduleEnabled reports whether t is an enabled schedule trigger.
func (t Trigger) ScheduleEnabled() bool {
	return t.Kind == TriggerKindSchedule && t.Schedule != nil && t.Schedule.Enabled
}

// MatchBreakdown holds the components of a confidence score.
type MatchBreakdown struct {
	TokenCoverage   float64 `json:"token_coverage"`
	MessageCoverage float64 `json:"message_coverage"`
}

// Reason codes attached to a TriggerMatch.
const (
	ReasonExactPhrase         = "exact_phrase"
	ReasonFullTokenCoverage   = "full_token_coverage"
	ReasonPartialTokenOverlap = "partial_token_overlap"
	ReasonNoTokenOverlap      = "no_token_overlap"
	ReasonLowMessageCoverage  = "low_message_coverage"
	ReasonStrictMismatch      = "strict_mismatch"
	ReasonBelowThreshold      = "below_threshold"
)

// TriggerMatch is the per-trigger result of evaluating a chat message.
type TriggerMatch struct {
	WorkflowID     string         `json:"workflow_id"`
	TriggerID      string         `json:"trigger_id"`
	Confidence     float64        `json:"confidence"`
	MatchedPhrase  string         `json:"matched_phrase,omitempty"`
	Breakdown      MatchBreakdown `json:"breakdown"`
	ReasonCodes    []string       `json:"reason_codes"`
	ShouldActivate bool           `json:"should_activate"`
}

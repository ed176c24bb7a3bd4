package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/pkg/schema"
)

// EventLog is the write path for run state. Every run or node-run mutation
// goes through it so that the mutation and its event commit together and
// the event is then fanned out to live subscribers.
type EventLog struct {
	store  Store
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewEventLog wraps a Store. hub may be nil.
func NewEventLog(s Store, hub streaming.EventHub, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, hub: hub, logger: logger}
}

// Store returns the underlying store.
func (el *EventLog) Store() Store { return el.store }

// CreateRun persists a new run at revision 1 with a run_created event.
func (el *EventLog) CreateRun(ctx context.Context, run *schema.WorkflowRun) error {
	run.Revision = 1
	ev, err := runEvent(run, schema.EventRunCreated)
	if err != nil {
		return err
	}
	if err := el.store.CreateRun(ctx, run, ev); err != nil {
		return err
	}
	el.published(ctx, run.WorkflowID, ev)
	return nil
}

// UpdateRun persists run with compare-and-swap on its current Revision and
// appends one event per type, each carrying the new run snapshot. On success
// run.Revision is advanced; on CONCURRENCY_CONFLICT run is left untouched.
func (el *EventLog) UpdateRun(ctx context.Context, run *schema.WorkflowRun, eventTypes ...string) error {
	expected := run.Revision
	next := *run
	next.Revision = expected + 1

	events := make([]*schema.Event, 0, len(eventTypes))
	for _, t := range eventTypes {
		ev, err := runEvent(&next, t)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}
	if err := el.store.UpdateRun(ctx, &next, expected, events...); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			metrics.RunConflicts.Inc()
		}
		return err
	}
	*run = next
	for _, ev := range events {
		el.published(ctx, run.WorkflowID, ev)
	}
	return nil
}

// RecordNodeRun upserts a node-run snapshot with the given event type.
func (el *EventLog) RecordNodeRun(ctx context.Context, workflowID string, nr *schema.NodeRun, eventType string) error {
	payload, err := json.Marshal(nr)
	if err != nil {
		return fmt.Errorf("marshal node run: %w", err)
	}
	ev := &schema.Event{
		RunID:     nr.RunID,
		Type:      eventType,
		NodeID:    nr.NodeID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := el.store.SaveNodeRun(ctx, nr, ev); err != nil {
		return err
	}
	el.published(ctx, workflowID, ev)
	return nil
}

// Append writes a standalone event, such as node_retry_scheduled.
func (el *EventLog) Append(ctx context.Context, workflowID, runID, eventType, nodeID string, payload any) (*schema.Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	ev := &schema.Event{
		RunID:     runID,
		Type:      eventType,
		NodeID:    nodeID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	if err := el.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	el.published(ctx, workflowID, ev)
	return ev, nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayRun rebuilds the run and node-run state from the full event history.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (*ReplayState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return Replay(events, ReplayAll)
}

func (el *EventLog) published(ctx context.Context, workflowID string, ev *schema.Event) {
	metrics.EventsAppended.WithLabelValues(ev.Type).Inc()
	if el.hub == nil {
		return
	}
	err := el.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		RunID:      ev.RunID,
		WorkflowID: workflowID,
		NodeID:     ev.NodeID,
		Sequence:   ev.Sequence,
		EventType:  ev.Type,
		Payload:    ev.Payload,
	})
	if err != nil {
		el.logger.WarnContext(ctx, "publish event failed", "run_id", ev.RunID, "event_type", ev.Type, "error", err)
	}
}

func runEvent(run *schema.WorkflowRun, eventType string) (*schema.Event, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal run snapshot: %w", err)
	}
	return &schema.Event{
		RunID:     run.ID,
		Type:      eventType,
		NodeID:    run.CurrentNodeID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ReplayAll as a cursor replays the whole history.
const ReplayAll int64 = -1

// ReplayState is the state reconstructed from a run's event history.
// Cursor is the index of the last event applied, -1 when none was.
type ReplayState struct {
	Run      *schema.WorkflowRun `json:"run"`
	NodeRuns []*schema.NodeRun   `json:"node_runs"`
	Cursor   int64               `json:"cursor"`
}

// Replay folds events[0..cursor] into run state. It is pure: it touches no
// store. Events must be contiguous from sequence 1. A negative cursor
// replays everything; a cursor past the last index is rejected.
func Replay(events []*schema.Event, cursor int64) (*ReplayState, error) {
	if cursor >= int64(len(events)) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"replay cursor %d out of range: run has %d events", cursor, len(events))
	}
	if cursor < 0 {
		cursor = int64(len(events)) - 1
	}
	st := &ReplayState{Cursor: -1}
	index := make(map[string]int)

	for i, e := range events[:cursor+1] {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", e.RunID, expected, e.Sequence)
		}
		st.Cursor = int64(i)

		switch {
		case schema.IsRunEvent(e.Type):
			run := &schema.WorkflowRun{}
			if err := json.Unmarshal(e.Payload, run); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"event %d: decode run snapshot: %v", e.Sequence, err).WithCause(err)
			}
			st.Run = run
		case schema.IsNodeEvent(e.Type):
			nr := &schema.NodeRun{}
			if err := json.Unmarshal(e.Payload, nr); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeStore,
					"event %d: decode node snapshot: %v", e.Sequence, err).WithCause(err)
			}
			if pos, ok := index[nr.ID]; ok {
				st.NodeRuns[pos] = nr
			} else {
				index[nr.ID] = len(st.NodeRuns)
				st.NodeRuns = append(st.NodeRuns, nr)
			}
		}
	}
	return st, nil
}

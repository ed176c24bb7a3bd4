package streaming

import (
	"context"
	"encoding/json"
)

// StreamEvent is a run event pushed to live subscribers after it is persisted.
type StreamEvent struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Sequence   int64           `json:"sequence"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

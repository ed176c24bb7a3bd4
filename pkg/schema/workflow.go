package schema

import "time"

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "draft"
	DefinitionStatusPublished DefinitionStatus = "published"
)

// WorkflowDefinition is a versioned, linear workflow graph.
// A published definition has exactly one start and one end node and its
// edges form a single chain start -> step... -> end.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Version     int              `json:"version" yaml:"version"`
	Status      DefinitionStatus `json:"status" yaml:"status"`
	Nodes       []Node           `json:"nodes" yaml:"nodes"`
	Edges       []Edge           `json:"edges,omitempty" yaml:"edges,omitempty"`
	Triggers    []Trigger        `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Defaults    Defaults         `json:"defaults" yaml:"defaults"`
	CreatedAt   time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time        `json:"updated_at" yaml:"-"`
	PublishedAt *time.Time       `json:"published_at,omitempty" yaml:"-"`
}

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeAgentStep NodeType = "agent_step"
	NodeTypeEnd       NodeType = "end"
)

// Node is a unit of work. Config is opaque to the engine except for
// InputSelectorKey, and is handed to the agent-execution collaborator.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// InputSelectorKey is the node config key holding a jq expression applied to
// the assembled node input.
const InputSelectorKey = "input_selector"

// EdgeConditionAlways is the only edge condition of a linear graph.
const EdgeConditionAlways = "always"

// Edge is a directed link between two nodes.
type Edge struct {
	ID        string `json:"id" yaml:"id"`
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition" yaml:"condition"`
}

// Defaults holds run-level limits applied to every run of a definition.
type Defaults struct {
	MaxRunTimeMs  int64       `json:"max_run_time_ms,omitempty" yaml:"max_run_time_ms,omitempty"`
	NodeTimeoutMs int64       `json:"node_timeout_ms,omitempty" yaml:"node_timeout_ms,omitempty"`
	RetryProfile  string      `json:"retry_profile,omitempty" yaml:"retry_profile,omitempty"`
	Retry         RetryPolicy `json:"retry" yaml:"retry"`
}

// Default limits used when a definition leaves them unset.
const (
	DefaultMaxRunTimeMs  int64 = 30 * 60 * 1000
	DefaultNodeTimeoutMs int64 = 5 * 60 * 1000
)

// RunTimeout returns the maximum active run duration.
func (d Defaults) RunTimeout() time.Duration {
	if d.MaxRunTimeMs <= 0 {
		return time.Duration(DefaultMaxRunTimeMs) * time.Millisecond
	}
	return time.Duration(d.MaxRunTimeMs) * time.Millisecond
}

// NodeTimeout returns the per-attempt timeout.
func (d Defaults) NodeTimeout() time.Duration {
	if d.NodeTimeoutMs <= 0 {
		return time.Duration(DefaultNodeTimeoutMs) * time.Millisecond
	}
	return time.Duration(d.NodeTimeoutMs) * time.Millisecond
}

// RetryPolicy configures attempt-level retries of a node.
type RetryPolicy struct {
	MaxAttempts  int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffMs    int64   `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
	MaxBackoffMs int64   `json:"max_backoff_ms,omitempty" yaml:"max_backoff_ms,omitempty"`
	JitterRatio  float64 `json:"jitter_ratio,omitempty" yaml:"jitter_ratio,omitempty"`
}

// Retry profile names.
const (
	RetryProfileNone       = "none"
	RetryProfileStandard   = "standard"
	RetryProfileAggressive = "aggressive"
)

// RetryProfiles maps a profile name to its preset policy.
var RetryProfiles = map[string]RetryPolicy{
	RetryProfileNone:       {MaxAttempts: 1},
	RetryProfileStandard:   {MaxAttempts: 3, BackoffMs: 1000, MaxBackoffMs: 20000, JitterRatio: 0.2},
	RetryProfileAggressive: {MaxAttempts: 5, BackoffMs: 500, MaxBackoffMs: 30000, JitterRatio: 0.2},
}

// EffectiveRetry resolves the retry profile and overlays explicitly set fields.
// An empty profile resolves to "standard".
func (d Defaults) EffectiveRetry() RetryPolicy {
	name := d.RetryProfile
	if name == "" {
		name = RetryProfileStandard
	}
	p, ok := RetryProfiles[name]
	if !ok {
		p = RetryProfiles[RetryProfileStandard]
	}
	if d.Retry.MaxAttempts > 0 {
		p.MaxAttempts = d.Retry.MaxAttempts
	}
	if d.Retry.BackoffMs > 0 {
		p.BackoffMs = d.Retry.BackoffMs
	}
	if d.Retry.MaxBackoffMs > 0 {
		p.MaxBackoffMs = d.Retry.MaxBackoffMs
	}
	if d.Retry.JitterRatio > 0 {
		p.JitterRatio = d.Retry.JitterRatio
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// NodeByID returns the node with the given ID.
func (d *WorkflowDefinition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// TriggerByID returns the trigger with the given ID.
func (d *WorkflowDefinition) TriggerByID(id string) (Trigger, bool) {
	for _, t := range d.Triggers {
		if t.ID == id {
			return t, true
		}
	}
	return Trigger{}, false
}

// StartNode returns the ID of the first start node.
func (d *WorkflowDefinition) StartNode() (string, bool) {
	for _, n := range d.Nodes {
		if n.Type == NodeTypeStart {
			return n.ID, true
		}
	}
	return "", false
}

// Next returns the node the outgoing edge of nodeID leads to.
func (d *WorkflowDefinition) Next(nodeID string) (string, bool) {
	for _, e := range d.Edges {
		if e.From == nodeID {
			return e.To, true
		}
	}
	return "", false
}

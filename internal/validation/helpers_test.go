package validation

import (
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

type mockAgents map[string]bool

func (m mockAgents) Has(name string) bool { return m[name] }

func validDef() *schema.WorkflowDefinition {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &schema.WorkflowDefinition{
		ID:     "wf-digest",
		Name:   "Daily digest",
		Status: schema.DefinitionStatusDraft,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "collect", Type: schema.NodeTypeAgentStep, Config: map[string]any{"agent": "echo"}},
			{ID: "summarize", Type: schema.NodeTypeAgentStep, Config: map[string]any{
				schema.InputSelectorKey: "{text: .input}",
			}},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", From: "start", To: "collect", Condition: schema.EdgeConditionAlways},
			{ID: "e2", From: "collect", To: "summarize", Condition: schema.EdgeConditionAlways},
			{ID: "e3", From: "summarize", To: "end", Condition: schema.EdgeConditionAlways},
		},
		Triggers: []schema.Trigger{
			{ID: "t-manual", Kind: schema.TriggerKindManual},
			{ID: "t-chat", Kind: schema.TriggerKindChat, Chat: &schema.ChatTrigger{
				Phrases: []string{"send me the daily digest"}, Enabled: true,
			}},
			{ID: "t-cron", Kind: schema.TriggerKindSchedule, Schedule: &schema.ScheduleTrigger{
				Schedule: schema.Schedule{Kind: schema.ScheduleKindCron, Expression: "0 9 * * 1-5"}, Enabled: true,
			}},
			{ID: "t-every", Kind: schema.TriggerKindSchedule, Schedule: &schema.ScheduleTrigger{
				Schedule: schema.Schedule{Kind: schema.ScheduleKindEvery, IntervalMs: 60000}, Enabled: true,
			}},
			{ID: "t-at", Kind: schema.TriggerKindSchedule, Schedule: &schema.ScheduleTrigger{
				Schedule: schema.Schedule{Kind: schema.ScheduleKindAt, At: &at},
			}},
		},
		Defaults: schema.Defaults{
			MaxRunTimeMs:  60000,
			NodeTimeoutMs: 5000,
			RetryProfile:  schema.RetryProfileStandard,
			Retry:         schema.RetryPolicy{MaxAttempts: 2, BackoffMs: 100, MaxBackoffMs: 1000, JitterRatio: 0.1},
		},
	}
}

func messages(r *schema.ValidationResult) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Path+": "+e.Message)
	}
	return out
}

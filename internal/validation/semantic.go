package validation

import (
	"fmt"

	"github.com/rendis/opflow/internal/agent"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/pkg/schema"
	"github.com/robfig/cron/v3"
)

// CronParser is the 5-field parser shared by validation and the scheduler.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validateSemantic checks what JSON Schema cannot express: identifier
// uniqueness, trigger payloads, cron syntax, node selectors, agent names
// and retry bounds.
func validateSemantic(def *schema.WorkflowDefinition, jq *expressions.GoJQEngine, agents AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.Errorf(path+".id", "node id is empty")
		} else if nodeIDs[n.ID] {
			result.Errorf(path+".id", "duplicate node id %q", n.ID)
		}
		nodeIDs[n.ID] = true

		switch n.Type {
		case schema.NodeTypeStart, schema.NodeTypeEnd, schema.NodeTypeAgentStep:
		default:
			result.Errorf(path+".type", "unknown node type %q", n.Type)
		}
		validateNodeConfig(n, path, jq, agents, result)
	}

	triggerIDs := make(map[string]bool, len(def.Triggers))
	for i, t := range def.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if t.ID == "" {
			result.Errorf(path+".id", "trigger id is empty")
		} else if triggerIDs[t.ID] {
			result.Errorf(path+".id", "duplicate trigger id %q", t.ID)
		}
		triggerIDs[t.ID] = true
		validateTrigger(t, path, result)
	}

	validateDefaults(def.Defaults, result)
	return result
}

func validateNodeConfig(n schema.Node, path string, jq *expressions.GoJQEngine, agents AgentLookup, result *schema.ValidationResult) {
	if raw, ok := n.Config[schema.InputSelectorKey]; ok {
		sel, isString := raw.(string)
		switch {
		case !isString:
			result.Errorf(path+".config."+schema.InputSelectorKey, "must be a string")
		case jq != nil:
			if err := jq.Compile(sel); err != nil {
				result.Errorf(path+".config."+schema.InputSelectorKey, "invalid jq expression: %v", err)
			}
		}
	}
	if agents == nil || n.Type != schema.NodeTypeAgentStep {
		return
	}
	if raw, ok := n.Config[agent.ConfigKey]; ok {
		name, isString := raw.(string)
		if !isString || !agents.Has(name) {
			result.Errorf(path+".config."+agent.ConfigKey, "unknown agent executor %v", raw)
		}
	}
}

func validateTrigger(t schema.Trigger, path string, result *schema.ValidationResult) {
	switch t.Kind {
	case schema.TriggerKindManual:
		if t.Chat != nil || t.Schedule != nil {
			result.Errorf(path, "manual trigger must not carry chat or schedule settings")
		}
	case schema.TriggerKindChat:
		if t.Chat == nil {
			result.Errorf(path+".chat", "chat trigger requires chat settings")
			return
		}
		if t.Schedule != nil {
			result.Errorf(path+".schedule", "chat trigger must not carry schedule settings")
		}
		if len(t.Chat.Phrases) == 0 {
			result.Errorf(path+".chat.phrases", "chat trigger requires at least one phrase")
		}
		for j, p := range t.Chat.Phrases {
			if len(trigger.Tokenize(p)) == 0 {
				result.Errorf(fmt.Sprintf("%s.chat.phrases[%d]", path, j), "phrase %q has no letters or digits", p)
			}
		}
	case schema.TriggerKindSchedule:
		if t.Schedule == nil {
			result.Errorf(path+".schedule", "schedule trigger requires schedule settings")
			return
		}
		if t.Chat != nil {
			result.Errorf(path+".chat", "schedule trigger must not carry chat settings")
		}
		validateSchedule(t.Schedule.Schedule, path+".schedule.schedule", result)
	default:
		result.Errorf(path+".kind", "unknown trigger kind %q", t.Kind)
	}
}

func validateSchedule(s schema.Schedule, path string, result *schema.ValidationResult) {
	switch s.Kind {
	case schema.ScheduleKindAt:
		if s.At == nil || s.At.IsZero() {
			result.Errorf(path+".at", "at schedule requires a timestamp")
		}
	case schema.ScheduleKindEvery:
		if s.IntervalMs <= 0 {
			result.Errorf(path+".interval_ms", "interval must be positive, got %d", s.IntervalMs)
		}
	case schema.ScheduleKindCron:
		if _, err := CronParser.Parse(s.Expression); err != nil {
			result.Errorf(path+".expression", "invalid cron expression %q: %v", s.Expression, err)
		}
	default:
		result.Errorf(path+".kind", "unknown schedule kind %q", s.Kind)
	}
}

func validateDefaults(d schema.Defaults, result *schema.ValidationResult) {
	if d.RetryProfile != "" {
		if _, ok := schema.RetryProfiles[d.RetryProfile]; !ok {
			result.Errorf("defaults.retry_profile", "unknown retry profile %q", d.RetryProfile)
		}
	}
	r := d.Retry
	if r.MaxAttempts < 0 {
		result.Errorf("defaults.retry.max_attempts", "must not be negative")
	}
	if r.BackoffMs < 0 || r.MaxBackoffMs < 0 {
		result.Errorf("defaults.retry", "backoff must not be negative")
	}
	if r.BackoffMs > 0 && r.MaxBackoffMs > 0 && r.MaxBackoffMs < r.BackoffMs {
		result.Errorf("defaults.retry.max_backoff_ms", "max_backoff_ms %d is below backoff_ms %d", r.MaxBackoffMs, r.BackoffMs)
	}
	if r.JitterRatio < 0 || r.JitterRatio > 1 {
		result.Errorf("defaults.retry.jitter_ratio", "must be within [0, 1], got %v", r.JitterRatio)
	}
	if d.MaxRunTimeMs < 0 || d.NodeTimeoutMs < 0 {
		result.Errorf("defaults", "timeouts must not be negative")
	}
}

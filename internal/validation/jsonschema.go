package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const definitionSchemaURL = "https://opflow.dev/schemas/workflow-definition.json"

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition shape validation.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opflow.dev/schemas/workflow-definition.json",
  "type": "object",
  "required": ["id", "name", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "status": { "type": "string", "enum": ["", "draft", "published"] },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "triggers": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/trigger" }
    },
    "defaults": { "$ref": "#/$defs/defaults" },
    "created_at": { "type": "string", "format": "date-time" },
    "updated_at": { "type": "string", "format": "date-time" },
    "published_at": { "type": "string", "format": "date-time" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["start", "agent_step", "end"] },
        "name": { "type": "string" },
        "config": { "type": ["object", "null"] }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "id": { "type": "string" },
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "condition": { "type": "string", "enum": ["", "always"] }
      },
      "additionalProperties": false
    },
    "trigger": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["manual", "chat", "schedule"] },
        "chat": { "$ref": "#/$defs/chat" },
        "schedule": { "$ref": "#/$defs/schedule_trigger" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "kind": { "const": "chat" } } },
          "then": { "required": ["chat"] }
        },
        {
          "if": { "properties": { "kind": { "const": "schedule" } } },
          "then": { "required": ["schedule"] }
        }
      ]
    },
    "chat": {
      "type": "object",
      "required": ["phrases"],
      "properties": {
        "phrases": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "strict_match": { "type": "boolean" },
        "enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "schedule_trigger": {
      "type": "object",
      "required": ["schedule"],
      "properties": {
        "schedule": { "$ref": "#/$defs/schedule" },
        "enabled": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "schedule": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "enum": ["at", "every", "cron"] },
        "at": { "type": "string", "format": "date-time" },
        "interval_ms": { "type": "integer", "minimum": 1 },
        "expression": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "kind": { "const": "at" } } },
          "then": { "required": ["at"] }
        },
        {
          "if": { "properties": { "kind": { "const": "every" } } },
          "then": { "required": ["interval_ms"] }
        },
        {
          "if": { "properties": { "kind": { "const": "cron" } } },
          "then": { "required": ["expression"] }
        }
      ]
    },
    "defaults": {
      "type": "object",
      "properties": {
        "max_run_time_ms": { "type": "integer", "minimum": 0 },
        "node_timeout_ms": { "type": "integer", "minimum": 0 },
        "retry_profile": { "type": "string", "enum": ["", "none", "standard", "aggressive"] },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0 },
        "backoff_ms": { "type": "integer", "minimum": 0 },
        "max_backoff_ms": { "type": "integer", "minimum": 0 },
        "jitter_ratio": { "type": "number", "minimum": 0, "maximum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definition shape against the embedded JSON
// Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{definitionSchema: compiled}, nil
}

// Validate checks def against the definition schema.
func (v *JSONSchemaValidator) Validate(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and returns the leaf
// messages prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

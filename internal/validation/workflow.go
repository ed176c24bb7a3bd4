package validation

import (
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (identifiers, triggers, selectors, retry bounds)
// 3. Graph (linear chain), for publishable definitions only
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	jq         *expressions.GoJQEngine
	agents     AgentLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// agents may be nil to skip executor name checks.
func NewWorkflowValidator(agents AgentLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		jq:         expressions.NewGoJQEngine(),
		agents:     agents,
	}, nil
}

// Validate runs the pipeline and returns the aggregated result. Structural
// errors short-circuit the later stages; the graph stage runs only when
// publishable is true and everything before it passed.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition, publishable bool) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.Errorf("/", "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.jq, wv.agents))

	if publishable && result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateDraft checks shape and local consistency.
func (wv *WorkflowValidator) ValidateDraft(def *schema.WorkflowDefinition) error {
	return wv.Validate(def, false).ToError()
}

// ValidatePublishable additionally requires a single linear chain.
func (wv *WorkflowValidator) ValidatePublishable(def *schema.WorkflowDefinition) error {
	return wv.Validate(def, true).ToError()
}

// validateStructural converts JSON Schema violations into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.Validate(def)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.Errorf("/", "%s", err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.Errorf("/", "%s", msg)
		}
		return result
	}
	result.Errorf("/", "%s", fe.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)

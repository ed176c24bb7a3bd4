package validation

import "github.com/rendis/opflow/pkg/schema"

// Validator checks workflow definitions before they are stored.
// Drafts are checked for shape and local consistency; publishable
// definitions must also form a single linear chain.
type Validator interface {
	ValidateDraft(def *schema.WorkflowDefinition) error
	ValidatePublishable(def *schema.WorkflowDefinition) error
}

// AgentLookup reports whether an agent executor name is known.
type AgentLookup interface {
	Has(name string) bool
}

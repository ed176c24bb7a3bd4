package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue locates one problem in a workflow definition. Path uses
// the JSON field names, e.g. "nodes[2].config.agent".
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationResult collects issues across the validation passes.
type ValidationResult struct {
	Errors []ValidationIssue `json:"errors,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Errorf records an issue at path.
func (r *ValidationResult) Errorf(path, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Merge appends the issues of other, in order.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
	}
}

// ToError returns nil when valid, otherwise a VALIDATION_ERROR listing every
// issue. The issues are also attached under Details["errors"].
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.String()
	}
	msg := parts[0]
	if len(parts) > 1 {
		msg = fmt.Sprintf("%d problems: %s", len(parts), strings.Join(parts, "; "))
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"errors": r.Errors})
}

package schema

import "fmt"

// ValidationSeverity classifies an issue as blocking or advisory.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one finding from the validation pipeline, located by a
// slash-separated path into the definition.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects findings across all validation stages.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func newIssue(path, code, message string, sev ValidationSeverity) ValidationIssue {
	return ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
}

// Valid reports whether validation passed; warnings alone do not fail it.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError records a blocking issue at path.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(path, code, message, SeverityError))
}

// AddWarning records an advisory issue at path.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(path, code, message, SeverityWarning))
}

// Merge folds other's findings into r.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError flattens the result into a single FlowError, or nil when valid.
// The full issue lists ride along in the error details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}

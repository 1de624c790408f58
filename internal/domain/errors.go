package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes reported alongside typed errors, e.g. in run summaries and API responses.
const (
	ErrMalformedCodelist   = "MALFORMED_CODELIST"
	ErrIncompatibleSystems = "INCOMPATIBLE_CODING_SYSTEM"
	ErrCyclicDependency    = "CYCLIC_DEPENDENCY"
	ErrUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrUnknownVariable     = "UNKNOWN_VARIABLE"
	ErrInvalidRule         = "INVALID_RULE"
	ErrEvaluation          = "EVALUATION_ERROR"
	ErrBackend             = "BACKEND_ERROR"
	ErrValidation          = "VALIDATION_ERROR"
	ErrPatientNotFound     = "PATIENT_NOT_FOUND"
)

// MalformedCodelistError reports bad codelist input. Fatal: the load is aborted.
type MalformedCodelistError struct {
	Codelist string `json:"codelist"`
	Row      int    `json:"row,omitempty"`
	Reason   string `json:"reason"`
}

// Error implements the error interface
func (e *MalformedCodelistError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("malformed codelist %q at row %d: %s", e.Codelist, e.Row, e.Reason)
	}
	return fmt.Sprintf("malformed codelist %q: %s", e.Codelist, e.Reason)
}

// IncompatibleCodingSystemError is returned when combining codelists from different systems.
type IncompatibleCodingSystemError struct {
	Codelist string         `json:"codelist"`
	Systems  []CodingSystem `json:"systems"`
}

// Error implements the error interface
func (e *IncompatibleCodingSystemError) Error() string {
	names := make([]string, len(e.Systems))
	for i, s := range e.Systems {
		names[i] = string(s)
	}
	return fmt.Sprintf("cannot combine codelists into %q: coding systems differ (%s)", e.Codelist, strings.Join(names, ", "))
}

// CyclicDependencyError aborts construction of a whole rule graph. Cycle lists
// the qualified variable names that form the loop, starting and ending with Rule.
type CyclicDependencyError struct {
	Rule  string   `json:"rule"`
	Cycle []string `json:"cycle"`
}

// Error implements the error interface
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency at rule %q: %s", e.Rule, strings.Join(e.Cycle, " -> "))
}

// UnresolvedReferenceError is returned by bind when a window names a reference
// date missing from the selector.
type UnresolvedReferenceError struct {
	Rule      string `json:"rule"`
	Reference string `json:"reference"`
}

// Error implements the error interface
func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("rule %q references undefined reference date %q", e.Rule, e.Reference)
}

// UnknownVariableError is returned when a formula or window names a variable
// that is not defined in any visible scope.
type UnknownVariableError struct {
	Rule     string `json:"rule"`
	Variable string `json:"variable"`
}

// Error implements the error interface
func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("rule %q references unknown variable %q", e.Rule, e.Variable)
}

// InvalidRuleError reports a rule definition that can never be evaluated
// (empty name, missing DEFAULT, unparsable formula, unknown codelist).
type InvalidRuleError struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Error implements the error interface
func (e *InvalidRuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid rule %q: %s: %v", e.Rule, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Reason)
}

// Unwrap returns the underlying cause
func (e *InvalidRuleError) Unwrap() error {
	return e.Err
}

// EvaluationError is a per-patient failure. Callers catch it at the patient
// boundary and mark the patient failed instead of aborting the run.
type EvaluationError struct {
	PatientID string `json:"patient_id"`
	Rule      string `json:"rule"`
	Err       error  `json:"-"`
}

// Error implements the error interface
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("patient %s: evaluating %q: %v", e.PatientID, e.Rule, e.Err)
}

// Unwrap returns the underlying cause
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ErrorCode maps a typed error, possibly wrapped, to its error code. Unknown
// errors map to ErrBackend.
func ErrorCode(err error) string {
	var (
		malformed    *MalformedCodelistError
		incompatible *IncompatibleCodingSystemError
		cyclic       *CyclicDependencyError
		unresolved   *UnresolvedReferenceError
		unknown      *UnknownVariableError
		invalid      *InvalidRuleError
		evaluation   *EvaluationError
		validation   *ValidationError
	)
	switch {
	case errors.As(err, &evaluation):
		return ErrEvaluation
	case errors.As(err, &malformed):
		return ErrMalformedCodelist
	case errors.As(err, &incompatible):
		return ErrIncompatibleSystems
	case errors.As(err, &cyclic):
		return ErrCyclicDependency
	case errors.As(err, &unresolved):
		return ErrUnresolvedReference
	case errors.As(err, &unknown):
		return ErrUnknownVariable
	case errors.As(err, &invalid):
		return ErrInvalidRule
	case errors.As(err, &validation):
		return ErrValidation
	case errors.Is(err, ErrNotFound):
		return ErrPatientNotFound
	default:
		return ErrBackend
	}
}

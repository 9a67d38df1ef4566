package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy of the evolver.
var (
	// ErrSandboxTimeout is returned when a candidate exceeds its wall-clock budget.
	ErrSandboxTimeout = errors.New("sandbox timeout")

	// ErrSandboxRuntime is returned when candidate code faulted inside the sandbox.
	ErrSandboxRuntime = errors.New("sandbox runtime error")

	// ErrExtraction is returned when no usable return series can be recovered.
	ErrExtraction = errors.New("return extraction failed")

	// ErrValidationConfig is returned when validator thresholds are misconfigured.
	ErrValidationConfig = errors.New("validation misconfigured")

	// ErrConfigurationConflict is returned when mutually exclusive flags are both requested.
	ErrConfigurationConflict = errors.New("configuration conflict")

	// ErrOrchestration is returned for unexpected internal faults of the iteration loop.
	ErrOrchestration = errors.New("orchestration error")

	// ErrNotFound is returned when a persisted resource is not found.
	ErrNotFound = errors.New("resource not found")
)

// ExtractionError wraps ErrExtraction with the attempts that were made.
type ExtractionError struct {
	Attempts []string
	MinSize  int
}

func (e ExtractionError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no return series with at least %d observations: no recognised field", e.MinSize)
	}
	return fmt.Sprintf("no return series with at least %d observations: %s",
		e.MinSize, strings.Join(e.Attempts, "; "))
}

func (e ExtractionError) Unwrap() error {
	return ErrExtraction
}

// ValidationConfigError wraps ErrValidationConfig with the offending parameter.
type ValidationConfigError struct {
	Param  string
	Reason string
}

func (e ValidationConfigError) Error() string {
	return "invalid validation parameter " + e.Param + ": " + e.Reason
}

func (e ValidationConfigError) Unwrap() error {
	return ErrValidationConfig
}

// ConfigurationConflictError wraps ErrConfigurationConflict with the conflicting flags.
type ConfigurationConflictError struct {
	Flags  []string
	Reason string
}

func (e ConfigurationConflictError) Error() string {
	return "conflicting flags [" + strings.Join(e.Flags, ", ") + "]: " + e.Reason
}

func (e ConfigurationConflictError) Unwrap() error {
	return ErrConfigurationConflict
}

// OrchestrationError wraps ErrOrchestration with the stage and iteration it happened in.
type OrchestrationError struct {
	Iteration int
	Stage     string
	Err       error
}

func (e OrchestrationError) Error() string {
	return fmt.Sprintf("iteration %d failed in %s: %v", e.Iteration, e.Stage, e.Err)
}

func (e OrchestrationError) Unwrap() []error {
	return []error{ErrOrchestration, e.Err}
}

// NewOrchestrationError creates a new OrchestrationError.
func NewOrchestrationError(iteration int, stage string, err error) OrchestrationError {
	return OrchestrationError{Iteration: iteration, Stage: stage, Err: err}
}

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// Package apperror defines the structured error type shared by the routing,
// budget and workflow layers. Every error carries a stable Kind so callers
// can decide whether to retry, upgrade tier, or abandon.
package apperror

import (
	"errors"
	"fmt"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindUnknownTaskType     Kind = "unknown_task_type"
	KindModelInvocation     Kind = "model_invocation"
	KindModelUnavailable    Kind = "model_unavailable"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindPrerequisiteMissing Kind = "prerequisite_missing"
	KindWorkflowBusy        Kind = "workflow_busy"
	KindValidationFailed    Kind = "validation_failed"
	KindCanceled            Kind = "canceled"
	KindNotFound            Kind = "not_found"
	KindInvalidState        Kind = "invalid_state"
	KindIterationCapReached Kind = "iteration_cap_reached"
	KindInternal            Kind = "internal"
)

// Error is the structured error returned across package boundaries.
type Error struct {
	Kind          Kind
	Message       string
	Stage         models.Stage
	ReservationID string
	Iteration     int
	Retryable     bool
	Cause         error
}

// Error implements the error interface.
// Format: "[kind] message" or "[kind] message: cause".
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind, so errors.Is(err, apperror.ErrWorkflowBusy) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons. They carry only a Kind.
var (
	ErrUnknownTaskType     = &Error{Kind: KindUnknownTaskType}
	ErrModelInvocation     = &Error{Kind: KindModelInvocation}
	ErrModelUnavailable    = &Error{Kind: KindModelUnavailable}
	ErrBudgetExceeded      = &Error{Kind: KindBudgetExceeded}
	ErrPrerequisiteMissing = &Error{Kind: KindPrerequisiteMissing}
	ErrWorkflowBusy        = &Error{Kind: KindWorkflowBusy}
	ErrValidationFailed    = &Error{Kind: KindValidationFailed}
	ErrCanceled            = &Error{Kind: KindCanceled}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrIterationCapReached = &Error{Kind: KindIterationCapReached}
)

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is transient and may succeed if tried again.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Retryable {
		return true
	}
	switch e.Kind {
	case KindBudgetExceeded, KindWorkflowBusy, KindModelUnavailable:
		return true
	default:
		return false
	}
}

// UnknownTaskType reports a task type with no tier mapping.
func UnknownTaskType(taskType string) *Error {
	return New(KindUnknownTaskType, "no tier mapping for task type "+taskType)
}

// Transient creates a retryable model invocation error.
func Transient(provider models.LLMProvider, message string, cause error) *Error {
	return &Error{
		Kind:      KindModelInvocation,
		Message:   fmt.Sprintf("%s: %s", provider, message),
		Retryable: true,
		Cause:     cause,
	}
}

// Permanent creates a non-retryable model invocation error.
func Permanent(provider models.LLMProvider, message string, cause error) *Error {
	return &Error{
		Kind:    KindModelInvocation,
		Message: fmt.Sprintf("%s: %s", provider, message),
		Cause:   cause,
	}
}

// BudgetExceeded reports a refused admission.
func BudgetExceeded(reason string) *Error {
	return &Error{Kind: KindBudgetExceeded, Message: "admission refused: " + reason, Retryable: true}
}

// WorkflowBusy reports a concurrent transition in flight for the business.
func WorkflowBusy(businessID string) *Error {
	return &Error{
		Kind:      KindWorkflowBusy,
		Message:   "workflow busy for business " + businessID,
		Retryable: true,
	}
}

// PrerequisiteMissing reports a stage whose dependency is absent or below threshold.
func PrerequisiteMissing(stage, missing models.Stage, detail string) *Error {
	return &Error{
		Kind:    KindPrerequisiteMissing,
		Message: fmt.Sprintf("stage %s requires %s: %s", stage, missing, detail),
		Stage:   stage,
	}
}

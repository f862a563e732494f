package engine

import (
	"errors"
	"fmt"
)

// Store sentinels. Implementations wrap these so callers can use errors.Is.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a record with the same identity exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned when an optimistic version check or a status
	// precondition does not hold.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyFinal is returned when finalizing an order that is already terminal.
	ErrAlreadyFinal = errors.New("order already final")

	// ErrServiceBusy is returned when a lifecycle order or workflow is already in
	// flight for the service.
	ErrServiceBusy = errors.New("service has a lifecycle operation in flight")
)

// ErrDispatchUnconfirmed is wrapped by a Gateway when it could not tell whether
// the deployer accepted a run. The returned token stays reserved and the order
// waits for its callback.
var ErrDispatchUnconfirmed = errors.New("dispatch unconfirmed")

// ErrorClass represents where in the order pipeline an error surfaced.
type ErrorClass string

const (
	// ErrorClassAdmission indicates the request was rejected before an order was created.
	// Examples: malformed payload, unknown provider, concurrent lifecycle order.
	ErrorClassAdmission ErrorClass = "admission"

	// ErrorClassDispatch indicates the order exists but could not be handed to a deployer.
	ErrorClassDispatch ErrorClass = "dispatch"

	// ErrorClassExecution indicates the deployer reported a failed run.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassCorrelation indicates a callback for an unknown or terminal order.
	ErrorClassCorrelation ErrorClass = "correlation"

	// ErrorClassWorkflow indicates a compound workflow phase exhausted its retries.
	ErrorClassWorkflow ErrorClass = "workflow"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the stage at which the error surfaced.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the order, workflow or service ID the error refers to.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if cause := e.unwrapMessage(); cause != "" {
		msg += ": " + cause
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewAdmissionError creates a new admission error.
func NewAdmissionError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassAdmission, Message: message, Err: err}
}

// NewDispatchError creates a new dispatch error.
func NewDispatchError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDispatch, Message: message, Err: err}
}

// NewExecutionError creates a new execution error.
func NewExecutionError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewCorrelationError creates a new correlation error.
func NewCorrelationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassCorrelation, Message: message, Err: err}
}

// NewWorkflowError creates a new workflow error.
func NewWorkflowError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassWorkflow, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or "".
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsAdmission returns true if the error is classified as an admission error.
func IsAdmission(err error) bool {
	return ClassOf(err) == ErrorClassAdmission
}

// IsDispatch returns true if the error is classified as a dispatch error.
func IsDispatch(err error) bool {
	return ClassOf(err) == ErrorClassDispatch
}

// IsCorrelation returns true if the error is classified as a correlation error.
func IsCorrelation(err error) bool {
	return ClassOf(err) == ErrorClassCorrelation
}

// IsWorkflow returns true if the error is classified as a workflow error.
func IsWorkflow(err error) bool {
	return ClassOf(err) == ErrorClassWorkflow
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err wraps ErrConflict or ErrAlreadyFinal.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyFinal)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownProvider  = "UNKNOWN_PROVIDER"
	ErrCodeServiceBusy      = "SERVICE_BUSY"
	ErrCodeServiceLocked    = "SERVICE_LOCKED"
	ErrCodeServiceNotFound  = "SERVICE_NOT_FOUND"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeGatewayFailed    = "GATEWAY_FAILED"
	ErrCodeUnknownToken     = "UNKNOWN_TOKEN"
	ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

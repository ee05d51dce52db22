package core

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent-related errors
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentNotReady = errors.New("agent not ready")
	ErrAgentExists   = errors.New("agent already registered")

	// State errors
	ErrInvalidState   = errors.New("invalid state transition")
	ErrNotInitialized = errors.New("not initialized")

	// Graph errors
	ErrCycleDetected = errors.New("dependency cycle detected")

	// Workflow errors
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrExecutionNotFound      = errors.New("execution not found")

	// Operation errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Transport errors
	ErrTransport    = errors.New("transport failure")
	ErrClientClosed = errors.New("tool client disconnected")

	// Bus errors
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrMessageNotFound   = errors.New("message not found")

	// Circuit breaker
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// CoreError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type CoreError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "agent", "workflow", "bus", "transport")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *CoreError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError creates a new CoreError
func NewCoreError(op, kind string, err error) *CoreError {
	return &CoreError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// ValidationIssue is one (path, message) pair produced by schema validation.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports a value that failed schema validation.
// Validation errors are a contract violation: they are surfaced
// immediately and never retried.
type ValidationError struct {
	Subject string            // What was validated (e.g., "input", "output", "message")
	Issues  []ValidationIssue // Ordered list of failures
}

// Error returns the string representation of the error
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("%s validation failed", e.Subject)
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Path != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
		} else {
			parts = append(parts, issue.Message)
		}
	}
	return fmt.Sprintf("%s validation failed: %s", e.Subject, strings.Join(parts, "; "))
}

// IsValidationError checks if an error is a schema validation failure
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient transport or timeout issues;
// validation and state errors are contract violations and never retried.
func IsRetryable(err error) bool {
	if IsValidationError(err) || IsStateError(err) {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrMaxRetriesExceeded)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrAgentNotReady) ||
		errors.Is(err, ErrClientClosed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrMessageNotFound)
}

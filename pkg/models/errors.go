package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error vocabulary surfaced by the orchestrator.
// Codes are part of the external contract and must not be renamed.
type ErrorKind string

const (
	ErrBudgetExceeded      ErrorKind = "BudgetExceeded"
	ErrProviderUnavailable ErrorKind = "ProviderUnavailable"
	ErrSafetyBlocked       ErrorKind = "SafetyBlocked"
	ErrRetrievalDegraded   ErrorKind = "RetrievalDegraded"
	ErrTimeout             ErrorKind = "Timeout"
	ErrCancelled           ErrorKind = "Cancelled"
	ErrUnknownAgent        ErrorKind = "UnknownAgent"
	ErrValidation          ErrorKind = "ValidationError"
	ErrInternal            ErrorKind = "Internal"
)

// OrchestrationError carries a stable kind alongside a human-readable
// message. Transient kinds may be retried; terminal kinds close the
// conversation.
type OrchestrationError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *OrchestrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OrchestrationError) Unwrap() error { return e.Cause }

// NewError builds a non-retryable OrchestrationError.
func NewError(kind ErrorKind, msg string) *OrchestrationError {
	return &OrchestrationError{Kind: kind, Message: msg}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, msg string, cause error) *OrchestrationError {
	return &OrchestrationError{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to Internal.
func KindOf(err error) ErrorKind {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ErrInternal
}

// IsRetryable reports whether err is a retryable OrchestrationError.
func IsRetryable(err error) bool {
	var oe *OrchestrationError
	return errors.As(err, &oe) && oe.Retryable
}

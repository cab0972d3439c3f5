package errors

import (
	"errors"
	"fmt"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AppError struct {
	Code        string
	Message     string
	UserMessage string
	Severity    Severity
	Retryable   bool
	cause       error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}

	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.cause
}

func (e *AppError) Cause() error {
	return e.Unwrap()
}

// NewTransportError wraps a failed send or receive against the chat
// transport. Retried with backoff; after exhaustion the event is dropped.
func NewTransportError(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Code:        "E100",
		Message:     fmt.Sprintf("Transport error: %s", underlyingMsg),
		UserMessage: "Delivery failed, the message will be retried",
		Severity:    SeverityMedium,
		Retryable:   true,
		cause:       cause,
	}
}

// NewPersistenceConflict marks a unique-constraint race, typically two
// workers creating a topic for the same user. Callers retry it as a get.
func NewPersistenceConflict(cause error) *AppError {
	return &AppError{
		Code:      "E200",
		Message:   "Persistence conflict: concurrent insert lost the race",
		Severity:  SeverityLow,
		Retryable: true,
		cause:     cause,
	}
}

// NewPersistenceError wraps a store failure that is fatal for the affected
// operation but not for the process.
func NewPersistenceError(cause error) *AppError {
	var underlyingMsg string
	if cause != nil {
		underlyingMsg = cause.Error()
	}

	return &AppError{
		Code:        "E201",
		Message:     fmt.Sprintf("Persistence error: %s", underlyingMsg),
		UserMessage: "Storage is temporarily unavailable, please retry later",
		Severity:    SeverityHigh,
		Retryable:   true,
		cause:       cause,
	}
}

// NewInvalidCommandError reports a malformed admin command. The usage text
// is sent back verbatim; no state changes.
func NewInvalidCommandError(usage string) *AppError {
	return &AppError{
		Code:        "E300",
		Message:     "Invalid command",
		UserMessage: usage,
		Severity:    SeverityLow,
		Retryable:   false,
		cause:       nil,
	}
}

// NewValidationError reports malformed input that is not an admin command.
func NewValidationError(msg string) *AppError {
	return &AppError{
		Code:        "E400",
		Message:     msg,
		UserMessage: msg,
		Severity:    SeverityLow,
		Retryable:   false,
		cause:       nil,
	}
}

// IsConflict reports whether err is a persistence conflict (E200).
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Code == "E200"
	}

	return false
}

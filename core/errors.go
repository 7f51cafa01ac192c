package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Store errors
	ErrStoreUnavailable = errors.New("decision store unavailable")
	ErrConnectionFailed = errors.New("connection failed")

	// AI errors
	ErrAIUnavailable = errors.New("AI analyzer unavailable")
	ErrRequestFailed = errors.New("request failed")

	// Engine errors
	ErrQueueFull = errors.New("analysis queue full")
	ErrTimeout   = errors.New("operation timeout")
)

// SecurityError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type SecurityError struct {
	Op     string // Operation that failed (e.g., "store.Block")
	Module string // Optional module id involved
	Err    error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *SecurityError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Module, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *SecurityError) Unwrap() error {
	return e.Err
}

// NewSecurityError creates a new SecurityError
func NewSecurityError(op, module string, err error) *SecurityError {
	return &SecurityError{Op: op, Module: module, Err: err}
}

// IsRetryable checks if an error is a transient availability issue
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

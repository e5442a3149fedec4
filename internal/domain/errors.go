// Package domain defines the core business entities and errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidFormat is returned when data is not in the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrEmptyPayload is returned when a task or DLQ payload is empty.
	ErrEmptyPayload = fmt.Errorf("%w: payload cannot be empty", ErrValidation)

	// ErrInvalidTaskStatus is returned when a task status is not valid.
	ErrInvalidTaskStatus = fmt.Errorf("%w: invalid task status", ErrValidation)

	// ErrInvalidDLQStatus is returned when a dead-letter status is not valid.
	ErrInvalidDLQStatus = fmt.Errorf("%w: invalid dead letter status", ErrValidation)

	// ErrPoisonMessage is returned when a delivered message cannot be decoded
	// into an envelope. Poison messages are dropped, never retried.
	ErrPoisonMessage = errors.New("poison message")
)

// ValidationError describes a validation failure on a single field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Unwrap returns the wrapped sentinel so errors.Is works.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a ValidationError for a field.
func NewValidationError(field, message string, err error) *ValidationError {
	if err == nil {
		err = ErrValidation
	}
	return &ValidationError{Field: field, Message: message, Err: err}
}

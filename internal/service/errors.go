package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/store"
)

// Service errors. The API layer maps each of them to an HTTP status.
var (
	// ErrTaskNotFound indicates that the task does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDLQEntryNotFound indicates that the dead-letter entry does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrDLQEntryNotFound = errors.New("dead letter entry not found")

	// ErrStorage indicates that the store failed. Every unexpected store
	// error returned by a service wraps it.
	// API layer should map this to HTTP 500 Internal Server Error.
	ErrStorage = errors.New("storage failure")
)

// TaskServiceError is a custom error type for task service errors.
type TaskServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for TaskServiceError.
func (e *TaskServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("task service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *TaskServiceError) Unwrap() error {
	return e.Err
}

// NewTaskServiceError classifies err for the operation. Not-found errors
// become ErrTaskNotFound, validation errors are kept as they are, and
// anything else is wrapped with ErrStorage.
func NewTaskServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTaskNotFound) || errors.Is(err, store.ErrTaskNotFound) {
		return ErrTaskNotFound
	}
	return &TaskServiceError{Operation: operation, Message: message, Err: classify(err)}
}

// DLQServiceError is a custom error type for dead-letter service errors.
type DLQServiceError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for DLQServiceError.
func (e *DLQServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dlq service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("dlq service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *DLQServiceError) Unwrap() error {
	return e.Err
}

// NewDLQServiceError classifies err for the operation the same way
// NewTaskServiceError does, with ErrDLQEntryNotFound for a missing entry.
func NewDLQServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDLQEntryNotFound) || errors.Is(err, store.ErrDLQEntryNotFound) {
		return ErrDLQEntryNotFound
	}
	return &DLQServiceError{Operation: operation, Message: message, Err: classify(err)}
}

func classify(err error) error {
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, store.ErrInvalidEntity) {
		return err
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

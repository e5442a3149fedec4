package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// DefaultMaxRetries is the retry ceiling applied to newly created tasks.
const DefaultMaxRetries = 3

// AllTaskStatuses lists every valid task status, in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusProcessing,
	TaskStatusDone,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// Valid reports whether the status is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the normal processing flow ends in this status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ParseTaskStatus converts a case-insensitive string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", NewValidationError("status", fmt.Sprintf("unknown task status %q", s), ErrInvalidTaskStatus)
	}
	return status, nil
}

// Task is a unit of work submitted by a producer and executed by a handler.
// The payload is opaque to the queue; handlers own its schema.
type Task struct {
	ID            int64      `json:"id"`
	Payload       string     `json:"payload"`
	Status        TaskStatus `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// NextAttemptAt is set while a failed task waits out its backoff.
	// The retry scheduler re-publishes the task once it is due.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// RetriedFromDLQID points at the dead-letter entry this task was
	// resubmitted from. It is a plain reference; the entry is not owned.
	RetriedFromDLQID *int64 `json:"retried_from_dlq_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask creates a PENDING task for the given payload.
// The ID is assigned by the store on creation.
func NewTask(payload string) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		Payload:    payload,
		Status:     TaskStatusPending,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewRetryTask creates a fresh PENDING task resubmitted from a dead-letter entry.
func NewRetryTask(payload string, dlqID int64) (*Task, error) {
	t, err := NewTask(payload)
	if err != nil {
		return nil, err
	}
	t.RetriedFromDLQID = &dlqID
	return t, nil
}

// Validate checks that the task has a payload and coherent counters.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Payload) == "" {
		return NewValidationError("payload", "cannot be empty", ErrEmptyPayload)
	}
	if !t.Status.Valid() {
		return NewValidationError("status", "is invalid", ErrInvalidTaskStatus)
	}
	if t.RetryCount < 0 {
		return NewValidationError("retry_count", "cannot be negative", ErrValidation)
	}
	if t.MaxRetries < 1 {
		return NewValidationError("max_retries", "must be at least 1", ErrValidation)
	}
	return nil
}

// Touch refreshes UpdatedAt. Every mutator calls it.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// MarkProcessing records the start of a processing attempt.
func (t *Task) MarkProcessing(now time.Time) {
	t.Status = TaskStatusProcessing
	t.LastAttemptAt = &now
	t.Touch()
}

// MarkDone records successful completion and clears failure state.
func (t *Task) MarkDone() {
	t.Status = TaskStatusDone
	t.ErrorMessage = nil
	t.NextAttemptAt = nil
	t.Touch()
}

// RecordFailure counts a failed attempt against the retry budget.
func (t *Task) RecordFailure(msg string, now time.Time) {
	t.RetryCount++
	t.ErrorMessage = &msg
	t.LastAttemptAt = &now
	t.Touch()
}

// CanRetry reports whether the task has attempts left under its own
// MaxRetries ceiling.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// ScheduleRetry returns the task to PENDING, due again at the given time.
func (t *Task) ScheduleRetry(at time.Time) {
	t.Status = TaskStatusPending
	t.NextAttemptAt = &at
	t.Touch()
}

// MarkFailed moves the task into the terminal FAILED state.
func (t *Task) MarkFailed(msg string) {
	t.Status = TaskStatusFailed
	t.ErrorMessage = &msg
	t.NextAttemptAt = nil
	t.Touch()
}

// Cancel moves a PENDING or PROCESSING task to CANCELLED.
// It reports whether the status changed.
func (t *Task) Cancel() bool {
	if t.Status != TaskStatusPending && t.Status != TaskStatusProcessing {
		return false
	}
	t.Status = TaskStatusCancelled
	t.NextAttemptAt = nil
	t.Touch()
	return true
}

// Requeue moves a FAILED or CANCELLED task back to PENDING with a fresh
// retry budget. It reports whether the status changed.
func (t *Task) Requeue() bool {
	if t.Status != TaskStatusFailed && t.Status != TaskStatusCancelled {
		return false
	}
	t.Status = TaskStatusPending
	t.RetryCount = 0
	t.ErrorMessage = nil
	t.NextAttemptAt = nil
	t.Touch()
	return true
}

// Error returns the last failure message, or an empty string.
func (t *Task) Error() string {
	if t.ErrorMessage == nil {
		return ""
	}
	return *t.ErrorMessage
}

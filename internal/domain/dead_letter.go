package domain

import (
	"fmt"
	"strings"
	"time"
)

// DLQStatus is the remediation state of a dead-letter entry.
type DLQStatus string

const (
	DLQStatusFailed   DLQStatus = "FAILED"
	DLQStatusRetrying DLQStatus = "RETRYING"
	DLQStatusResolved DLQStatus = "RESOLVED"
)

// Default resolution notes written by the DLQ manager and the consumer.
const (
	ResolutionManual         = "Manually resolved"
	ResolutionPayloadUpdated = "Payload updated"
	ResolutionRetrySucceeded = "Retry successful"
)

// Valid reports whether the status is known.
func (s DLQStatus) Valid() bool {
	switch s {
	case DLQStatusFailed, DLQStatusRetrying, DLQStatusResolved:
		return true
	}
	return false
}

// ParseDLQStatus converts a case-insensitive string into a DLQStatus.
func ParseDLQStatus(s string) (DLQStatus, error) {
	status := DLQStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", NewValidationError("status", fmt.Sprintf("unknown dead letter status %q", s), ErrInvalidDLQStatus)
	}
	return status, nil
}

// DeadLetterEntry records a task that failed permanently. It owns a copy of
// the payload so operators can correct it without touching task history;
// re-submission always reads the payload from here.
type DeadLetterEntry struct {
	ID             int64     `json:"id"`
	OriginalTaskID *int64    `json:"original_task_id,omitempty"`
	Payload        string    `json:"payload"`
	TotalAttempts  int       `json:"total_attempts"`
	LastError      string    `json:"last_error"`
	FailedAt       time.Time `json:"failed_at"`
	Status         DLQStatus `json:"status"`
	Resolution     *string   `json:"resolution,omitempty"`
}

// NewDeadLetterEntry snapshots a failed task into a FAILED entry.
func NewDeadLetterEntry(task *Task, cause error) *DeadLetterEntry {
	taskID := task.ID
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	return &DeadLetterEntry{
		OriginalTaskID: &taskID,
		Payload:        task.Payload,
		TotalAttempts:  task.RetryCount,
		LastError:      lastError,
		FailedAt:       time.Now().UTC(),
		Status:         DLQStatusFailed,
	}
}

// Validate checks the entry before it is stored.
func (e *DeadLetterEntry) Validate() error {
	if strings.TrimSpace(e.Payload) == "" {
		return NewValidationError("payload", "cannot be empty", ErrEmptyPayload)
	}
	if !e.Status.Valid() {
		return NewValidationError("status", "is invalid", ErrInvalidDLQStatus)
	}
	if e.TotalAttempts < 0 {
		return NewValidationError("total_attempts", "cannot be negative", ErrValidation)
	}
	return nil
}

// MarkRetrying flags the entry as resubmitted. A non-empty note replaces
// the resolution.
func (e *DeadLetterEntry) MarkRetrying(note string) {
	e.Status = DLQStatusRetrying
	if note != "" {
		e.Resolution = &note
	}
}

// Resolve closes the entry with the given note, or the default manual note.
func (e *DeadLetterEntry) Resolve(note string) {
	if note == "" {
		note = ResolutionManual
	}
	e.Status = DLQStatusResolved
	e.Resolution = &note
}

// ResolveAfterRetry closes the entry once a resubmitted task succeeded,
// appending to any existing operator note.
func (e *DeadLetterEntry) ResolveAfterRetry() {
	note := ResolutionRetrySucceeded
	if e.Resolution != nil && *e.Resolution != "" {
		note = *e.Resolution + " - " + ResolutionRetrySucceeded
	}
	e.Status = DLQStatusResolved
	e.Resolution = &note
}

// UpdatePayload replaces the payload without changing the status.
func (e *DeadLetterEntry) UpdatePayload(payload, note string) error {
	if strings.TrimSpace(payload) == "" {
		return NewValidationError("payload", "cannot be empty", ErrEmptyPayload)
	}
	if note == "" {
		note = ResolutionPayloadUpdated
	}
	e.Payload = payload
	e.Resolution = &note
	return nil
}

// ResolutionNote returns the resolution note, or an empty string.
func (e *DeadLetterEntry) ResolutionNote() string {
	if e.Resolution == nil {
		return ""
	}
	return *e.Resolution
}

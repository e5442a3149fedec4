package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	// OutboxStatusNew marks an event that has not yet reached the broker.
	OutboxStatusNew OutboxStatus = "NEW"
	// OutboxStatusSent marks an event acknowledged by the broker.
	OutboxStatusSent OutboxStatus = "SENT"
)

// OutboxEvent is a durable record that a task's envelope must be delivered
// to the broker. It is written in the same transaction as the task change
// it describes.
type OutboxEvent struct {
	ID        uuid.UUID    `json:"id"`
	TaskID    int64        `json:"task_id"`
	Payload   string       `json:"payload"`
	Status    OutboxStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
}

// NewOutboxEvent wraps the task's id and payload in an envelope and returns
// a NEW event for it. The task must already have its store-assigned ID.
func NewOutboxEvent(task *Task) (*OutboxEvent, error) {
	if task.ID <= 0 {
		return nil, NewValidationError("task_id", "must be assigned before creating an outbox event", ErrInvalidID)
	}

	body, err := EncodeEnvelope(Envelope{TaskID: task.ID, Payload: task.Payload})
	if err != nil {
		return nil, err
	}

	return &OutboxEvent{
		ID:        uuid.New(),
		TaskID:    task.ID,
		Payload:   string(body),
		Status:    OutboxStatusNew,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// MarkSent flips the event to SENT.
func (e *OutboxEvent) MarkSent(at time.Time) {
	e.Status = OutboxStatusSent
	e.SentAt = &at
}

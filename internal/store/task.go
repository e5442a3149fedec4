package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/domain"
)

// TaskStore defines the interface for task persistence.
type TaskStore interface {
	// Create saves a new task and assigns its ID.
	// Returns ErrInvalidEntity wrapping the validation error if the task is invalid.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id int64) (*domain.Task, error)

	// Update persists every mutable field of the task and refreshes UpdatedAt.
	// Returns ErrTaskNotFound if the task does not exist.
	Update(ctx context.Context, task *domain.Task) error

	// ClaimForProcessing atomically moves a task from PENDING to PROCESSING,
	// provided it is not scheduled for a later attempt. It returns the
	// claimed task. Returns ErrConflict when the task exists but is not
	// claimable, and ErrTaskNotFound when it does not exist.
	ClaimForProcessing(ctx context.Context, id int64, now time.Time) (*domain.Task, error)

	// RequeueDue clears the schedule of a PENDING task whose NextAttemptAt is
	// at or before now and returns it. Returns ErrConflict when the task
	// exists but is no longer a due retry, and ErrTaskNotFound when it does
	// not exist.
	RequeueDue(ctx context.Context, id int64, now time.Time) (*domain.Task, error)

	// ResetStuck moves a task that is still PROCESSING and was last updated
	// before olderThan back to PENDING, due at now, recording msg as its
	// error. Returns ErrConflict when the task exists but no longer matches,
	// and ErrTaskNotFound when it does not exist.
	ResetStuck(ctx context.Context, id int64, olderThan, now time.Time, msg string) (*domain.Task, error)

	// List returns a page of tasks across all statuses.
	List(ctx context.Context, page PageRequest) (Page[*domain.Task], error)

	// ListByStatus returns a page of tasks with the given status.
	ListByStatus(ctx context.Context, status domain.TaskStatus, page PageRequest) (Page[*domain.Task], error)

	// ListDueRetries returns PENDING tasks whose NextAttemptAt is at or
	// before now, oldest first.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	// ListStuckProcessing returns PROCESSING tasks last updated before olderThan.
	ListStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Task, error)

	// CountByStatus returns the number of tasks in the given status.
	CountByStatus(ctx context.Context, status domain.TaskStatus) (int64, error)

	// Count returns the total number of tasks.
	Count(ctx context.Context) (int64, error)

	// Delete removes a task and its outbox events.
	// Returns ErrTaskNotFound if the task does not exist.
	Delete(ctx context.Context, id int64) error

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) TaskStore
}

// OutboxStore defines the interface for outbox event persistence.
type OutboxStore interface {
	// Create saves a NEW outbox event.
	Create(ctx context.Context, event *domain.OutboxEvent) error

	// ListByStatus returns up to limit events in the given status, oldest first.
	ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]*domain.OutboxEvent, error)

	// MarkSent flips an event to SENT. Marking an already SENT event is a no-op.
	// Returns ErrOutboxEventNotFound if the event does not exist.
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error

	// GetLatestByTaskID returns the most recently created event for a task.
	// Returns ErrOutboxEventNotFound if the task has no events.
	GetLatestByTaskID(ctx context.Context, taskID int64) (*domain.OutboxEvent, error)

	// WithTx returns a new OutboxStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) OutboxStore
}

// DLQStore defines the interface for dead-letter entry persistence.
type DLQStore interface {
	// Create saves a new entry and assigns its ID.
	Create(ctx context.Context, entry *domain.DeadLetterEntry) error

	// GetByID retrieves an entry by its ID.
	// Returns ErrDLQEntryNotFound if the entry does not exist.
	GetByID(ctx context.Context, id int64) (*domain.DeadLetterEntry, error)

	// Update persists payload, status and resolution of an entry.
	// Returns ErrDLQEntryNotFound if the entry does not exist.
	Update(ctx context.Context, entry *domain.DeadLetterEntry) error

	// List returns a page of entries across all statuses.
	List(ctx context.Context, page PageRequest) (Page[*domain.DeadLetterEntry], error)

	// ListByStatus returns a page of entries with the given status.
	ListByStatus(ctx context.Context, status domain.DLQStatus, page PageRequest) (Page[*domain.DeadLetterEntry], error)

	// ListAllByStatus returns every entry with the given status, oldest first.
	ListAllByStatus(ctx context.Context, status domain.DLQStatus) ([]*domain.DeadLetterEntry, error)

	// CountByStatus returns the number of entries in the given status.
	CountByStatus(ctx context.Context, status domain.DLQStatus) (int64, error)

	// Delete removes an entry.
	// Returns ErrDLQEntryNotFound if the entry does not exist.
	Delete(ctx context.Context, id int64) error

	// WithTx returns a new DLQStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) DLQStore
}

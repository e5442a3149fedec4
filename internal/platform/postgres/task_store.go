package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
)

const taskColumns = `id, payload, status, retry_count, max_retries, error_message,
	last_attempt_at, next_attempt_at, retried_from_dlq_id, created_at, updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx, logger: s.logger}
}

// Create implements store.TaskStore.Create.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	query := `
		INSERT INTO tasks (payload, status, retry_count, max_retries, error_message,
			last_attempt_at, next_attempt_at, retried_from_dlq_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		task.Payload,
		string(task.Status),
		task.RetryCount,
		task.MaxRetries,
		nullString(task.ErrorMessage),
		task.LastAttemptAt,
		task.NextAttemptAt,
		nullInt64(task.RetriedFromDLQID),
		task.CreatedAt,
		task.UpdatedAt,
	).Scan(&task.ID)
	if err != nil {
		log.Error("failed to create task", slog.String("error", err.Error()))
		return MapError(err)
	}

	log.Debug("task created", slog.Int64("task_id", task.ID))
	return nil
}

// GetByID implements store.TaskStore.GetByID.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.Int64("task_id", id))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task", slog.Int64("task_id", id), slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return task, nil
}

// Update implements store.TaskStore.Update.
func (s *PostgresTaskStore) Update(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	task.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE tasks
		SET payload = $1, status = $2, retry_count = $3, max_retries = $4,
			error_message = $5, last_attempt_at = $6, next_attempt_at = $7,
			retried_from_dlq_id = $8, updated_at = $9
		WHERE id = $10
	`
	result, err := s.db.ExecContext(ctx, query,
		task.Payload,
		string(task.Status),
		task.RetryCount,
		task.MaxRetries,
		nullString(task.ErrorMessage),
		task.LastAttemptAt,
		task.NextAttemptAt,
		nullInt64(task.RetriedFromDLQID),
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		log.Error("failed to update task",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	return checkRowsAffected(result, store.ErrTaskNotFound)
}

// ClaimForProcessing implements store.TaskStore.ClaimForProcessing.
// The conditional UPDATE is the per-task mutual exclusion: only one
// concurrent delivery can match the PENDING row.
func (s *PostgresTaskStore) ClaimForProcessing(ctx context.Context, id int64, now time.Time) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE tasks
		SET status = 'PROCESSING', last_attempt_at = $2, next_attempt_at = NULL, updated_at = $2
		WHERE id = $1
			AND status = 'PENDING'
			AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		RETURNING ` + taskColumns

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id, now))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to claim task", slog.Int64("task_id", id), slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return nil, s.unmatched(ctx, id)
}

// RequeueDue implements store.TaskStore.RequeueDue.
func (s *PostgresTaskStore) RequeueDue(ctx context.Context, id int64, now time.Time) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE tasks
		SET next_attempt_at = NULL, updated_at = $2
		WHERE id = $1
			AND status = 'PENDING'
			AND next_attempt_at IS NOT NULL
			AND next_attempt_at <= $2
		RETURNING ` + taskColumns

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id, now))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to requeue task", slog.Int64("task_id", id), slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return nil, s.unmatched(ctx, id)
}

// ResetStuck implements store.TaskStore.ResetStuck.
func (s *PostgresTaskStore) ResetStuck(
	ctx context.Context,
	id int64,
	olderThan, now time.Time,
	msg string,
) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE tasks
		SET status = 'PENDING', error_message = $4, next_attempt_at = $3, updated_at = $3
		WHERE id = $1
			AND status = 'PROCESSING'
			AND updated_at < $2
		RETURNING ` + taskColumns

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id, olderThan, now, msg))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to reset stuck task", slog.Int64("task_id", id), slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return nil, s.unmatched(ctx, id)
}

// unmatched tells a conditional UPDATE that matched no row apart from a
// missing task.
func (s *PostgresTaskStore) unmatched(ctx context.Context, id int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return MapError(err)
	}
	if !exists {
		return store.ErrTaskNotFound
	}
	return store.ErrConflict
}

// List implements store.TaskStore.List.
func (s *PostgresTaskStore) List(ctx context.Context, page store.PageRequest) (store.Page[*domain.Task], error) {
	return s.listPage(ctx, "", nil, page)
}

// ListByStatus implements store.TaskStore.ListByStatus.
func (s *PostgresTaskStore) ListByStatus(
	ctx context.Context,
	status domain.TaskStatus,
	page store.PageRequest,
) (store.Page[*domain.Task], error) {
	return s.listPage(ctx, "WHERE status = $1", []any{string(status)}, page)
}

// ListDueRetries implements store.TaskStore.ListDueRetries.
func (s *PostgresTaskStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'PENDING' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`
	return s.queryTasks(ctx, query, now, limit)
}

// ListStuckProcessing implements store.TaskStore.ListStuckProcessing.
func (s *PostgresTaskStore) ListStuckProcessing(
	ctx context.Context,
	olderThan time.Time,
	limit int,
) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	return s.queryTasks(ctx, query, olderThan, limit)
}

// CountByStatus implements store.TaskStore.CountByStatus.
func (s *PostgresTaskStore) CountByStatus(ctx context.Context, status domain.TaskStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&n)
	return n, MapError(err)
}

// Count implements store.TaskStore.Count.
func (s *PostgresTaskStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n)
	return n, MapError(err)
}

// Delete implements store.TaskStore.Delete.
// Outbox events are removed by ON DELETE CASCADE.
func (s *PostgresTaskStore) Delete(ctx context.Context, id int64) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete task", slog.Int64("task_id", id), slog.String("error", err.Error()))
		return MapError(err)
	}
	return checkRowsAffected(result, store.ErrTaskNotFound)
}

func (s *PostgresTaskStore) listPage(
	ctx context.Context,
	where string,
	args []any,
	page store.PageRequest,
) (store.Page[*domain.Task], error) {
	page = page.Normalize()

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return store.Page[*domain.Task]{}, MapError(err)
	}

	order := "ASC"
	if page.Desc {
		order = "DESC"
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM tasks %s ORDER BY id %s LIMIT $%d OFFSET $%d`,
		taskColumns, where, order, n+1, n+2)

	items, err := s.queryTasks(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return store.Page[*domain.Task]{}, err
	}
	return store.NewPage(items, page, total), nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", slog.String("error", err.Error()))
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return tasks, nil
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task          domain.Task
		status        string
		errorMessage  sql.NullString
		lastAttemptAt sql.NullTime
		nextAttemptAt sql.NullTime
		retriedFrom   sql.NullInt64
	)
	err := row.Scan(
		&task.ID,
		&task.Payload,
		&status,
		&task.RetryCount,
		&task.MaxRetries,
		&errorMessage,
		&lastAttemptAt,
		&nextAttemptAt,
		&retriedFrom,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Status = domain.TaskStatus(status)
	task.ErrorMessage = stringPtr(errorMessage)
	task.LastAttemptAt = timePtr(lastAttemptAt)
	task.NextAttemptAt = timePtr(nextAttemptAt)
	task.RetriedFromDLQID = int64Ptr(retriedFrom)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

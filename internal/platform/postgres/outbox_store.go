package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
)

const outboxColumns = `id, task_id, payload, status, created_at, sent_at`

// PostgresOutboxStore implements the store.OutboxStore interface.
type PostgresOutboxStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresOutboxStore creates a new PostgreSQL implementation of the OutboxStore interface.
func NewPostgresOutboxStore(db store.DBTX, logger *slog.Logger) *PostgresOutboxStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresOutboxStore{
		db:     db,
		logger: logger.With(slog.String("component", "outbox_store")),
	}
}

var _ store.OutboxStore = (*PostgresOutboxStore)(nil)

// WithTx implements store.OutboxStore.WithTx.
func (s *PostgresOutboxStore) WithTx(tx *sql.Tx) store.OutboxStore {
	return &PostgresOutboxStore{db: tx, logger: s.logger}
}

// Create implements store.OutboxStore.Create.
func (s *PostgresOutboxStore) Create(ctx context.Context, event *domain.OutboxEvent) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO outbox_events (id, task_id, payload, status, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.TaskID,
		event.Payload,
		string(event.Status),
		event.CreatedAt,
		event.SentAt,
	)
	if err != nil {
		log.Error("failed to create outbox event",
			slog.String("outbox_id", event.ID.String()),
			slog.Int64("task_id", event.TaskID),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	return nil
}

// ListByStatus implements store.OutboxStore.ListByStatus.
func (s *PostgresOutboxStore) ListByStatus(
	ctx context.Context,
	status domain.OutboxStatus,
	limit int,
) ([]*domain.OutboxEvent, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`
	if limit <= 0 {
		limit = store.MaxPageSize
	}

	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		log.Error("failed to query outbox events", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, MapError(err)
		}
		events = append(events, ev)
	}
	return events, MapError(rows.Err())
}

// MarkSent implements store.OutboxStore.MarkSent.
func (s *PostgresOutboxStore) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'SENT', sent_at = COALESCE(sent_at, $2)
		WHERE id = $1
	`, id, sentAt)
	if err != nil {
		log.Error("failed to mark outbox event sent",
			slog.String("outbox_id", id.String()),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	return checkRowsAffected(result, store.ErrOutboxEventNotFound)
}

// GetLatestByTaskID implements store.OutboxStore.GetLatestByTaskID.
func (s *PostgresOutboxStore) GetLatestByTaskID(ctx context.Context, taskID int64) (*domain.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	ev, err := scanOutboxEvent(s.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOutboxEventNotFound
		}
		return nil, MapError(err)
	}
	return ev, nil
}

func scanOutboxEvent(row scanner) (*domain.OutboxEvent, error) {
	var (
		ev     domain.OutboxEvent
		status string
		sentAt sql.NullTime
	)
	if err := row.Scan(&ev.ID, &ev.TaskID, &ev.Payload, &status, &ev.CreatedAt, &sentAt); err != nil {
		return nil, err
	}
	ev.Status = domain.OutboxStatus(status)
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.SentAt = timePtr(sentAt)
	return &ev, nil
}

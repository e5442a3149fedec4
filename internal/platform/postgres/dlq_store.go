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

const dlqColumns = `id, original_task_id, payload, total_attempts, last_error, failed_at, status, resolution`

// PostgresDLQStore implements the store.DLQStore interface.
type PostgresDLQStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresDLQStore creates a new PostgreSQL implementation of the DLQStore interface.
func NewPostgresDLQStore(db store.DBTX, logger *slog.Logger) *PostgresDLQStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDLQStore{
		db:     db,
		logger: logger.With(slog.String("component", "dlq_store")),
	}
}

var _ store.DLQStore = (*PostgresDLQStore)(nil)

// WithTx implements store.DLQStore.WithTx.
func (s *PostgresDLQStore) WithTx(tx *sql.Tx) store.DLQStore {
	return &PostgresDLQStore{db: tx, logger: s.logger}
}

// Create implements store.DLQStore.Create.
func (s *PostgresDLQStore) Create(ctx context.Context, entry *domain.DeadLetterEntry) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dead_letter_entries
			(original_task_id, payload, total_attempts, last_error, failed_at, status, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		nullInt64(entry.OriginalTaskID),
		entry.Payload,
		entry.TotalAttempts,
		entry.LastError,
		entry.FailedAt,
		string(entry.Status),
		nullString(entry.Resolution),
	).Scan(&entry.ID)
	if err != nil {
		log.Error("failed to create dead letter entry", slog.String("error", err.Error()))
		return MapError(err)
	}
	return nil
}

// GetByID implements store.DLQStore.GetByID.
func (s *PostgresDLQStore) GetByID(ctx context.Context, id int64) (*domain.DeadLetterEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dead_letter_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrDLQEntryNotFound
		}
		return nil, MapError(err)
	}
	return entry, nil
}

// Update implements store.DLQStore.Update.
func (s *PostgresDLQStore) Update(ctx context.Context, entry *domain.DeadLetterEntry) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_entries
		SET payload = $1, status = $2, resolution = $3
		WHERE id = $4
	`, entry.Payload, string(entry.Status), nullString(entry.Resolution), entry.ID)
	if err != nil {
		log.Error("failed to update dead letter entry",
			slog.Int64("dlq_id", entry.ID),
			slog.String("error", err.Error()))
		return MapError(err)
	}
	return checkRowsAffected(result, store.ErrDLQEntryNotFound)
}

// List implements store.DLQStore.List.
func (s *PostgresDLQStore) List(
	ctx context.Context,
	page store.PageRequest,
) (store.Page[*domain.DeadLetterEntry], error) {
	return s.listPage(ctx, "", nil, page)
}

// ListByStatus implements store.DLQStore.ListByStatus.
func (s *PostgresDLQStore) ListByStatus(
	ctx context.Context,
	status domain.DLQStatus,
	page store.PageRequest,
) (store.Page[*domain.DeadLetterEntry], error) {
	return s.listPage(ctx, "WHERE status = $1", []any{string(status)}, page)
}

// ListAllByStatus implements store.DLQStore.ListAllByStatus.
func (s *PostgresDLQStore) ListAllByStatus(
	ctx context.Context,
	status domain.DLQStatus,
) ([]*domain.DeadLetterEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+dlqColumns+` FROM dead_letter_entries WHERE status = $1 ORDER BY id ASC`,
		string(status))
}

// CountByStatus implements store.DLQStore.CountByStatus.
func (s *PostgresDLQStore) CountByStatus(ctx context.Context, status domain.DLQStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_entries WHERE status = $1`, string(status)).Scan(&n)
	return n, MapError(err)
}

// Delete implements store.DLQStore.Delete.
func (s *PostgresDLQStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_entries WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return checkRowsAffected(result, store.ErrDLQEntryNotFound)
}

func (s *PostgresDLQStore) listPage(
	ctx context.Context,
	where string,
	args []any,
	page store.PageRequest,
) (store.Page[*domain.DeadLetterEntry], error) {
	page = page.Normalize()

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_entries `+where, args...).Scan(&total); err != nil {
		return store.Page[*domain.DeadLetterEntry]{}, MapError(err)
	}

	order := "ASC"
	if page.Desc {
		order = "DESC"
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM dead_letter_entries %s ORDER BY id %s LIMIT $%d OFFSET $%d`,
		dlqColumns, where, order, n+1, n+2)

	items, err := s.queryEntries(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return store.Page[*domain.DeadLetterEntry]{}, err
	}
	return store.NewPage(items, page, total), nil
}

func (s *PostgresDLQStore) queryEntries(ctx context.Context, query string, args ...any) ([]*domain.DeadLetterEntry, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query dead letter entries", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*domain.DeadLetterEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, MapError(err)
		}
		entries = append(entries, entry)
	}
	return entries, MapError(rows.Err())
}

func scanEntry(row scanner) (*domain.DeadLetterEntry, error) {
	var (
		entry      domain.DeadLetterEntry
		originalID sql.NullInt64
		status     string
		resolution sql.NullString
	)
	err := row.Scan(
		&entry.ID,
		&originalID,
		&entry.Payload,
		&entry.TotalAttempts,
		&entry.LastError,
		&entry.FailedAt,
		&status,
		&resolution,
	)
	if err != nil {
		return nil, err
	}
	entry.OriginalTaskID = int64Ptr(originalID)
	entry.Status = domain.DLQStatus(status)
	entry.Resolution = stringPtr(resolution)
	entry.FailedAt = entry.FailedAt.UTC()
	return &entry, nil
}

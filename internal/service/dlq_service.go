package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
)

// DLQStats counts dead-letter entries by status.
type DLQStats struct {
	TotalFailed int64 `json:"total_failed"`
	Retrying    int64 `json:"retrying"`
	Resolved    int64 `json:"resolved"`
}

// BulkRetryResult summarizes a bulk retry.
type BulkRetryResult struct {
	TotalRetried int    `json:"total_retried"`
	Successful   int    `json:"successful"`
	Failed       int    `json:"failed"`
	Message      string `json:"message"`
}

// DLQService inspects and remediates dead-letter entries.
type DLQService struct {
	repos  store.Repositories
	tx     store.Transactor
	opts   options
	logger *slog.Logger
}

// NewDLQService creates a DLQService.
// It returns an error if any of the required dependencies are nil.
func NewDLQService(
	repos store.Repositories,
	tx store.Transactor,
	log *slog.Logger,
	opts ...Option,
) (*DLQService, error) {
	if repos.DLQ == nil || repos.Tasks == nil || repos.Outbox == nil {
		return nil, &DLQServiceError{Operation: "create_service", Message: "stores cannot be nil"}
	}
	if tx == nil {
		return nil, &DLQServiceError{Operation: "create_service", Message: "transactor cannot be nil"}
	}
	if log == nil {
		log = slog.Default()
	}
	return &DLQService{
		repos:  repos,
		tx:     tx,
		opts:   newOptions(opts),
		logger: log.With(slog.String("component", "dlq_service")),
	}, nil
}

// List returns a page of entries across all statuses.
func (s *DLQService) List(ctx context.Context, page store.PageRequest) (store.Page[*domain.DeadLetterEntry], error) {
	entries, err := s.repos.DLQ.List(ctx, page.Normalize())
	if err != nil {
		return entries, NewDLQServiceError("list", "failed to list entries", err)
	}
	return entries, nil
}

// Get returns one entry.
func (s *DLQService) Get(ctx context.Context, id int64) (*domain.DeadLetterEntry, error) {
	entry, err := s.repos.DLQ.GetByID(ctx, id)
	if err != nil {
		return nil, NewDLQServiceError("get", "failed to load entry", err)
	}
	return entry, nil
}

// ListByStatus returns a page of entries in the given status, matched
// case-insensitively. An unknown status is a validation error.
func (s *DLQService) ListByStatus(
	ctx context.Context,
	status string,
	page store.PageRequest,
) (store.Page[*domain.DeadLetterEntry], error) {
	st, err := domain.ParseDLQStatus(status)
	if err != nil {
		return store.Page[*domain.DeadLetterEntry]{}, err
	}
	entries, err := s.repos.DLQ.ListByStatus(ctx, st, page.Normalize())
	if err != nil {
		return entries, NewDLQServiceError("list_by_status", "failed to list entries", err)
	}
	return entries, nil
}

// Stats counts entries by status.
func (s *DLQService) Stats(ctx context.Context) (DLQStats, error) {
	var stats DLQStats
	for status, dst := range map[domain.DLQStatus]*int64{
		domain.DLQStatusFailed:   &stats.TotalFailed,
		domain.DLQStatusRetrying: &stats.Retrying,
		domain.DLQStatusResolved: &stats.Resolved,
	} {
		n, err := s.repos.DLQ.CountByStatus(ctx, status)
		if err != nil {
			return stats, NewDLQServiceError("stats", "failed to count entries", err)
		}
		*dst = n
	}
	return stats, nil
}

// Retry resubmits an entry as a new PENDING task built from the entry's
// current payload. The entry turns RETRYING, the task is created with a
// link back to the entry, and a NEW outbox event is recorded, all in one
// transaction. A non-empty note replaces the entry's resolution.
func (s *DLQService) Retry(ctx context.Context, id int64, note string) (*TaskView, error) {
	var (
		task  *domain.Task
		event *domain.OutboxEvent
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		task, event, err = s.resubmit(ctx, repos, id, note)
		return err
	})
	if err != nil {
		if !store.IsNotFoundError(err) {
			logger.FromContextOrDefault(ctx, s.logger).Error("failed to retry entry",
				slog.Int64("dlq_id", id),
				slog.String("error", err.Error()))
		}
		return nil, NewDLQServiceError("retry", "failed to resubmit entry", err)
	}

	logger.FromContextOrDefault(ctx, s.logger).Info("dead letter entry retried",
		slog.Int64("dlq_id", id),
		slog.Int64("task_id", task.ID))
	return &TaskView{Task: task, Outbox: outboxView(event)}, nil
}

// resubmit must run inside a transaction.
func (s *DLQService) resubmit(
	ctx context.Context,
	repos store.Repositories,
	id int64,
	note string,
) (*domain.Task, *domain.OutboxEvent, error) {
	entry, err := repos.DLQ.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	entry.MarkRetrying(note)
	if err := repos.DLQ.Update(ctx, entry); err != nil {
		return nil, nil, err
	}

	task, err := domain.NewRetryTask(entry.Payload, entry.ID)
	if err != nil {
		return nil, nil, err
	}
	task.MaxRetries = s.opts.maxRetries
	if err := repos.Tasks.Create(ctx, task); err != nil {
		return nil, nil, err
	}
	event, err := domain.NewOutboxEvent(task)
	if err != nil {
		return nil, nil, err
	}
	if err := repos.Outbox.Create(ctx, event); err != nil {
		return nil, nil, err
	}
	return task, event, nil
}

// Resolve closes an entry with the note, or "Manually resolved" when the
// note is empty.
func (s *DLQService) Resolve(ctx context.Context, id int64, note string) (*domain.DeadLetterEntry, error) {
	entry, err := s.repos.DLQ.GetByID(ctx, id)
	if err != nil {
		return nil, NewDLQServiceError("resolve", "failed to load entry", err)
	}
	entry.Resolve(note)
	if err := s.repos.DLQ.Update(ctx, entry); err != nil {
		return nil, NewDLQServiceError("resolve", "failed to save entry", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("dead letter entry resolved", slog.Int64("dlq_id", id))
	return entry, nil
}

// UpdatePayload replaces an entry's payload and records the note, or
// "Payload updated" when the note is empty. The status is unchanged.
func (s *DLQService) UpdatePayload(
	ctx context.Context,
	id int64,
	payload, note string,
) (*domain.DeadLetterEntry, error) {
	entry, err := s.repos.DLQ.GetByID(ctx, id)
	if err != nil {
		return nil, NewDLQServiceError("update_payload", "failed to load entry", err)
	}
	if err := entry.UpdatePayload(payload, note); err != nil {
		return nil, err
	}
	if err := s.repos.DLQ.Update(ctx, entry); err != nil {
		return nil, NewDLQServiceError("update_payload", "failed to save entry", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("dead letter payload updated", slog.Int64("dlq_id", id))
	return entry, nil
}

// Delete removes an entry. It reports false when the entry does not exist.
// Tasks resubmitted from the entry keep running.
func (s *DLQService) Delete(ctx context.Context, id int64) (bool, error) {
	err := s.repos.DLQ.Delete(ctx, id)
	if errors.Is(err, store.ErrDLQEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, NewDLQServiceError("delete", "failed to delete entry", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("dead letter entry deleted", slog.Int64("dlq_id", id))
	return true, nil
}

// BulkRetry resubmits every entry whose status matches statusFilter,
// case-insensitively. Each entry is resubmitted in its own transaction, so
// one failure does not undo the others. An unknown status matches nothing.
func (s *DLQService) BulkRetry(ctx context.Context, statusFilter, note string) (BulkRetryResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var result BulkRetryResult
	status, err := domain.ParseDLQStatus(statusFilter)
	if err == nil {
		entries, err := s.repos.DLQ.ListAllByStatus(ctx, status)
		if err != nil {
			return result, NewDLQServiceError("bulk_retry", "failed to list entries", err)
		}

		for _, entry := range entries {
			result.TotalRetried++
			err := s.tx.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
				_, _, err := s.resubmit(ctx, repos, entry.ID, note)
				return err
			})
			if err != nil {
				result.Failed++
				log.Error("failed to retry dead letter entry",
					slog.Int64("dlq_id", entry.ID),
					slog.String("error", err.Error()))
				continue
			}
			result.Successful++
		}
	}

	result.Message = fmt.Sprintf("Bulk retry completed: %d total, %d successful, %d failed",
		result.TotalRetried, result.Successful, result.Failed)
	log.Info(result.Message, slog.String("status", statusFilter))
	return result, nil
}

// RetryAllFailed resubmits every FAILED entry.
func (s *DLQService) RetryAllFailed(ctx context.Context, note string) (BulkRetryResult, error) {
	return s.BulkRetry(ctx, string(domain.DLQStatusFailed), note)
}

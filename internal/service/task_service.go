package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/store"
)

// OutboxView summarizes the latest outbox event of a task.
type OutboxView struct {
	Status    domain.OutboxStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	SentAt    *time.Time          `json:"sent_at,omitempty"`
}

// TaskView is a task together with the delivery state of its latest
// outbox event. Outbox is nil when the task has none.
type TaskView struct {
	*domain.Task
	Outbox *OutboxView `json:"outbox_status,omitempty"`
}

// TaskStats counts tasks by status.
type TaskStats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// TaskService submits tasks and manages their lifecycle.
type TaskService struct {
	repos  store.Repositories
	tx     store.Transactor
	opts   options
	logger *slog.Logger
}

// NewTaskService creates a TaskService.
// It returns an error if any of the required dependencies are nil.
func NewTaskService(
	repos store.Repositories,
	tx store.Transactor,
	log *slog.Logger,
	opts ...Option,
) (*TaskService, error) {
	if repos.Tasks == nil || repos.Outbox == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "task and outbox stores cannot be nil"}
	}
	if tx == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "transactor cannot be nil"}
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskService{
		repos:  repos,
		tx:     tx,
		opts:   newOptions(opts),
		logger: log.With(slog.String("component", "task_service")),
	}, nil
}

// Submit stores a PENDING task and its NEW outbox event in one transaction.
// Nothing is sent to the broker here; the outbox publisher does that.
func (s *TaskService) Submit(ctx context.Context, payload string) (*domain.Task, *domain.OutboxEvent, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	task, err := domain.NewTask(payload)
	if err != nil {
		return nil, nil, err
	}
	task.MaxRetries = s.opts.maxRetries

	var event *domain.OutboxEvent
	err = s.tx.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		if err := repos.Tasks.Create(ctx, task); err != nil {
			return err
		}
		event, err = domain.NewOutboxEvent(task)
		if err != nil {
			return err
		}
		return repos.Outbox.Create(ctx, event)
	})
	if err != nil {
		log.Error("failed to submit task", slog.String("error", err.Error()))
		return nil, nil, NewTaskServiceError("submit", "failed to save task", err)
	}

	log.Info("task submitted",
		slog.Int64("task_id", task.ID),
		slog.String("outbox_id", event.ID.String()),
		slog.String("task_type", domain.TaskTypeOf(task.Payload)))
	return task, event, nil
}

// Get returns a task with its latest outbox state.
func (s *TaskService) Get(ctx context.Context, id int64) (*TaskView, error) {
	task, err := s.repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, NewTaskServiceError("get", "failed to load task", err)
	}
	return s.view(ctx, task)
}

// GetStatus returns only the status of a task.
func (s *TaskService) GetStatus(ctx context.Context, id int64) (domain.TaskStatus, error) {
	task, err := s.repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return "", NewTaskServiceError("get_status", "failed to load task", err)
	}
	return task.Status, nil
}

// List returns a page of tasks across all statuses.
func (s *TaskService) List(ctx context.Context, page store.PageRequest) (store.Page[*TaskView], error) {
	page = page.Normalize()
	tasks, err := s.repos.Tasks.List(ctx, page)
	if err != nil {
		return store.Page[*TaskView]{}, NewTaskServiceError("list", "failed to list tasks", err)
	}
	return s.viewPage(ctx, tasks, page)
}

// ListByStatus returns a page of tasks in the given status. The status is
// matched case-insensitively; an unknown status is a validation error.
func (s *TaskService) ListByStatus(
	ctx context.Context,
	status string,
	page store.PageRequest,
) (store.Page[*TaskView], error) {
	st, err := domain.ParseTaskStatus(status)
	if err != nil {
		return store.Page[*TaskView]{}, err
	}
	page = page.Normalize()
	tasks, err := s.repos.Tasks.ListByStatus(ctx, st, page)
	if err != nil {
		return store.Page[*TaskView]{}, NewTaskServiceError("list_by_status", "failed to list tasks", err)
	}
	return s.viewPage(ctx, tasks, page)
}

// Stats counts tasks by status.
func (s *TaskService) Stats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	total, err := s.repos.Tasks.Count(ctx)
	if err != nil {
		return stats, NewTaskServiceError("stats", "failed to count tasks", err)
	}
	stats.Total = total

	counts := map[domain.TaskStatus]*int64{
		domain.TaskStatusPending:    &stats.Pending,
		domain.TaskStatusProcessing: &stats.Processing,
		domain.TaskStatusDone:       &stats.Done,
		domain.TaskStatusFailed:     &stats.Failed,
		domain.TaskStatusCancelled:  &stats.Cancelled,
	}
	for status, dst := range counts {
		n, err := s.repos.Tasks.CountByStatus(ctx, status)
		if err != nil {
			return stats, NewTaskServiceError("stats", "failed to count tasks", err)
		}
		*dst = n
	}
	return stats, nil
}

// Cancel moves a PENDING or PROCESSING task to CANCELLED. A task in any
// other status is returned unchanged.
func (s *TaskService) Cancel(ctx context.Context, id int64) (*TaskView, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.Int64("task_id", id))

	task, err := s.repos.Tasks.GetByID(ctx, id)
	if err != nil {
		return nil, NewTaskServiceError("cancel", "failed to load task", err)
	}
	if task.Cancel() {
		if err := s.repos.Tasks.Update(ctx, task); err != nil {
			log.Error("failed to cancel task", slog.String("error", err.Error()))
			return nil, NewTaskServiceError("cancel", "failed to save task", err)
		}
		log.Info("task cancelled")
	}
	return s.view(ctx, task)
}

// Retry moves a FAILED or CANCELLED task back to PENDING with a fresh retry
// budget and enqueues it through a new outbox event, in one transaction.
// A task in any other status is returned unchanged.
func (s *TaskService) Retry(ctx context.Context, id int64) (*TaskView, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.Int64("task_id", id))

	var task *domain.Task
	var event *domain.OutboxEvent
	err := s.tx.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		task, err = repos.Tasks.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !task.Requeue() {
			return nil
		}
		if err := repos.Tasks.Update(ctx, task); err != nil {
			return err
		}
		event, err = domain.NewOutboxEvent(task)
		if err != nil {
			return err
		}
		return repos.Outbox.Create(ctx, event)
	})
	if err != nil {
		if !store.IsNotFoundError(err) {
			log.Error("failed to retry task", slog.String("error", err.Error()))
		}
		return nil, NewTaskServiceError("retry", "failed to requeue task", err)
	}

	if event == nil {
		return s.view(ctx, task)
	}
	log.Info("task requeued", slog.String("outbox_id", event.ID.String()))
	return &TaskView{Task: task, Outbox: outboxView(event)}, nil
}

// Delete removes a task and its outbox events. It reports false when the
// task does not exist.
func (s *TaskService) Delete(ctx context.Context, id int64) (bool, error) {
	err := s.repos.Tasks.Delete(ctx, id)
	if errors.Is(err, store.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, NewTaskServiceError("delete", "failed to delete task", err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("task deleted", slog.Int64("task_id", id))
	return true, nil
}

func (s *TaskService) view(ctx context.Context, task *domain.Task) (*TaskView, error) {
	ev, err := s.repos.Outbox.GetLatestByTaskID(ctx, task.ID)
	if store.IsNotFoundError(err) {
		return &TaskView{Task: task}, nil
	}
	if err != nil {
		return nil, NewTaskServiceError("view", fmt.Sprintf("failed to load outbox state of task %d", task.ID), err)
	}
	return &TaskView{Task: task, Outbox: outboxView(ev)}, nil
}

func (s *TaskService) viewPage(
	ctx context.Context,
	tasks store.Page[*domain.Task],
	req store.PageRequest,
) (store.Page[*TaskView], error) {
	views := make([]*TaskView, 0, len(tasks.Items))
	for _, t := range tasks.Items {
		v, err := s.view(ctx, t)
		if err != nil {
			return store.Page[*TaskView]{}, err
		}
		views = append(views, v)
	}
	return store.NewPage(views, req, tasks.Total), nil
}

func outboxView(ev *domain.OutboxEvent) *OutboxView {
	return &OutboxView{Status: ev.Status, CreatedAt: ev.CreatedAt, SentAt: ev.SentAt}
}

package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/store"
)

// TaskStore is the in-memory store.TaskStore.
type TaskStore struct {
	db   *DB
	inTx bool
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore returns a TaskStore over db.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns the store unchanged; use Transactor for atomic units.
func (s *TaskStore) WithTx(_ *sql.Tx) store.TaskStore {
	return s
}

// Create implements store.TaskStore.
func (s *TaskStore) Create(_ context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("task.create", task.ID); err != nil {
		return err
	}

	s.db.nextTaskID++
	task.ID = s.db.nextTaskID
	now := s.db.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.db.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetByID implements store.TaskStore.
func (s *TaskStore) GetByID(_ context.Context, id int64) (*domain.Task, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	t, ok := s.db.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Update implements store.TaskStore.
func (s *TaskStore) Update(_ context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("task.update", task.ID); err != nil {
		return err
	}
	existing, ok := s.db.tasks[task.ID]
	if !ok {
		return store.ErrTaskNotFound
	}

	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = s.db.now()
	s.db.tasks[task.ID] = cloneTask(task)
	return nil
}

// ClaimForProcessing implements store.TaskStore.
func (s *TaskStore) ClaimForProcessing(_ context.Context, id int64, now time.Time) (*domain.Task, error) {
	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("task.claim", id); err != nil {
		return nil, err
	}
	t, ok := s.db.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusPending {
		return nil, store.ErrConflict
	}
	if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
		return nil, store.ErrConflict
	}

	t.Status = domain.TaskStatusProcessing
	t.LastAttemptAt = &now
	t.NextAttemptAt = nil
	t.UpdatedAt = s.db.now()
	return cloneTask(t), nil
}

// RequeueDue implements store.TaskStore.
func (s *TaskStore) RequeueDue(_ context.Context, id int64, now time.Time) (*domain.Task, error) {
	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("task.requeue", id); err != nil {
		return nil, err
	}
	t, ok := s.db.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusPending || t.NextAttemptAt == nil || t.NextAttemptAt.After(now) {
		return nil, store.ErrConflict
	}

	t.NextAttemptAt = nil
	t.UpdatedAt = now
	return cloneTask(t), nil
}

// ResetStuck implements store.TaskStore.
func (s *TaskStore) ResetStuck(
	_ context.Context,
	id int64,
	olderThan, now time.Time,
	msg string,
) (*domain.Task, error) {
	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("task.reset", id); err != nil {
		return nil, err
	}
	t, ok := s.db.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	if t.Status != domain.TaskStatusProcessing || !t.UpdatedAt.Before(olderThan) {
		return nil, store.ErrConflict
	}

	t.Status = domain.TaskStatusPending
	t.ErrorMessage = &msg
	t.NextAttemptAt = &now
	t.UpdatedAt = now
	return cloneTask(t), nil
}

// List implements store.TaskStore.
func (s *TaskStore) List(_ context.Context, page store.PageRequest) (store.Page[*domain.Task], error) {
	return s.page(func(*domain.Task) bool { return true }, page), nil
}

// ListByStatus implements store.TaskStore.
func (s *TaskStore) ListByStatus(
	_ context.Context,
	status domain.TaskStatus,
	page store.PageRequest,
) (store.Page[*domain.Task], error) {
	return s.page(func(t *domain.Task) bool { return t.Status == status }, page), nil
}

// ListDueRetries implements store.TaskStore.
func (s *TaskStore) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	matches := s.filter(func(t *domain.Task) bool {
		return t.Status == domain.TaskStatusPending && t.NextAttemptAt != nil && !t.NextAttemptAt.After(now)
	})
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].NextAttemptAt.Before(*matches[j].NextAttemptAt)
	})
	return truncate(matches, limit), nil
}

// ListStuckProcessing implements store.TaskStore.
func (s *TaskStore) ListStuckProcessing(_ context.Context, olderThan time.Time, limit int) ([]*domain.Task, error) {
	matches := s.filter(func(t *domain.Task) bool {
		return t.Status == domain.TaskStatusProcessing && t.UpdatedAt.Before(olderThan)
	})
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.Before(matches[j].UpdatedAt)
	})
	return truncate(matches, limit), nil
}

// CountByStatus implements store.TaskStore.
func (s *TaskStore) CountByStatus(_ context.Context, status domain.TaskStatus) (int64, error) {
	return int64(len(s.filter(func(t *domain.Task) bool { return t.Status == status }))), nil
}

// Count implements store.TaskStore.
func (s *TaskStore) Count(_ context.Context) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return int64(len(s.db.tasks)), nil
}

// Delete implements store.TaskStore. Outbox events of the task go with it;
// dead-letter entries stay and lose their task reference.
func (s *TaskStore) Delete(_ context.Context, id int64) error {
	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("task.delete", id); err != nil {
		return err
	}
	if _, ok := s.db.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.db.tasks, id)
	for eid, ev := range s.db.outbox {
		if ev.TaskID == id {
			delete(s.db.outbox, eid)
		}
	}
	for _, entry := range s.db.dlq {
		if entry.OriginalTaskID != nil && *entry.OriginalTaskID == id {
			entry.OriginalTaskID = nil
		}
	}
	return nil
}

// SetUpdatedAt overwrites a task's UpdatedAt. Tests use it to age tasks.
func (s *TaskStore) SetUpdatedAt(id int64, at time.Time) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if t, ok := s.db.tasks[id]; ok {
		t.UpdatedAt = at
	}
}

func (s *TaskStore) filter(keep func(*domain.Task) bool) []*domain.Task {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []*domain.Task
	for _, t := range s.db.tasks {
		if keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

func (s *TaskStore) page(keep func(*domain.Task) bool, req store.PageRequest) store.Page[*domain.Task] {
	req = req.Normalize()
	matches := s.filter(keep)
	sort.Slice(matches, func(i, j int) bool {
		if req.Desc {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].ID < matches[j].ID
	})
	return store.NewPage(window(matches, req), req, int64(len(matches)))
}

func window[T any](items []T, req store.PageRequest) []T {
	start := req.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + req.Size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

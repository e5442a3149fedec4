package memory

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/store"
)

// OutboxStore is the in-memory store.OutboxStore.
type OutboxStore struct {
	db   *DB
	inTx bool
}

var _ store.OutboxStore = (*OutboxStore)(nil)

// NewOutboxStore returns an OutboxStore over db.
func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// WithTx returns the store unchanged; use Transactor for atomic units.
func (s *OutboxStore) WithTx(_ *sql.Tx) store.OutboxStore {
	return s
}

// Create implements store.OutboxStore.
func (s *OutboxStore) Create(_ context.Context, event *domain.OutboxEvent) error {
	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("outbox.create", event.TaskID); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if _, exists := s.db.outbox[event.ID]; exists {
		return store.ErrDuplicate
	}
	if _, ok := s.db.tasks[event.TaskID]; !ok {
		return store.NewStoreError("outbox_event", "create", "task does not exist", store.ErrInvalidEntity)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.db.now()
	}
	s.db.outbox[event.ID] = cloneEvent(event)
	s.db.outboxOrder = append(s.db.outboxOrder, event.ID)
	return nil
}

// ListByStatus implements store.OutboxStore.
func (s *OutboxStore) ListByStatus(
	_ context.Context,
	status domain.OutboxStatus,
	limit int,
) ([]*domain.OutboxEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []*domain.OutboxEvent
	for _, id := range s.db.outboxOrder {
		ev, ok := s.db.outbox[id]
		if ok && ev.Status == status {
			out = append(out, cloneEvent(ev))
		}
	}
	return truncate(out, limit), nil
}

// MarkSent implements store.OutboxStore.
func (s *OutboxStore) MarkSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	ev, ok := s.db.outbox[id]
	if !ok {
		return store.ErrOutboxEventNotFound
	}
	if err := s.db.checkFault("outbox.mark_sent", ev.TaskID); err != nil {
		return err
	}
	if ev.Status == domain.OutboxStatusSent {
		return nil
	}
	ev.MarkSent(sentAt)
	return nil
}

// GetLatestByTaskID implements store.OutboxStore.
func (s *OutboxStore) GetLatestByTaskID(_ context.Context, taskID int64) (*domain.OutboxEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	for i := len(s.db.outboxOrder) - 1; i >= 0; i-- {
		ev, ok := s.db.outbox[s.db.outboxOrder[i]]
		if ok && ev.TaskID == taskID {
			return cloneEvent(ev), nil
		}
	}
	return nil, store.ErrOutboxEventNotFound
}

package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/store"
)

// DLQStore is the in-memory store.DLQStore.
type DLQStore struct {
	db   *DB
	inTx bool
}

var _ store.DLQStore = (*DLQStore)(nil)

// NewDLQStore returns a DLQStore over db.
func NewDLQStore(db *DB) *DLQStore {
	return &DLQStore{db: db}
}

// WithTx returns the store unchanged; use Transactor for atomic units.
func (s *DLQStore) WithTx(_ *sql.Tx) store.DLQStore {
	return s
}

// Create implements store.DLQStore.
func (s *DLQStore) Create(_ context.Context, entry *domain.DeadLetterEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	var taskID int64
	if entry.OriginalTaskID != nil {
		taskID = *entry.OriginalTaskID
	}
	if err := s.db.checkFault("dlq.create", taskID); err != nil {
		return err
	}

	s.db.nextEntryID++
	entry.ID = s.db.nextEntryID
	if entry.FailedAt.IsZero() {
		entry.FailedAt = s.db.now()
	}
	s.db.dlq[entry.ID] = cloneEntry(entry)
	return nil
}

// GetByID implements store.DLQStore.
func (s *DLQStore) GetByID(_ context.Context, id int64) (*domain.DeadLetterEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	e, ok := s.db.dlq[id]
	if !ok {
		return nil, store.ErrDLQEntryNotFound
	}
	return cloneEntry(e), nil
}

// Update implements store.DLQStore.
func (s *DLQStore) Update(_ context.Context, entry *domain.DeadLetterEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("dlq.update", entry.ID); err != nil {
		return err
	}
	if _, ok := s.db.dlq[entry.ID]; !ok {
		return store.ErrDLQEntryNotFound
	}
	s.db.dlq[entry.ID] = cloneEntry(entry)
	return nil
}

// List implements store.DLQStore.
func (s *DLQStore) List(_ context.Context, page store.PageRequest) (store.Page[*domain.DeadLetterEntry], error) {
	return s.page(func(*domain.DeadLetterEntry) bool { return true }, page), nil
}

// ListByStatus implements store.DLQStore.
func (s *DLQStore) ListByStatus(
	_ context.Context,
	status domain.DLQStatus,
	page store.PageRequest,
) (store.Page[*domain.DeadLetterEntry], error) {
	return s.page(func(e *domain.DeadLetterEntry) bool { return e.Status == status }, page), nil
}

// ListAllByStatus implements store.DLQStore.
func (s *DLQStore) ListAllByStatus(_ context.Context, status domain.DLQStatus) ([]*domain.DeadLetterEntry, error) {
	out := s.filter(func(e *domain.DeadLetterEntry) bool { return e.Status == status })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountByStatus implements store.DLQStore.
func (s *DLQStore) CountByStatus(_ context.Context, status domain.DLQStatus) (int64, error) {
	return int64(len(s.filter(func(e *domain.DeadLetterEntry) bool { return e.Status == status }))), nil
}

// Delete implements store.DLQStore.
func (s *DLQStore) Delete(_ context.Context, id int64) error {
	unlock := s.db.lockWrite(s.inTx)
	defer unlock()

	if err := s.db.checkFault("dlq.delete", id); err != nil {
		return err
	}
	if _, ok := s.db.dlq[id]; !ok {
		return store.ErrDLQEntryNotFound
	}
	delete(s.db.dlq, id)
	return nil
}

func (s *DLQStore) filter(keep func(*domain.DeadLetterEntry) bool) []*domain.DeadLetterEntry {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var out []*domain.DeadLetterEntry
	for _, e := range s.db.dlq {
		if keep(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

func (s *DLQStore) page(
	keep func(*domain.DeadLetterEntry) bool,
	req store.PageRequest,
) store.Page[*domain.DeadLetterEntry] {
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

// Package memory provides in-memory implementations of the store contracts.
// They are safe for concurrent use and intended for unit tests and
// single-process development runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/store"
)

// FaultFunc is consulted before every write. A non-nil return aborts the
// write with that error. op names the operation (e.g. "task.update") and
// id is the entity id when known.
type FaultFunc func(op string, id int64) error

// DB holds the shared state behind the three memory stores.
type DB struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	tasks       map[int64]*domain.Task
	outbox      map[uuid.UUID]*domain.OutboxEvent
	outboxOrder []uuid.UUID
	dlq         map[int64]*domain.DeadLetterEntry
	nextTaskID  int64
	nextEntryID int64

	fault FaultFunc
	now   func() time.Time
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{
		tasks:  make(map[int64]*domain.Task),
		outbox: make(map[uuid.UUID]*domain.OutboxEvent),
		dlq:    make(map[int64]*domain.DeadLetterEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetFault installs a write fault hook. Pass nil to clear it.
func (db *DB) SetFault(fn FaultFunc) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.fault = fn
}

// checkFault must be called with db.mu held.
func (db *DB) checkFault(op string, id int64) error {
	if db.fault == nil {
		return nil
	}
	return db.fault(op, id)
}

// Stores returns the three stores bound to db.
func (db *DB) Stores() store.Repositories {
	return store.Repositories{
		Tasks:  &TaskStore{db: db},
		Outbox: &OutboxStore{db: db},
		DLQ:    &DLQStore{db: db},
	}
}

// Transactor returns a store.Transactor for db.
func (db *DB) Transactor() *Transactor {
	return &Transactor{db: db}
}

// lockWrite serializes a write made outside a transaction against any
// running transaction so a rollback never discards it.
func (db *DB) lockWrite(inTx bool) func() {
	if inTx {
		db.mu.Lock()
		return db.mu.Unlock
	}
	db.txMu.Lock()
	db.mu.Lock()
	return func() {
		db.mu.Unlock()
		db.txMu.Unlock()
	}
}

type snapshot struct {
	tasks       map[int64]*domain.Task
	outbox      map[uuid.UUID]*domain.OutboxEvent
	outboxOrder []uuid.UUID
	dlq         map[int64]*domain.DeadLetterEntry
	nextTaskID  int64
	nextEntryID int64
}

func (db *DB) snapshot() snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()

	s := snapshot{
		tasks:       make(map[int64]*domain.Task, len(db.tasks)),
		outbox:      make(map[uuid.UUID]*domain.OutboxEvent, len(db.outbox)),
		outboxOrder: append([]uuid.UUID(nil), db.outboxOrder...),
		dlq:         make(map[int64]*domain.DeadLetterEntry, len(db.dlq)),
		nextTaskID:  db.nextTaskID,
		nextEntryID: db.nextEntryID,
	}
	for k, v := range db.tasks {
		s.tasks[k] = cloneTask(v)
	}
	for k, v := range db.outbox {
		s.outbox[k] = cloneEvent(v)
	}
	for k, v := range db.dlq {
		s.dlq[k] = cloneEntry(v)
	}
	return s
}

func (db *DB) restore(s snapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tasks = s.tasks
	db.outbox = s.outbox
	db.outboxOrder = s.outboxOrder
	db.dlq = s.dlq
	db.nextTaskID = s.nextTaskID
	db.nextEntryID = s.nextEntryID
}

// Transactor implements store.Transactor by snapshotting the database and
// restoring it when the function fails. Transactions are serialized.
type Transactor struct {
	db *DB
}

var _ store.Transactor = (*Transactor)(nil)

// WithinTx implements store.Transactor.
func (t *Transactor) WithinTx(
	ctx context.Context,
	fn func(ctx context.Context, repos store.Repositories) error,
) (err error) {
	t.db.txMu.Lock()
	defer t.db.txMu.Unlock()

	snap := t.db.snapshot()
	defer func() {
		if p := recover(); p != nil {
			t.db.restore(snap)
			panic(p)
		}
	}()

	repos := store.Repositories{
		Tasks:  &TaskStore{db: t.db, inTx: true},
		Outbox: &OutboxStore{db: t.db, inTx: true},
		DLQ:    &DLQStore{db: t.db, inTx: true},
	}
	if err = fn(ctx, repos); err != nil {
		t.db.restore(snap)
		return err
	}
	return nil
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.ErrorMessage = cloneString(t.ErrorMessage)
	c.LastAttemptAt = cloneTime(t.LastAttemptAt)
	c.NextAttemptAt = cloneTime(t.NextAttemptAt)
	if t.RetriedFromDLQID != nil {
		id := *t.RetriedFromDLQID
		c.RetriedFromDLQID = &id
	}
	return &c
}

func cloneEvent(e *domain.OutboxEvent) *domain.OutboxEvent {
	c := *e
	c.SentAt = cloneTime(e.SentAt)
	return &c
}

func cloneEntry(e *domain.DeadLetterEntry) *domain.DeadLetterEntry {
	c := *e
	c.Resolution = cloneString(e.Resolution)
	if e.OriginalTaskID != nil {
		id := *e.OriginalTaskID
		c.OriginalTaskID = &id
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

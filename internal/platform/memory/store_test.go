package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(t *testing.T, payload string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(payload)
	require.NoError(t, err)
	return task
}

func TestTaskStoreCRUD(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskStore(NewDB())

	task := newTask(t, `{"type":"EMAIL"}`)
	require.NoError(t, tasks.Create(ctx, task))
	assert.Equal(t, int64(1), task.ID)

	got, err := tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Payload, got.Payload)

	// Returned values are copies.
	got.Status = domain.TaskStatusDone
	again, _ := tasks.GetByID(ctx, task.ID)
	assert.Equal(t, domain.TaskStatusPending, again.Status)

	got.MarkFailed("boom")
	require.NoError(t, tasks.Update(ctx, got))
	again, _ = tasks.GetByID(ctx, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, again.Status)
	assert.Equal(t, "boom", again.Error())

	_, err = tasks.GetByID(ctx, 99)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.ErrorIs(t, tasks.Update(ctx, &domain.Task{ID: 99, Payload: "x", Status: domain.TaskStatusPending, MaxRetries: 3}), store.ErrTaskNotFound)

	require.NoError(t, tasks.Delete(ctx, task.ID))
	assert.ErrorIs(t, tasks.Delete(ctx, task.ID), store.ErrTaskNotFound)
}

func TestTaskStoreCreateRejectsInvalid(t *testing.T) {
	tasks := NewTaskStore(NewDB())
	err := tasks.Create(context.Background(), &domain.Task{Status: domain.TaskStatusPending})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestClaimForProcessing(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name    string
		prepare func(*domain.Task)
		wantErr error
	}{
		{name: "pending task", prepare: func(*domain.Task) {}},
		{name: "due retry", prepare: func(task *domain.Task) { task.ScheduleRetry(now.Add(-time.Second)) }},
		{name: "future retry", prepare: func(task *domain.Task) { task.ScheduleRetry(now.Add(time.Minute)) }, wantErr: store.ErrConflict},
		{name: "already processing", prepare: func(task *domain.Task) { task.MarkProcessing(now) }, wantErr: store.ErrConflict},
		{name: "cancelled", prepare: func(task *domain.Task) { task.Cancel() }, wantErr: store.ErrConflict},
		{name: "done", prepare: func(task *domain.Task) { task.MarkDone() }, wantErr: store.ErrConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tasks := NewTaskStore(NewDB())
			task := newTask(t, "x")
			tc.prepare(task)
			require.NoError(t, tasks.Create(ctx, task))

			claimed, err := tasks.ClaimForProcessing(ctx, task.ID, now)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.TaskStatusProcessing, claimed.Status)
			assert.Nil(t, claimed.NextAttemptAt)
			require.NotNil(t, claimed.LastAttemptAt)

			_, err = tasks.ClaimForProcessing(ctx, task.ID, now)
			assert.ErrorIs(t, err, store.ErrConflict, "second claim must lose")
		})
	}

	_, err := NewTaskStore(NewDB()).ClaimForProcessing(ctx, 5, now)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestRequeueDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name    string
		prepare func(*domain.Task)
		wantErr error
	}{
		{name: "due retry", prepare: func(task *domain.Task) { task.ScheduleRetry(now.Add(-time.Second)) }},
		{name: "due exactly now", prepare: func(task *domain.Task) { task.ScheduleRetry(now) }},
		{name: "future retry", prepare: func(task *domain.Task) { task.ScheduleRetry(now.Add(time.Minute)) }, wantErr: store.ErrConflict},
		{name: "not scheduled", prepare: func(*domain.Task) {}, wantErr: store.ErrConflict},
		{name: "cancelled after scheduling", prepare: func(task *domain.Task) {
			task.ScheduleRetry(now.Add(-time.Second))
			task.Cancel()
		}, wantErr: store.ErrConflict},
		{name: "processing", prepare: func(task *domain.Task) { task.MarkProcessing(now) }, wantErr: store.ErrConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tasks := NewTaskStore(NewDB())
			task := newTask(t, "x")
			tc.prepare(task)
			require.NoError(t, tasks.Create(ctx, task))
			before, err := tasks.GetByID(ctx, task.ID)
			require.NoError(t, err)

			requeued, err := tasks.RequeueDue(ctx, task.ID, now)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				after, err := tasks.GetByID(ctx, task.ID)
				require.NoError(t, err)
				assert.Equal(t, before, after, "unmatched task is left untouched")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.TaskStatusPending, requeued.Status)
			assert.Nil(t, requeued.NextAttemptAt)

			_, err = tasks.RequeueDue(ctx, task.ID, now)
			assert.ErrorIs(t, err, store.ErrConflict, "a requeued task is no longer due")
		})
	}

	_, err := NewTaskStore(NewDB()).RequeueDue(ctx, 5, now)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestResetStuck(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	olderThan := now.Add(-30 * time.Minute)

	tests := []struct {
		name      string
		prepare   func(*domain.Task)
		updatedAt time.Time
		wantErr   error
	}{
		{name: "stuck", prepare: func(task *domain.Task) { task.MarkProcessing(now) }, updatedAt: now.Add(-time.Hour)},
		{name: "recently updated", prepare: func(task *domain.Task) { task.MarkProcessing(now) }, updatedAt: now.Add(-time.Minute), wantErr: store.ErrConflict},
		{name: "done", prepare: func(task *domain.Task) { task.MarkDone() }, updatedAt: now.Add(-time.Hour), wantErr: store.ErrConflict},
		{name: "cancelled", prepare: func(task *domain.Task) { task.Cancel() }, updatedAt: now.Add(-time.Hour), wantErr: store.ErrConflict},
		{name: "pending", prepare: func(*domain.Task) {}, updatedAt: now.Add(-time.Hour), wantErr: store.ErrConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tasks := NewTaskStore(NewDB())
			task := newTask(t, "x")
			tc.prepare(task)
			require.NoError(t, tasks.Create(ctx, task))
			tasks.SetUpdatedAt(task.ID, tc.updatedAt)
			before, err := tasks.GetByID(ctx, task.ID)
			require.NoError(t, err)

			reset, err := tasks.ResetStuck(ctx, task.ID, olderThan, now, "stuck")
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				after, err := tasks.GetByID(ctx, task.ID)
				require.NoError(t, err)
				assert.Equal(t, before, after, "unmatched task is left untouched")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.TaskStatusPending, reset.Status)
			assert.Equal(t, "stuck", reset.Error())
			require.NotNil(t, reset.NextAttemptAt)
			assert.True(t, reset.NextAttemptAt.Equal(now))

			_, err = tasks.ResetStuck(ctx, task.ID, olderThan, now, "stuck")
			assert.ErrorIs(t, err, store.ErrConflict, "a reset task is no longer processing")
		})
	}

	_, err := NewTaskStore(NewDB()).ResetStuck(ctx, 5, olderThan, now, "stuck")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestTaskStoreQueries(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskStore(NewDB())
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, tasks.Create(ctx, newTask(t, "p")))
	}
	due, _ := tasks.GetByID(ctx, 2)
	due.ScheduleRetry(now.Add(-time.Second))
	require.NoError(t, tasks.Update(ctx, due))

	later, _ := tasks.GetByID(ctx, 3)
	later.ScheduleRetry(now.Add(time.Hour))
	require.NoError(t, tasks.Update(ctx, later))

	stuck, _ := tasks.GetByID(ctx, 4)
	stuck.MarkProcessing(now)
	require.NoError(t, tasks.Update(ctx, stuck))
	tasks.SetUpdatedAt(4, now.Add(-time.Hour))

	dueList, err := tasks.ListDueRetries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, dueList, 1)
	assert.Equal(t, int64(2), dueList[0].ID)

	stuckList, err := tasks.ListStuckProcessing(ctx, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuckList, 1)
	assert.Equal(t, int64(4), stuckList[0].ID)

	count, _ := tasks.Count(ctx)
	assert.Equal(t, int64(5), count)
	pending, _ := tasks.CountByStatus(ctx, domain.TaskStatusPending)
	assert.Equal(t, int64(4), pending)

	page, err := tasks.List(ctx, store.PageRequest{Page: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(3), page.Items[0].ID)

	desc, _ := tasks.ListByStatus(ctx, domain.TaskStatusPending, store.PageRequest{Size: 10, Desc: true})
	assert.Equal(t, int64(5), desc.Items[0].ID)
	assert.Equal(t, int64(4), desc.Total)

	empty, _ := tasks.List(ctx, store.PageRequest{Page: 9, Size: 2})
	assert.Empty(t, empty.Items)
}

func TestOutboxStore(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	repos := db.Stores()

	task := newTask(t, "hello")
	require.NoError(t, repos.Tasks.Create(ctx, task))

	first, err := domain.NewOutboxEvent(task)
	require.NoError(t, err)
	require.NoError(t, repos.Outbox.Create(ctx, first))
	second, _ := domain.NewOutboxEvent(task)
	require.NoError(t, repos.Outbox.Create(ctx, second))

	latest, err := repos.Outbox.GetLatestByTaskID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	pending, err := repos.Outbox.ListByStatus(ctx, domain.OutboxStatusNew, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, repos.Outbox.MarkSent(ctx, first.ID, time.Now()))
	require.NoError(t, repos.Outbox.MarkSent(ctx, first.ID, time.Now()), "marking twice is a no-op")
	pending, _ = repos.Outbox.ListByStatus(ctx, domain.OutboxStatusNew, 10)
	assert.Len(t, pending, 1)

	_, err = repos.Outbox.GetLatestByTaskID(ctx, 42)
	assert.ErrorIs(t, err, store.ErrOutboxEventNotFound)

	orphan := &domain.OutboxEvent{TaskID: 42, Payload: "{}", Status: domain.OutboxStatusNew}
	assert.ErrorIs(t, repos.Outbox.Create(ctx, orphan), store.ErrInvalidEntity)

	require.NoError(t, repos.Tasks.Delete(ctx, task.ID))
	_, err = repos.Outbox.GetLatestByTaskID(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrOutboxEventNotFound)
}

func TestDLQStore(t *testing.T) {
	ctx := context.Background()
	dlq := NewDLQStore(NewDB())

	task := newTask(t, "x")
	task.ID = 10
	for i := 0; i < 3; i++ {
		require.NoError(t, dlq.Create(ctx, domain.NewDeadLetterEntry(task, errors.New("boom"))))
	}

	entry, err := dlq.GetByID(ctx, 2)
	require.NoError(t, err)
	entry.Resolve("")
	require.NoError(t, dlq.Update(ctx, entry))

	failed, _ := dlq.CountByStatus(ctx, domain.DLQStatusFailed)
	assert.Equal(t, int64(2), failed)
	all, _ := dlq.ListAllByStatus(ctx, domain.DLQStatusFailed)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].ID)

	page, _ := dlq.ListByStatus(ctx, domain.DLQStatusResolved, store.PageRequest{})
	assert.Equal(t, int64(1), page.Total)

	require.NoError(t, dlq.Delete(ctx, 1))
	assert.ErrorIs(t, dlq.Delete(ctx, 1), store.ErrDLQEntryNotFound)
	_, err = dlq.GetByID(ctx, 1)
	assert.ErrorIs(t, err, store.ErrDLQEntryNotFound)
}

func TestTaskDeleteClearsDeadLetterReference(t *testing.T) {
	ctx := context.Background()
	repos := NewDB().Stores()

	deleted := newTask(t, "gone")
	require.NoError(t, repos.Tasks.Create(ctx, deleted))
	kept := newTask(t, "kept")
	require.NoError(t, repos.Tasks.Create(ctx, kept))

	orphaned := domain.NewDeadLetterEntry(deleted, errors.New("boom"))
	require.NoError(t, repos.DLQ.Create(ctx, orphaned))
	other := domain.NewDeadLetterEntry(kept, errors.New("boom"))
	require.NoError(t, repos.DLQ.Create(ctx, other))

	require.NoError(t, repos.Tasks.Delete(ctx, deleted.ID))

	got, err := repos.DLQ.GetByID(ctx, orphaned.ID)
	require.NoError(t, err)
	assert.Nil(t, got.OriginalTaskID)
	assert.Equal(t, "gone", got.Payload)

	got, err = repos.DLQ.GetByID(ctx, other.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OriginalTaskID)
	assert.Equal(t, kept.ID, *got.OriginalTaskID)
}

func TestTransactorRollback(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	repos := db.Stores()
	boom := errors.New("boom")

	err := db.Transactor().WithinTx(ctx, func(ctx context.Context, tx store.Repositories) error {
		task := newTask(t, "x")
		if err := tx.Tasks.Create(ctx, task); err != nil {
			return err
		}
		ev, _ := domain.NewOutboxEvent(task)
		if err := tx.Outbox.Create(ctx, ev); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, _ := repos.Tasks.Count(ctx)
	assert.Zero(t, count)
	events, _ := repos.Outbox.ListByStatus(ctx, domain.OutboxStatusNew, 0)
	assert.Empty(t, events)

	err = db.Transactor().WithinTx(ctx, func(ctx context.Context, tx store.Repositories) error {
		return tx.Tasks.Create(ctx, newTask(t, "y"))
	})
	require.NoError(t, err)
	created, err := repos.Tasks.GetByID(ctx, 1)
	require.NoError(t, err, "ids restart after rollback")
	assert.Equal(t, "y", created.Payload)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	repos := db.Stores()
	boom := errors.New("disk full")

	db.SetFault(func(op string, _ int64) error {
		if op == "task.create" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, repos.Tasks.Create(ctx, newTask(t, "x")), boom)

	db.SetFault(nil)
	assert.NoError(t, repos.Tasks.Create(ctx, newTask(t, "x")))
}

package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{name: "valid json payload", payload: `{"type":"EMAIL","to":"a@b.c"}`},
		{name: "plain text payload", payload: "hello"},
		{name: "empty payload", payload: "", wantErr: ErrEmptyPayload},
		{name: "whitespace payload", payload: "   ", wantErr: ErrEmptyPayload},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task, err := NewTask(tc.payload)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr))
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, TaskStatusPending, task.Status)
			assert.Equal(t, 0, task.RetryCount)
			assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
			assert.Nil(t, task.ErrorMessage)
			assert.Nil(t, task.RetriedFromDLQID)
			assert.False(t, task.CreatedAt.IsZero())
		})
	}
}

func TestNewRetryTask(t *testing.T) {
	task, err := NewRetryTask(`{"type":"WEBHOOK"}`, 42)
	require.NoError(t, err)
	require.NotNil(t, task.RetriedFromDLQID)
	assert.Equal(t, int64(42), *task.RetriedFromDLQID)
	assert.Equal(t, TaskStatusPending, task.Status)
}

func TestParseTaskStatus(t *testing.T) {
	status, err := ParseTaskStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, status)

	_, err = ParseTaskStatus("bogus")
	assert.ErrorIs(t, err, ErrInvalidTaskStatus)
}

func TestTaskTransitions(t *testing.T) {
	now := time.Now().UTC()

	t.Run("failure then retry schedule", func(t *testing.T) {
		task, _ := NewTask("x")
		task.MarkProcessing(now)
		assert.Equal(t, TaskStatusProcessing, task.Status)

		task.RecordFailure("boom", now)
		task.ScheduleRetry(now.Add(5 * time.Second))
		assert.Equal(t, TaskStatusPending, task.Status)
		assert.Equal(t, 1, task.RetryCount)
		assert.Equal(t, "boom", task.Error())
		require.NotNil(t, task.NextAttemptAt)
	})

	t.Run("done clears error", func(t *testing.T) {
		task, _ := NewTask("x")
		task.RecordFailure("boom", now)
		task.MarkDone()
		assert.Equal(t, TaskStatusDone, task.Status)
		assert.Nil(t, task.ErrorMessage)
		assert.Nil(t, task.NextAttemptAt)
	})

	t.Run("cancel only from pending or processing", func(t *testing.T) {
		for _, status := range AllTaskStatuses {
			task, _ := NewTask("x")
			task.Status = status
			changed := task.Cancel()
			want := status == TaskStatusPending || status == TaskStatusProcessing
			assert.Equal(t, want, changed, string(status))
			if want {
				assert.Equal(t, TaskStatusCancelled, task.Status)
			} else {
				assert.Equal(t, status, task.Status)
			}
		}
	})

	t.Run("requeue only from failed or cancelled", func(t *testing.T) {
		for _, status := range AllTaskStatuses {
			task, _ := NewTask("x")
			task.Status = status
			task.RetryCount = 3
			changed := task.Requeue()
			want := status == TaskStatusFailed || status == TaskStatusCancelled
			assert.Equal(t, want, changed, string(status))
			if want {
				assert.Equal(t, TaskStatusPending, task.Status)
				assert.Equal(t, 0, task.RetryCount)
			}
		}
	})
}

func TestDeadLetterEntry(t *testing.T) {
	task, _ := NewTask(`{"type":"EMAIL"}`)
	task.ID = 7
	task.RetryCount = 3

	entry := NewDeadLetterEntry(task, errors.New("smtp down"))
	require.NoError(t, entry.Validate())
	assert.Equal(t, DLQStatusFailed, entry.Status)
	assert.Equal(t, 3, entry.TotalAttempts)
	assert.Equal(t, "smtp down", entry.LastError)
	require.NotNil(t, entry.OriginalTaskID)
	assert.Equal(t, int64(7), *entry.OriginalTaskID)

	t.Run("resolve default note", func(t *testing.T) {
		e := *entry
		e.Resolve("")
		assert.Equal(t, DLQStatusResolved, e.Status)
		assert.Equal(t, ResolutionManual, e.ResolutionNote())
	})

	t.Run("resolve after retry appends", func(t *testing.T) {
		e := *entry
		e.ResolveAfterRetry()
		assert.Equal(t, ResolutionRetrySucceeded, e.ResolutionNote())

		note := "fixed address"
		e2 := *entry
		e2.Resolution = &note
		e2.ResolveAfterRetry()
		assert.Equal(t, "fixed address - Retry successful", e2.ResolutionNote())
	})

	t.Run("update payload keeps status", func(t *testing.T) {
		e := *entry
		require.NoError(t, e.UpdatePayload(`{"type":"EMAIL","to":"ok"}`, ""))
		assert.Equal(t, DLQStatusFailed, e.Status)
		assert.Equal(t, ResolutionPayloadUpdated, e.ResolutionNote())
		assert.ErrorIs(t, e.UpdatePayload("", ""), ErrEmptyPayload)
	})

	t.Run("parse status case insensitive", func(t *testing.T) {
		s, err := ParseDLQStatus("retrying")
		require.NoError(t, err)
		assert.Equal(t, DLQStatusRetrying, s)
		_, err = ParseDLQStatus("nope")
		assert.ErrorIs(t, err, ErrInvalidDLQStatus)
	})
}

func TestTaskRetryCeiling(t *testing.T) {
	task, err := NewTask("p")
	require.NoError(t, err)
	task.MaxRetries = 2

	assert.True(t, task.CanRetry())
	task.RecordFailure("boom", time.Now())
	assert.True(t, task.CanRetry())
	task.RecordFailure("boom", time.Now())
	assert.False(t, task.CanRetry())

	task.MaxRetries = 0
	assert.ErrorIs(t, task.Validate(), ErrValidation)
}

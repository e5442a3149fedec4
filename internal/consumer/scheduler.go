package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/store"
)

// StuckTaskMessage is recorded on a task reset after sitting in PROCESSING
// for longer than the stuck-task age.
const StuckTaskMessage = "Reset after being stuck in processing state"

// SchedulerConfig tunes the retry scheduler.
type SchedulerConfig struct {
	// Interval between scans.
	Interval time.Duration
	// BatchSize caps the tasks handled per scan and kind.
	BatchSize int
	// StuckTaskAge is how long a task may stay PROCESSING before it is
	// reset. Zero disables stuck-task recovery.
	StuckTaskAge time.Duration
}

// DefaultSchedulerConfig scans every second and resets tasks stuck for 30m.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:     time.Second,
		BatchSize:    100,
		StuckTaskAge: 30 * time.Minute,
	}
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Requeued  int
	Recovered int
}

// RetryScheduler re-enqueues tasks whose backoff has elapsed by writing a
// fresh outbox event for them, and resets tasks stuck in PROCESSING.
// Because the schedule lives in the store, retries survive a restart.
type RetryScheduler struct {
	tasks   store.TaskStore
	tx      store.Transactor
	cfg     SchedulerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRetryScheduler creates a RetryScheduler. m may be nil.
func NewRetryScheduler(
	tasks store.TaskStore,
	tx store.Transactor,
	cfg SchedulerConfig,
	m *metrics.Metrics,
	log *slog.Logger,
) *RetryScheduler {
	if tasks == nil || tx == nil {
		panic("task store and transactor cannot be nil")
	}
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetryScheduler{
		tasks:   tasks,
		tx:      tx,
		cfg:     cfg,
		metrics: m,
		logger:  log.With(slog.String("component", "retry_scheduler")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run scans until ctx is done.
func (s *RetryScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("retry scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("stuck_task_age", s.cfg.StuckTaskAge))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retry scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce requeues due retries and then recovers stuck tasks. A task that
// cannot be requeued is logged and left for the next scan.
func (s *RetryScheduler) RunOnce(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	now := s.now()

	requeued, err := s.requeueDue(ctx, now)
	res.Requeued = requeued
	if err != nil {
		return res, err
	}

	if s.cfg.StuckTaskAge > 0 {
		recovered, err := s.recoverStuck(ctx, now)
		res.Recovered = recovered
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *RetryScheduler) requeueDue(ctx context.Context, now time.Time) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	due, err := s.tasks.ListDueRetries(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due retries: %w", err)
	}

	requeued := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		requeuedTask, err := s.requeue(ctx, task.ID, now)
		if isStale(err) {
			log.Debug("due retry changed since scan, skipping",
				slog.Int64("task_id", task.ID),
				slog.String("reason", err.Error()))
			continue
		}
		if err != nil {
			log.Error("failed to requeue task",
				slog.Int64("task_id", task.ID),
				slog.String("error", err.Error()))
			continue
		}
		requeued++
		log.Info("retry re-enqueued",
			slog.Int64("task_id", requeuedTask.ID),
			slog.Int("retry_count", requeuedTask.RetryCount))
	}
	return requeued, nil
}

// requeue clears the schedule and writes an outbox event in one transaction.
// The schedule is only cleared while the task is still a due retry.
func (s *RetryScheduler) requeue(ctx context.Context, id int64, now time.Time) (*domain.Task, error) {
	var task *domain.Task
	err := s.tx.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		task, err = repos.Tasks.RequeueDue(ctx, id, now)
		if err != nil {
			return err
		}
		ev, err := domain.NewOutboxEvent(task)
		if err != nil {
			return err
		}
		return repos.Outbox.Create(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// recoverStuck resets PROCESSING tasks not updated within StuckTaskAge to
// PENDING, due immediately. The next requeue scan re-enqueues them.
func (s *RetryScheduler) recoverStuck(ctx context.Context, now time.Time) (int, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	olderThan := now.Add(-s.cfg.StuckTaskAge)
	stuck, err := s.tasks.ListStuckProcessing(ctx, olderThan, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	log.Info("found stuck tasks", slog.Int("count", len(stuck)))

	recovered := 0
	for _, task := range stuck {
		_, err := s.tasks.ResetStuck(ctx, task.ID, olderThan, now, StuckTaskMessage)
		if isStale(err) {
			log.Debug("stuck task changed since scan, skipping",
				slog.Int64("task_id", task.ID),
				slog.String("reason", err.Error()))
			continue
		}
		if err != nil {
			log.Error("failed to reset stuck task",
				slog.Int64("task_id", task.ID),
				slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	s.metrics.Recovered(recovered)
	return recovered, nil
}

// isStale reports a task that moved on between the scan and the write.
func isStale(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrTaskNotFound)
}

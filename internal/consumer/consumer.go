// Package consumer turns broker deliveries into task executions and owns
// the task state machine from PENDING to DONE or FAILED. It also runs the
// retry scheduler that re-enqueues tasks once their backoff has elapsed.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/phrazzld/taskqueue/internal/broker"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/handler"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/redact"
	"github.com/phrazzld/taskqueue/internal/retry"
	"github.com/phrazzld/taskqueue/internal/store"
)

const tracerName = "github.com/phrazzld/taskqueue/internal/consumer"

// Config tunes the consumer.
type Config struct {
	// HandlerTimeout bounds a single handler call. Zero means no limit.
	HandlerTimeout time.Duration
}

// Consumer processes task envelopes delivered by the broker.
type Consumer struct {
	repos    store.Repositories
	tx       store.Transactor
	registry *handler.Registry
	policy   retry.Policy
	cfg      Config
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Consumer. m may be nil.
func New(
	repos store.Repositories,
	tx store.Transactor,
	registry *handler.Registry,
	policy retry.Policy,
	cfg Config,
	m *metrics.Metrics,
	log *slog.Logger,
) *Consumer {
	if tx == nil {
		panic("transactor cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		repos:    repos,
		tx:       tx,
		registry: registry,
		policy:   policy,
		cfg:      cfg,
		metrics:  m,
		tracer:   otel.Tracer(tracerName),
		logger:   log.With(slog.String("component", "consumer")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ broker.DeliveryFunc = (*Consumer)(nil).Handle

// Handle implements broker.DeliveryFunc. It returns an error only when the
// task's state could not be persisted, so the broker redelivers; every other
// outcome, including poison messages and handler failures, is acknowledged.
func (c *Consumer) Handle(ctx context.Context, msg []byte) error {
	outcome, err := c.Process(ctx, msg)
	if outcome == "" {
		return err
	}
	c.metrics.Outcome(outcome)
	return nil
}

// Process runs one delivery through the state machine and reports the
// outcome. A non-empty outcome means the delivery is settled; err then
// carries the classified cause (*PoisonMessage, *HandlerFailure,
// *CriticalPathError) when there was one. An empty outcome means the
// delivery must be redelivered.
func (c *Consumer) Process(ctx context.Context, msg []byte) (string, error) {
	ctx, span := c.tracer.Start(ctx, "consumer.Handle")
	defer span.End()

	log := logger.FromContextOrDefault(ctx, c.logger)

	env, err := domain.DecodeEnvelope(msg)
	if err != nil {
		log.Warn("dropping undecodable message", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "poison message")
		return metrics.OutcomePoison, &PoisonMessage{Err: err}
	}

	span.SetAttributes(attribute.Int64("task.id", env.TaskID))
	log = log.With(slog.Int64("task_id", env.TaskID))

	task, err := c.repos.Tasks.GetByID(ctx, env.TaskID)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Error("no task record for delivered message")
			return metrics.OutcomeMissing, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "load task")
		log.Error("failed to load task", slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to load task %d: %w", env.TaskID, err)
	}

	if task.Status == domain.TaskStatusDone {
		log.Info("task already done, skipping")
		return metrics.OutcomeDuplicate, nil
	}

	claimed, err := c.repos.Tasks.ClaimForProcessing(ctx, task.ID, c.now())
	switch {
	case errors.Is(err, store.ErrConflict):
		log.Info("task not claimable, dropping stale delivery",
			slog.String("status", string(task.Status)))
		return metrics.OutcomeStale, nil
	case store.IsNotFoundError(err):
		log.Error("task vanished before claim")
		return metrics.OutcomeMissing, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim task")
		return c.critical(ctx, log, task, err)
	}

	taskType := domain.TaskTypeOf(claimed.Payload)
	span.SetAttributes(attribute.String("task.type", taskType))
	log = log.With(
		slog.String("task_type", taskType),
		slog.Int("attempt", claimed.RetryCount+1))
	log.Info("processing task")

	handleErr := c.invoke(ctx, log, taskType, claimed.Payload)
	if handleErr == nil {
		err := c.complete(ctx, claimed)
		if err == nil {
			log.Info("task completed")
			return metrics.OutcomeDone, nil
		}
		log.Error("failed to record task completion", slog.String("error", err.Error()))
		handleErr = fmt.Errorf("failed to record completion: %w", err)
	}

	span.RecordError(handleErr)
	span.SetStatus(codes.Error, "handler failed")
	return c.fail(ctx, log, claimed, &HandlerFailure{TaskID: claimed.ID, TaskType: taskType, Err: handleErr})
}

// invoke runs the handler for taskType under the configured timeout. An
// unregistered type gets default processing, which always succeeds.
// A handler panic is returned as an error.
func (c *Consumer) invoke(ctx context.Context, log *slog.Logger, taskType, payload string) (err error) {
	h, ok := c.registry.Lookup(taskType)
	if !ok {
		log.Warn("no handler registered for task type, using default processing")
		return nil
	}

	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panicked", slog.Any("panic", p))
			err = fmt.Errorf("handler panic: %v", p)
		}
		c.metrics.ObserveHandler(taskType, time.Since(start))
	}()

	return h.Handle(ctx, payload)
}

// complete marks the task DONE and, for a task resubmitted from the DLQ,
// resolves its entry, in one transaction.
func (c *Consumer) complete(ctx context.Context, task *domain.Task) error {
	return c.tx.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		done := *task
		done.MarkDone()
		if err := repos.Tasks.Update(ctx, &done); err != nil {
			return err
		}
		if task.RetriedFromDLQID == nil {
			return nil
		}

		entry, err := repos.DLQ.GetByID(ctx, *task.RetriedFromDLQID)
		if store.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		entry.ResolveAfterRetry()
		return repos.DLQ.Update(ctx, entry)
	})
}

// fail counts a failed attempt and either schedules a retry, while the
// task's own MaxRetries allows one, or fails the task and files it to the
// DLQ. The policy only supplies the backoff.
func (c *Consumer) fail(ctx context.Context, log *slog.Logger, task *domain.Task, cause *HandlerFailure) (string, error) {
	now := c.now()
	msg := cause.Err.Error()
	task.RecordFailure(msg, now)

	log = log.With(slog.Int("retry_count", task.RetryCount))
	log.Error("task failed", slog.String("error", redact.String(msg)))

	if task.CanRetry() {
		delay := c.policy.BackoffDelay(task.RetryCount)
		task.ScheduleRetry(now.Add(delay))
		if err := c.repos.Tasks.Update(ctx, task); err != nil {
			log.Error("failed to persist retry schedule", slog.String("error", err.Error()))
			return "", fmt.Errorf("failed to schedule retry for task %d: %w", task.ID, err)
		}
		c.metrics.RetryScheduled()
		log.Info("retry scheduled", slog.Duration("delay", delay))
		return metrics.OutcomeRetry, cause
	}

	task.MarkFailed(msg)
	if err := c.repos.Tasks.Update(ctx, task); err != nil {
		log.Error("failed to persist task failure", slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to mark task %d failed: %w", task.ID, err)
	}
	log.Error("task failed permanently, moving to dead letter queue")
	c.fileDeadLetter(ctx, log, task, cause.Err)
	return metrics.OutcomeFailed, cause
}

// critical fails a task whose claim hit a storage error.
func (c *Consumer) critical(ctx context.Context, log *slog.Logger, task *domain.Task, cause error) (string, error) {
	critErr := &CriticalPathError{TaskID: task.ID, Err: cause}
	log.Error("critical error processing task", slog.String("error", cause.Error()))

	task.MarkFailed("Critical error: " + cause.Error())
	if err := c.repos.Tasks.Update(ctx, task); err != nil {
		log.Error("failed to persist critical failure", slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to mark task %d failed: %w", task.ID, errors.Join(cause, err))
	}
	c.fileDeadLetter(ctx, log, task, cause)
	return metrics.OutcomeCritical, critErr
}

// fileDeadLetter records a permanently failed task. Errors are logged only;
// the task is already FAILED.
func (c *Consumer) fileDeadLetter(ctx context.Context, log *slog.Logger, task *domain.Task, cause error) {
	entry := domain.NewDeadLetterEntry(task, cause)
	if err := c.repos.DLQ.Create(ctx, entry); err != nil {
		log.Error("failed to move task to dead letter queue", slog.String("error", err.Error()))
		return
	}
	c.metrics.Filed()
	log.Info("task moved to dead letter queue", slog.Int64("dlq_id", entry.ID))
}

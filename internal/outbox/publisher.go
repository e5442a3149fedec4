// Package outbox relays NEW outbox events to the broker and marks them SENT
// once the broker accepts them. It is the only path from a committed task
// change to the broker.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/phrazzld/taskqueue/internal/broker"
	"github.com/phrazzld/taskqueue/internal/domain"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/redact"
	"github.com/phrazzld/taskqueue/internal/store"
)

// Config tunes the publisher.
type Config struct {
	// Interval between polls.
	Interval time.Duration
	// BatchSize caps the events read per poll.
	BatchSize int
	// Topic is the broker topic events are sent to.
	Topic string
	// RatePerSecond caps publishes per second. Zero means unlimited.
	RatePerSecond float64
}

// DefaultConfig polls every 5s for up to 100 events.
func DefaultConfig(topic string) Config {
	return Config{Interval: 5 * time.Second, BatchSize: 100, Topic: topic}
}

// Result summarizes one poll.
type Result struct {
	Published int
	Failed    int
}

// Publisher polls the outbox and forwards events to the broker.
type Publisher struct {
	outbox    store.OutboxStore
	publisher broker.Publisher
	cfg       Config
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// NewPublisher creates a Publisher. m may be nil.
func NewPublisher(
	outbox store.OutboxStore,
	pub broker.Publisher,
	cfg Config,
	m *metrics.Metrics,
	log *slog.Logger,
) (*Publisher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("outbox store cannot be nil")
	}
	if pub == nil {
		return nil, fmt.Errorf("broker publisher cannot be nil")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Publisher{
		outbox:    outbox,
		publisher: pub,
		cfg:       cfg,
		metrics:   m,
		tracer:    otel.Tracer("github.com/phrazzld/taskqueue/internal/outbox"),
		logger:    log.With(slog.String("component", "outbox_publisher")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if cfg.RatePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return p, nil
}

// Run polls until ctx is done. Poll errors are logged and the loop continues.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("outbox publisher started",
		slog.Duration("interval", p.cfg.Interval),
		slog.String("topic", p.cfg.Topic))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher stopped")
			return nil
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("outbox poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce publishes one batch of NEW events, oldest first. A failed send
// leaves the event NEW for the next poll and does not stop the batch.
func (p *Publisher) RunOnce(ctx context.Context) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "outbox.RunOnce")
	defer span.End()

	log := logger.FromContextOrDefault(ctx, p.logger)

	events, err := p.outbox.ListByStatus(ctx, domain.OutboxStatusNew, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list outbox events")
		return Result{}, fmt.Errorf("failed to list outbox events: %w", err)
	}

	var res Result
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}

		evLog := log.With(
			slog.String("outbox_id", ev.ID.String()),
			slog.Int64("task_id", ev.TaskID))

		if err := p.publisher.Publish(ctx, p.cfg.Topic, []byte(ev.Payload)); err != nil {
			res.Failed++
			p.metrics.Published(metrics.PublishFailed)
			evLog.Warn("failed to publish outbox event", slog.String("error", redact.Error(err)))
			continue
		}

		if err := p.outbox.MarkSent(ctx, ev.ID, p.now()); err != nil {
			// The broker has the message; the event is sent again next poll.
			res.Failed++
			p.metrics.Published(metrics.PublishFailed)
			evLog.Error("failed to mark outbox event sent", slog.String("error", err.Error()))
			continue
		}

		res.Published++
		p.metrics.Published(metrics.PublishSent)
		evLog.Debug("outbox event published")
	}

	span.SetAttributes(
		attribute.Int("outbox.batch", len(events)),
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.failed", res.Failed))
	if len(events) > 0 {
		log.Info("outbox poll complete",
			slog.Int("published", res.Published),
			slog.Int("failed", res.Failed))
	}
	return res, nil
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/taskqueue/internal/broker"
	"github.com/phrazzld/taskqueue/internal/config"
	"github.com/phrazzld/taskqueue/internal/consumer"
	"github.com/phrazzld/taskqueue/internal/handler"
	"github.com/phrazzld/taskqueue/internal/outbox"
	"github.com/phrazzld/taskqueue/internal/platform/memory"
	"github.com/phrazzld/taskqueue/internal/platform/metrics"
	"github.com/phrazzld/taskqueue/internal/platform/postgres"
	"github.com/phrazzld/taskqueue/internal/service"
	"github.com/phrazzld/taskqueue/internal/service/auth"
	"github.com/phrazzld/taskqueue/internal/store"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	repos store.Repositories
	tx    store.Transactor

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	broker    broker.Broker
	handlers  *handler.Registry
	consumer  *consumer.Consumer
	publisher *outbox.Publisher
	scheduler *consumer.RetryScheduler

	jwtService  auth.JWTService
	taskService *service.TaskService
	dlqService  *service.DLQService
}

// newApplication wires every component. db may be nil, in which case the
// in-memory store is used.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB, b broker.Broker) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		db:       db,
		broker:   b,
		registry: prometheus.NewRegistry(),
	}

	if db != nil {
		app.repos = store.Repositories{
			Tasks:  postgres.NewPostgresTaskStore(db, logger),
			Outbox: postgres.NewPostgresOutboxStore(db, logger),
			DLQ:    postgres.NewPostgresDLQStore(db, logger),
		}
		app.tx = store.NewSQLTransactor(db, app.repos)
	} else {
		mem := memory.NewDB()
		app.repos = mem.Stores()
		app.tx = mem.Transactor()
	}

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var err error
	app.metrics, err = metrics.New(app.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	app.handlers, err = setupHandlers(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to register task handlers: %w", err)
	}

	app.taskService, err = service.NewTaskService(app.repos, app.tx, logger,
		service.WithMaxRetries(cfg.Retry.MaxRetries))
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}
	app.dlqService, err = service.NewDLQService(app.repos, app.tx, logger,
		service.WithMaxRetries(cfg.Retry.MaxRetries))
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq service: %w", err)
	}

	publishTo := broker.Publisher(broker.NewBreaker(b, broker.DefaultBreakerSettings(), logger))
	app.publisher, err = outbox.NewPublisher(app.repos.Outbox, publishTo, outbox.Config{
		Interval:      cfg.Queue.PublishInterval,
		BatchSize:     cfg.Queue.PublishBatchSize,
		Topic:         cfg.Broker.Topic,
		RatePerSecond: cfg.Queue.PublishRatePerSecond,
	}, app.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox publisher: %w", err)
	}

	app.consumer = consumer.New(app.repos, app.tx, app.handlers, cfg.Retry,
		consumer.Config{HandlerTimeout: cfg.Queue.HandlerTimeout}, app.metrics, logger)

	app.scheduler = consumer.NewRetryScheduler(app.repos.Tasks, app.tx, consumer.SchedulerConfig{
		Interval:     cfg.Queue.SchedulerInterval,
		BatchSize:    cfg.Queue.SchedulerBatchSize,
		StuckTaskAge: cfg.Queue.StuckTaskAge,
	}, app.metrics, logger)

	logger.Info("application initialized",
		slog.Any("task_types", app.handlers.Types()),
		slog.Int("max_retries", cfg.Retry.MaxRetries))
	return app, nil
}

// setupHandlers builds the task handler registry. EMAIL is registered only
// when an SMTP host is configured.
func setupHandlers(cfg *config.Config, logger *slog.Logger) (*handler.Registry, error) {
	handlers := []handler.Handler{
		handler.NewWebhookHandler(&http.Client{Timeout: cfg.Handlers.WebhookTimeout}, logger),
	}
	if smtp := cfg.Handlers.SMTP; smtp.Host != "" {
		mailer := handler.NewSMTPMailer(smtp.Host, smtp.Port, smtp.Username, smtp.Password)
		handlers = append(handlers, handler.NewEmailHandler(mailer, smtp.From, logger))
	} else {
		logger.Info("no SMTP host configured, EMAIL tasks will use default processing")
	}
	return handler.NewRegistry(handlers...)
}

// Run starts the HTTP server, outbox publisher, retry scheduler and broker
// subscription, and blocks until ctx is cancelled or one of them fails.
// Shutdown drains the HTTP server within the configured timeout.
func (app *application) Run(ctx context.Context) error {
	defer app.cleanup()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("starting server", slog.Int("port", app.config.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error { return app.publisher.Run(gctx) })
	g.Go(func() error { return app.scheduler.Run(gctx) })
	g.Go(func() error {
		if err := app.broker.Subscribe(gctx, app.config.Broker.Topic, app.consumer.Handle); err != nil {
			return fmt.Errorf("subscription failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		app.logger.Error("application stopped with error", slog.String("error", err.Error()))
		return err
	}
	app.logger.Info("server shutdown completed")
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.broker != nil {
		if err := app.broker.Close(); err != nil {
			app.logger.Error("error closing broker", slog.String("error", err.Error()))
		}
	}
	closeDB(app.db, app.logger)
}

// Package main implements the entry point for the task queue server, which
// accepts tasks over HTTP, relays them to the broker through the outbox,
// and runs the consumer and retry scheduler.
//
// Usage:
//
//	server [-config path] [serve]
//	server [-config path] migrate up|down|reset|status|version
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/taskqueue/internal/config"
	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/phrazzld/taskqueue/internal/platform/postgres"
)

const serviceName = "taskqueue"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	command, rest := parseCommand(fs.Args())

	cfg, err := loadAppConfig(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel, Service: serviceName})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		return serve(ctx, cfg, log)
	case "migrate":
		if len(rest) != 1 {
			return fmt.Errorf("usage: migrate up|down|reset|status|version")
		}
		return migrate(ctx, cfg, rest[0], log)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// parseCommand returns the subcommand, defaulting to serve, and its arguments.
func parseCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "serve", nil
	}
	return args[0], args[1:]
}

func loadAppConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.String("database_driver", cfg.Database.Driver),
		slog.String("broker_kind", cfg.Broker.Kind))

	db, err := setupAppDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}

	b, err := setupBroker(ctx, cfg, log)
	if err != nil {
		closeDB(db, log)
		return err
	}

	app, err := newApplication(cfg, log, db, b)
	if err != nil {
		closeDB(db, log)
		_ = b.Close()
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(ctx)
}

func migrate(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	if cfg.Database.Driver != driverPostgres {
		return fmt.Errorf("migrations require the postgres driver, got %q", cfg.Database.Driver)
	}
	db, err := setupAppDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	if err := postgres.Migrate(ctx, db, command, log); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	return nil
}

//go:build integration

package testdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/phrazzld/taskqueue/internal/ciutil"
	"github.com/phrazzld/taskqueue/internal/platform/postgres"
	"github.com/phrazzld/taskqueue/internal/redact"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	startTimeout  = 60 * time.Second
)

// Open returns a database with a freshly applied schema. It connects to
// the URL from the environment when one is set and otherwise starts a
// throwaway container. Everything is released on test cleanup.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := ciutil.TestDatabaseURL(nil)
	if dsn == "" {
		dsn = startContainer(t)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open %s: %s", redact.String(dsn), redact.Error(err))
	}
	t.Cleanup(func() { _ = db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		t.Fatalf("ping %s: %s", redact.String(dsn), redact.Error(err))
	}

	if err := postgres.Migrate(ctx, db, "reset", nil); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := postgres.Migrate(ctx, db, "up", nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func startContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		postgresImage,
		pgmodule.WithDatabase("taskqueue_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startTimeout),
		),
	)
	if err != nil {
		if ciutil.IsCI() {
			t.Fatalf("start postgres container: %v", err)
		}
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("container connection string: %v", err)
	}
	return dsn
}

//go:build integration

package webhooks

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sarathsp06/orderhook/db/migrations"
	"github.com/sarathsp06/orderhook/internal/logger"
)

var testPool *pgxpool.Pool

// TestMain starts postgres, or uses TEST_DATABASE_URL when set
func TestMain(m *testing.M) {
	ctx := context.Background()

	dsn := os.Getenv("TEST_DATABASE_URL")
	var container *postgres.PostgresContainer
	if dsn == "" {
		var err error
		container, err = postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("orderhook_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			fmt.Printf("Failed to start PostgreSQL container: %v\n", err)
			os.Exit(1)
		}
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("Failed to get connection string: %v\n", err)
			_ = container.Terminate(ctx)
			os.Exit(1)
		}
	}

	code := func() int {
		if err := migrations.Up(ctx, dsn, logger.NewLogger("test-migrations")); err != nil {
			fmt.Printf("Failed to migrate test database: %v\n", err)
			return 1
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			fmt.Printf("Failed to connect to test database: %v\n", err)
			return 1
		}
		defer pool.Close()
		testPool = pool
		return m.Run()
	}()

	if container != nil {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}
	os.Exit(code)
}

func TestPostgresRepository(t *testing.T) {
	runRepositoryTests(t, func(t *testing.T) Repository {
		_, err := testPool.Exec(context.Background(), `TRUNCATE webhook_events`)
		require.NoError(t, err)
		return NewPostgresRepository(testPool)
	})
}

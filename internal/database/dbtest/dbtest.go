// Package dbtest starts a throwaway PostgreSQL container with the schema
// migrated, for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/atmx/updown-engine/internal/database"
)

// Setup starts postgres:16-alpine, migrates it and returns a pool. The
// container is terminated on test cleanup. Skipped under -short.
func Setup(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	var container *postgres.PostgresContainer
	var err error
	func() {
		// testcontainers panics when no Docker daemon is reachable.
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("docker unavailable: %v", r)
			}
		}()
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("updown_test"),
			postgres.WithUsername("test_user"),
			postgres.WithPassword("test_password"),
			postgres.BasicWaitStrategies(),
			testcontainers.WithLabels(map[string]string{
				"test":      "updown-engine",
				"test-name": t.Name(),
			}),
		)
	}()
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	_, err = database.MigrateUp(url)
	require.NoError(t, err)

	pool, err := database.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

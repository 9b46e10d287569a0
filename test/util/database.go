// Package util provides shared PostgreSQL testcontainer setup for integration
// tests across the orchestrator's store and database packages.
package util

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cardloop/orchestrator/pkg/config"
	"github.com/cardloop/orchestrator/pkg/database"
)

var (
	sharedDSN     string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestPool starts (or reuses) a shared PostgreSQL testcontainer, applies
// the orchestrator's migrations, and returns a pool scoped to the caller. Each
// call migrates against the same database; tests that need isolation should
// clean up their own rows in t.Cleanup.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	ctx := context.Background()

	dsn := getOrCreateSharedDatabase(t)
	cfg := config.DatabaseConfig{DSN: dsn, Database: "orchestrator_test"}

	require.NoError(t, database.Migrate(cfg))

	pool, err := database.NewPool(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return pool
}

func getOrCreateSharedDatabase(t *testing.T) string {
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared postgres testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("orchestrator_test"),
			postgres.WithUsername("orchestrator"),
			postgres.WithPassword("orchestrator"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("getting connection string: %w", err)
			return
		}
		sharedDSN = connStr
	})

	require.NoError(t, containerErr, "shared test container setup failed")
	return sharedDSN
}

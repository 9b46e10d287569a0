package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardloop/orchestrator/pkg/database"
	"github.com/cardloop/orchestrator/test/util"
)

func TestPoolConnectsAndMigrates(t *testing.T) {
	pool := util.SetupTestPool(t)
	ctx := context.Background()

	require.NoError(t, pool.Ping(ctx))

	var tableCount int
	err := pool.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = 'goals'`,
	).Scan(&tableCount)
	require.NoError(t, err)
	assert.Equal(t, 1, tableCount)
}

func TestHealth(t *testing.T) {
	pool := util.SetupTestPool(t)
	ctx := context.Background()

	health, err := database.Health(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxConns, int32(0))
}

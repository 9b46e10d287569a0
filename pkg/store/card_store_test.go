package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardloop/orchestrator/pkg/models"
	"github.com/cardloop/orchestrator/pkg/store"
	"github.com/cardloop/orchestrator/test/util"
)

func newTestCard(t *testing.T, pool any) *models.Card {
	return &models.Card{
		ID:          uuid.NewString(),
		Title:       "implement /health",
		Description: "add a health endpoint",
		Column:      models.ColumnBacklog,
	}
}

func createGoalAndCard(t *testing.T, gs *store.GoalStore, cs *store.CardStore) *models.Card {
	ctx := context.Background()
	g := newTestGoal()
	require.NoError(t, gs.Create(ctx, g))

	c := &models.Card{ID: uuid.NewString(), GoalID: g.ID, Title: "t", Description: "d"}
	require.NoError(t, cs.Create(ctx, c))
	return c
}

func TestCardStoreCreateDefaultsToBacklog(t *testing.T) {
	pool := util.SetupTestPool(t)
	gs, cs := store.NewGoalStore(pool), store.NewCardStore(pool)

	c := createGoalAndCard(t, gs, cs)
	assert.Equal(t, models.ColumnBacklog, c.Column)
}

func TestCardStoreMoveAllowsLegalTransition(t *testing.T) {
	pool := util.SetupTestPool(t)
	gs, cs := store.NewGoalStore(pool), store.NewCardStore(pool)
	ctx := context.Background()

	c := createGoalAndCard(t, gs, cs)
	moved, err := cs.Move(ctx, c.ID, models.ColumnPlan)
	require.NoError(t, err)
	assert.Equal(t, models.ColumnPlan, moved.Column)
}

func TestCardStoreMoveRejectsIllegalTransition(t *testing.T) {
	pool := util.SetupTestPool(t)
	gs, cs := store.NewGoalStore(pool), store.NewCardStore(pool)
	ctx := context.Background()

	c := createGoalAndCard(t, gs, cs)
	_, err := cs.Move(ctx, c.ID, models.ColumnDone)

	require.Error(t, err)
	var transitionErr *models.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, models.ColumnBacklog, transitionErr.From)
	assert.Equal(t, models.ColumnDone, transitionErr.To)
	assert.Equal(t, "Invalid transition from 'backlog' to 'done'. Allowed: [plan cancelled]", err.Error())
}

func TestCardStoreMoveToDoneStampsCompletedAt(t *testing.T) {
	pool := util.SetupTestPool(t)
	gs, cs := store.NewGoalStore(pool), store.NewCardStore(pool)
	ctx := context.Background()

	c := createGoalAndCard(t, gs, cs)
	for _, col := range []models.Column{models.ColumnPlan, models.ColumnImplement, models.ColumnTest, models.ColumnReview, models.ColumnDone} {
		_, err := cs.Move(ctx, c.ID, col)
		require.NoError(t, err)
	}

	done, err := cs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.NotNil(t, done.CompletedAt)
}

func TestCardStoreCancelDoesNotStampCompletedAt(t *testing.T) {
	pool := util.SetupTestPool(t)
	gs, cs := store.NewGoalStore(pool), store.NewCardStore(pool)
	ctx := context.Background()

	c := createGoalAndCard(t, gs, cs)
	_, err := cs.Move(ctx, c.ID, models.ColumnCancelled)
	require.NoError(t, err)

	cancelled, err := cs.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, cancelled.CompletedAt, "completed_at marks entry into done, not any terminal column")
}

func TestCardStoreCreateFixCardIsIdempotent(t *testing.T) {
	pool := util.SetupTestPool(t)
	gs, cs := store.NewGoalStore(pool), store.NewCardStore(pool)
	ctx := context.Background()

	parent := createGoalAndCard(t, gs, cs)

	fix1 := &models.Card{ID: uuid.NewString(), GoalID: parent.GoalID, ParentCardID: parent.ID, Title: "fix"}
	created, err := cs.CreateFixCard(ctx, fix1)
	require.NoError(t, err)
	assert.Equal(t, fix1.ID, created.ID)

	fix2 := &models.Card{ID: uuid.NewString(), GoalID: parent.GoalID, ParentCardID: parent.ID, Title: "fix again"}
	returned, err := cs.CreateFixCard(ctx, fix2)
	require.NoError(t, err)
	assert.Equal(t, fix1.ID, returned.ID, "a second fix-card request returns the existing active one")
}

func TestCardStoreGetActiveFixCardNoneFound(t *testing.T) {
	pool := util.SetupTestPool(t)
	gs, cs := store.NewGoalStore(pool), store.NewCardStore(pool)
	ctx := context.Background()

	parent := createGoalAndCard(t, gs, cs)
	_, err := cs.GetActiveFixCard(ctx, parent.ID)
	assert.True(t, store.IsNotFound(err))
}

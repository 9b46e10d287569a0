package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardloop/orchestrator/pkg/models"
)

// ActionStore persists the loop's own decision trace: one
// OrchestratorAction per ACT phase.
type ActionStore struct {
	pool *pgxpool.Pool
}

// NewActionStore builds an ActionStore over the shared connection pool.
func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

// RecordAction inserts one OrchestratorAction.
func (s *ActionStore) RecordAction(ctx context.Context, a *models.OrchestratorAction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestrator_actions (id, goal_id, card_id, tick, kind, reason, success, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, nullString(a.GoalID), nullString(a.CardID), a.Tick, a.Decision, a.Reason, a.Success, a.Error, a.CreatedAt,
	)
	return err
}

// ListActionsForGoal returns every action recorded for a goal, oldest first.
func (s *ActionStore) ListActionsForGoal(ctx context.Context, goalID string) ([]*models.OrchestratorAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(goal_id, ''), COALESCE(card_id, ''), tick, kind, reason, success, error, created_at
		FROM orchestrator_actions WHERE goal_id = $1 ORDER BY created_at ASC`, goalID)
	if err != nil {
		return nil, fmt.Errorf("store: listing actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.OrchestratorAction
	for rows.Next() {
		var a models.OrchestratorAction
		if err := rows.Scan(&a.ID, &a.GoalID, &a.CardID, &a.Tick, &a.Decision, &a.Reason, &a.Success, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning action: %w", err)
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

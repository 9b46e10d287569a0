package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardloop/orchestrator/pkg/models"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, letting every store
// method run standalone or inside a caller-managed transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GoalStore persists Goal aggregates.
type GoalStore struct {
	pool *pgxpool.Pool
}

// NewGoalStore builds a GoalStore over the shared connection pool.
func NewGoalStore(pool *pgxpool.Pool) *GoalStore {
	return &GoalStore{pool: pool}
}

// Create inserts a new goal in PENDING status.
func (s *GoalStore) Create(ctx context.Context, g *models.Goal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO goals (id, description, status, source, source_id, card_ids,
			learning_text, learning_id, total_tokens, total_cost, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		g.ID, g.Description, g.Status, g.Source, g.SourceID, g.CardIDs,
		g.LearningText, g.LearningID, g.TotalTokens, g.TotalCost, g.Error, g.CreatedAt,
	)
	return wrapConflict(err)
}

// Get fetches a goal by id.
func (s *GoalStore) Get(ctx context.Context, id string) (*models.Goal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, description, status, source, source_id, card_ids, learning_text,
			learning_id, total_tokens, total_cost, error, created_at, started_at, completed_at
		FROM goals WHERE id = $1`, id)
	return scanGoal(row)
}

// ListActive returns every goal not yet in a terminal status, ordered oldest
// first, the order the THINK phase scans candidate goals in.
func (s *GoalStore) ListActive(ctx context.Context) ([]*models.Goal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, description, status, source, source_id, card_ids, learning_text,
			learning_id, total_tokens, total_cost, error, created_at, started_at, completed_at
		FROM goals WHERE status IN ($1, $2) ORDER BY created_at ASC`,
		models.GoalPending, models.GoalActive,
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing active goals: %w", err)
	}
	defer rows.Close()

	var goals []*models.Goal
	for rows.Next() {
		g, err := scanGoalRow(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// AppendCard appends a card id to the goal's CardIDs, matching the
// append-only invariant on models.Goal.CardIDs.
func (s *GoalStore) AppendCard(ctx context.Context, goalID, cardID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE goals SET card_ids = array_append(card_ids, $2) WHERE id = $1`,
		goalID, cardID,
	)
	return err
}

// SetStatus transitions a goal's status, stamping started_at/completed_at
// when entering ACTIVE or a terminal status respectively.
func (s *GoalStore) SetStatus(ctx context.Context, goalID string, status models.GoalStatus) error {
	now := time.Now()
	switch status {
	case models.GoalActive:
		_, err := s.pool.Exec(ctx,
			`UPDATE goals SET status = $2, started_at = COALESCE(started_at, $3) WHERE id = $1`,
			goalID, status, now)
		return err
	case models.GoalCompleted, models.GoalFailed:
		_, err := s.pool.Exec(ctx,
			`UPDATE goals SET status = $2, completed_at = $3 WHERE id = $1`,
			goalID, status, now)
		return err
	default:
		_, err := s.pool.Exec(ctx, `UPDATE goals SET status = $2 WHERE id = $1`, goalID, status)
		return err
	}
}

// RecordLearning stamps the learning text/id and accumulated usage produced
// at goal completion.
func (s *GoalStore) RecordLearning(ctx context.Context, goalID, learningID, learningText string, totalTokens int64, totalCost float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE goals SET learning_id = $2, learning_text = $3, total_tokens = $4, total_cost = $5
		WHERE id = $1`,
		goalID, learningID, learningText, totalTokens, totalCost,
	)
	return err
}

// SetError records a terminal failure reason on the goal.
func (s *GoalStore) SetError(ctx context.Context, goalID, message string) error {
	_, err := s.pool.Exec(ctx, `UPDATE goals SET error = $2 WHERE id = $1`, goalID, message)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row pgx.Row) (*models.Goal, error) {
	return scanGoalRow(row)
}

func scanGoalRow(row rowScanner) (*models.Goal, error) {
	var g models.Goal
	if err := row.Scan(
		&g.ID, &g.Description, &g.Status, &g.Source, &g.SourceID, &g.CardIDs,
		&g.LearningText, &g.LearningID, &g.TotalTokens, &g.TotalCost, &g.Error,
		&g.CreatedAt, &g.StartedAt, &g.CompletedAt,
	); err != nil {
		return nil, fmt.Errorf("store: scanning goal: %w", err)
	}
	return &g, nil
}

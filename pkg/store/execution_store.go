package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardloop/orchestrator/pkg/models"
)

// ExecutionStore persists Execution records and their streamed logs.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore builds an ExecutionStore over the shared connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Start inserts a new RUNNING execution for a card, atomically flipping any
// prior active execution to inactive in the same transaction so the partial
// unique index on is_active never fires.
func (s *ExecutionStore) Start(ctx context.Context, e *models.Execution) error {
	e.Status = models.ExecutionRunning
	e.IsActive = true
	e.StartedAt = time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: beginning execution start tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE executions SET is_active = false WHERE card_id = $1 AND is_active`, e.CardID); err != nil {
		return fmt.Errorf("store: deactivating prior execution: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO executions (id, card_id, command, status, started_at, workflow_stage,
			input_tokens, output_tokens, total_tokens, cost, model, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.CardID, e.Command, e.Status, e.StartedAt, e.WorkflowStage,
		e.InputTokens, e.OutputTokens, e.TotalTokens, e.Cost, e.Model, e.IsActive,
	); err != nil {
		return wrapConflict(err)
	}
	return tx.Commit(ctx)
}

// Complete finalizes an execution with the terminal status, usage totals,
// and optional workflow error, clearing is_active so a new execution can
// start on the same card.
func (s *ExecutionStore) Complete(ctx context.Context, id string, status models.ExecutionStatus, workflowError string, inputTokens, outputTokens int64, cost float64) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE executions SET status = $2, completed_at = $3, workflow_error = $4,
			input_tokens = $5, output_tokens = $6, total_tokens = $5 + $6, cost = $7, is_active = false
		WHERE id = $1`,
		id, status, now, workflowError, inputTokens, outputTokens, cost,
	)
	return err
}

// Get fetches an execution (without its logs) by id.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*models.Execution, error) {
	row := s.pool.QueryRow(ctx, executionSelect+` WHERE id = $1`, id)
	return scanExecution(row)
}

// GetActive returns the card's currently running execution, if any.
func (s *ExecutionStore) GetActive(ctx context.Context, cardID string) (*models.Execution, error) {
	row := s.pool.QueryRow(ctx, executionSelect+` WHERE card_id = $1 AND is_active`, cardID)
	return scanExecution(row)
}

// ListForCard returns every execution recorded for a card, most recent
// first, matching the GET /api/logs/{cardId}/history contract.
func (s *ExecutionStore) ListForCard(ctx context.Context, cardID string) ([]*models.Execution, error) {
	rows, err := s.pool.Query(ctx, executionSelect+` WHERE card_id = $1 ORDER BY started_at DESC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("store: listing executions for card: %w", err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// AppendLog inserts one streamed log entry at the next sequence number for
// the execution, serializing writers with a row lock on the parent execution.
func (s *ExecutionStore) AppendLog(ctx context.Context, log *models.ExecutionLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: beginning log append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the parent execution row so concurrent appenders serialize on the
	// sequence computation; MAX itself cannot take a row lock.
	if _, err := tx.Exec(ctx, `
		SELECT 1 FROM executions WHERE id = $1 FOR UPDATE`, log.ExecutionID); err != nil {
		return fmt.Errorf("store: locking execution for log append: %w", err)
	}

	var nextSeq int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs
		WHERE execution_id = $1`, log.ExecutionID,
	).Scan(&nextSeq)
	if err != nil {
		return fmt.Errorf("store: reserving log sequence: %w", err)
	}
	log.Sequence = nextSeq
	log.Timestamp = time.Now()

	_, err = tx.Exec(ctx, `
		INSERT INTO execution_logs (id, execution_id, sequence, log_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		log.ID, log.ExecutionID, log.Sequence, log.Type, log.Content, log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: inserting log: %w", err)
	}
	return tx.Commit(ctx)
}

// ListLogs returns an execution's logs in sequence order.
func (s *ExecutionStore) ListLogs(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, sequence, log_type, content, created_at
		FROM execution_logs WHERE execution_id = $1 ORDER BY sequence ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: listing logs: %w", err)
	}
	defer rows.Close()

	var logs []models.ExecutionLog
	for rows.Next() {
		var l models.ExecutionLog
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Sequence, &l.Type, &l.Content, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scanning log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

const executionSelect = `
	SELECT id, card_id, command, status, started_at, completed_at, workflow_stage,
		workflow_error, input_tokens, output_tokens, total_tokens, cost, model, is_active
	FROM executions`

func scanExecution(row rowScanner) (*models.Execution, error) {
	var e models.Execution
	if err := row.Scan(
		&e.ID, &e.CardID, &e.Command, &e.Status, &e.StartedAt, &e.CompletedAt, &e.WorkflowStage,
		&e.WorkflowError, &e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.Cost, &e.Model, &e.IsActive,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scanning execution: %w", err)
	}
	return &e, nil
}

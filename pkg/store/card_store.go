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

// CardStore persists Card aggregates and enforces the SDLC column graph on
// every move.
type CardStore struct {
	pool *pgxpool.Pool
}

// NewCardStore builds a CardStore over the shared connection pool.
func NewCardStore(pool *pgxpool.Pool) *CardStore {
	return &CardStore{pool: pool}
}

// Create inserts a new card, defaulting its column to backlog if unset.
func (s *CardStore) Create(ctx context.Context, c *models.Card) error {
	if c.Column == "" {
		c.Column = models.ColumnBacklog
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO cards (id, goal_id, title, description, column_name, spec_path,
			model_plan, model_implement, model_test, model_review, parent_card_id,
			is_fix_card, test_error_context, branch_name, worktree_path, base_branch,
			dependencies, archived, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		c.ID, c.GoalID, c.Title, c.Description, c.Column, c.SpecPath,
		c.ModelPlan, c.ModelImplement, c.ModelTest, c.ModelReview, nullString(c.ParentCardID),
		c.IsFixCard, c.TestErrorContext, c.BranchName, c.WorktreePath, c.BaseBranch,
		c.Dependencies, c.Archived, c.CreatedAt, c.UpdatedAt,
	)
	return wrapConflict(err)
}

// Get fetches a card by id.
func (s *CardStore) Get(ctx context.Context, id string) (*models.Card, error) {
	row := s.pool.QueryRow(ctx, cardSelect+` WHERE id = $1`, id)
	return scanCard(row)
}

// ListByGoal returns every non-archived card belonging to a goal.
func (s *CardStore) ListByGoal(ctx context.Context, goalID string) ([]*models.Card, error) {
	rows, err := s.pool.Query(ctx, cardSelect+` WHERE goal_id = $1 AND NOT archived ORDER BY created_at ASC`, goalID)
	if err != nil {
		return nil, fmt.Errorf("store: listing cards for goal: %w", err)
	}
	defer rows.Close()
	return scanCards(rows)
}

// Move transitions a card to a new column, rejecting any edge the SDLC
// column graph forbids with models.InvalidTransitionError.
func (s *CardStore) Move(ctx context.Context, id string, to models.Column) (*models.Card, error) {
	card, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(card.Column, to) {
		return nil, models.NewInvalidTransitionError(card.Column, to)
	}

	now := time.Now()
	var completedAt any
	if to == models.ColumnDone {
		completedAt = now
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE cards SET column_name = $2, updated_at = $3, completed_at = COALESCE(completed_at, $4)
		WHERE id = $1`,
		id, to, now, completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: moving card: %w", err)
	}

	card.Column = to
	card.UpdatedAt = now
	return card, nil
}

// SetWorkspace records the worktree assigned to a card by the WorktreeManager.
func (s *CardStore) SetWorkspace(ctx context.Context, id, branchName, worktreePath, baseBranch string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cards SET branch_name = $2, worktree_path = $3, base_branch = $4, updated_at = now()
		WHERE id = $1`,
		id, branchName, worktreePath, baseBranch,
	)
	return err
}

// SetSpecPath records the spec file produced by the /plan stage.
func (s *CardStore) SetSpecPath(ctx context.Context, id, specPath string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cards SET spec_path = $2, updated_at = now() WHERE id = $1`, id, specPath)
	return err
}

// SetDependencies records a card's dependency card ids, set once at
// decomposition time when the decomposer's order-indices are resolved to
// real card ids.
func (s *CardStore) SetDependencies(ctx context.Context, id string, dependencies []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cards SET dependencies = $2, updated_at = now() WHERE id = $1`,
		id, dependencies,
	)
	return err
}

// SetModelOverride updates the model profile a single stage uses, letting
// a Command API caller override the card's default for one invocation
// (the execute-* endpoints' optional "model" field).
func (s *CardStore) SetModelOverride(ctx context.Context, id string, stage models.StageCommand, model string) error {
	var column string
	switch stage {
	case models.StagePlan:
		column = "model_plan"
	case models.StageImplement:
		column = "model_implement"
	case models.StageTest:
		column = "model_test"
	case models.StageReview:
		column = "model_review"
	default:
		return fmt.Errorf("store: unknown stage %q", stage)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE cards SET %s = $2, updated_at = now() WHERE id = $1`, column), id, model)
	return err
}

// SetDiffStats records the implement stage's file churn summary.
func (s *CardStore) SetDiffStats(ctx context.Context, id string, stats models.DiffStats) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cards SET diff_files_changed = $2, diff_lines_added = $3, diff_lines_removed = $4,
			updated_at = now()
		WHERE id = $1`,
		id, stats.FilesChanged, stats.Insertions, stats.Deletions,
	)
	return err
}

// ListActiveCardIDs returns the ids of every non-terminal, non-archived
// card holding a worktree, used by the orphan-worktree cleanup endpoint to
// tell a live worktree from an orphan.
func (s *CardStore) ListActiveCardIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM cards
		WHERE NOT archived AND worktree_path != ''
		AND column_name NOT IN ($1, $2, $3)`,
		models.ColumnCompleted, models.ColumnArchived, models.ColumnCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing active card ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning active card id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Archive marks a terminal card archived, excluding it from ListByGoal.
func (s *CardStore) Archive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE cards SET archived = true, updated_at = now() WHERE id = $1`, id)
	return err
}

// GetActiveFixCard returns the one live fix-card for a parent, if any, per
// the "at most one active fix-card per parent" invariant.
func (s *CardStore) GetActiveFixCard(ctx context.Context, parentCardID string) (*models.Card, error) {
	rows, err := s.pool.Query(ctx, cardSelect+`
		WHERE parent_card_id = $1 AND is_fix_card
		ORDER BY created_at DESC`, parentCardID)
	if err != nil {
		return nil, fmt.Errorf("store: querying fix cards: %w", err)
	}
	defer rows.Close()

	cards, err := scanCards(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		if c.IsActiveFixCard() {
			return c, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// CreateFixCard inserts a fix-card for parentCardID unless one is already
// active, returning the existing one instead. Creation stays idempotent
// while a fix is in flight.
func (s *CardStore) CreateFixCard(ctx context.Context, fix *models.Card) (*models.Card, error) {
	existing, err := s.GetActiveFixCard(ctx, fix.ParentCardID)
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, pgx.ErrNoRows):
		// fall through to create
	default:
		return nil, err
	}

	fix.IsFixCard = true
	if err := s.Create(ctx, fix); err != nil {
		return nil, err
	}
	return fix, nil
}

const cardSelect = `
	SELECT id, goal_id, title, description, column_name, spec_path, model_plan,
		model_implement, model_test, model_review, COALESCE(parent_card_id, ''),
		is_fix_card, test_error_context, branch_name, worktree_path, base_branch,
		dependencies, diff_files_changed, diff_lines_added, diff_lines_removed,
		archived, created_at, updated_at, completed_at
	FROM cards`

func scanCard(row pgx.Row) (*models.Card, error) {
	var c models.Card
	var filesChanged, linesAdded, linesRemoved int
	if err := row.Scan(
		&c.ID, &c.GoalID, &c.Title, &c.Description, &c.Column, &c.SpecPath,
		&c.ModelPlan, &c.ModelImplement, &c.ModelTest, &c.ModelReview, &c.ParentCardID,
		&c.IsFixCard, &c.TestErrorContext, &c.BranchName, &c.WorktreePath, &c.BaseBranch,
		&c.Dependencies, &filesChanged, &linesAdded, &linesRemoved,
		&c.Archived, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scanning card: %w", err)
	}
	if filesChanged != 0 || linesAdded != 0 || linesRemoved != 0 {
		c.DiffStats = &models.DiffStats{FilesChanged: filesChanged, Insertions: linesAdded, Deletions: linesRemoved}
	}
	return &c, nil
}

func scanCards(rows pgx.Rows) ([]*models.Card, error) {
	var cards []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

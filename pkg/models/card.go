package models

import "time"

// Card is one unit of work driven end-to-end through the SDLC by the
// WorkflowEngine.
type Card struct {
	ID          string   `json:"id"`
	GoalID      string   `json:"goalId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Column      Column   `json:"column"`
	SpecPath    string   `json:"specPath,omitempty"`

	ModelPlan      string `json:"modelPlan,omitempty"`
	ModelImplement string `json:"modelImplement,omitempty"`
	ModelTest      string `json:"modelTest,omitempty"`
	ModelReview    string `json:"modelReview,omitempty"`

	ParentCardID    string   `json:"parentCardId,omitempty"`
	IsFixCard       bool     `json:"isFixCard"`
	TestErrorContext string  `json:"testErrorContext,omitempty"`

	BranchName    string   `json:"branchName,omitempty"`
	WorktreePath  string   `json:"worktreePath,omitempty"`
	BaseBranch    string   `json:"baseBranch,omitempty"`
	Dependencies  []string `json:"dependencies"`

	DiffStats   *DiffStats `json:"diffStats,omitempty"`
	Archived    bool       `json:"archived"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DiffStats summarises the file churn produced by a card's implement stage.
type DiffStats struct {
	FilesChanged int `json:"filesChanged"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// ModelFor resolves which model profile identifier a stage should use.
func (c *Card) ModelFor(stage StageCommand) string {
	switch stage {
	case StagePlan:
		return c.ModelPlan
	case StageImplement:
		return c.ModelImplement
	case StageTest:
		return c.ModelTest
	case StageReview:
		return c.ModelReview
	default:
		return ""
	}
}

// HasWorktree reports whether the card already has a usable worktree
// recorded.
func (c *Card) HasWorktree() bool {
	return c.WorktreePath != "" && c.BranchName != ""
}

// IsActiveFixCard reports whether this card is a live (non-terminal)
// fix-card, used to enforce "at most one active fix-card per parent."
func (c *Card) IsActiveFixCard() bool {
	return c.IsFixCard && !c.Column.IsTerminal()
}

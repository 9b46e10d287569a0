package models

import "time"

// DecisionKind is the single decision THINK may produce each tick.
type DecisionKind string

const (
	DecisionWait                  DecisionKind = "WAIT"
	DecisionDecompose             DecisionKind = "DECOMPOSE"
	DecisionCreateFix             DecisionKind = "CREATE_FIX"
	DecisionExecuteCard           DecisionKind = "EXECUTE_CARD"
	DecisionExecuteCardsParallel  DecisionKind = "EXECUTE_CARDS_PARALLEL"
	DecisionCompleteGoal          DecisionKind = "COMPLETE_GOAL"
)

// Decision is THINK's pure output: exactly one action for ACT to perform.
type Decision struct {
	Kind    DecisionKind `json:"kind"`
	Reason  string       `json:"reason"`
	GoalID  string       `json:"goalId,omitempty"`
	CardID  string       `json:"cardId,omitempty"`
	CardIDs []string     `json:"cardIds,omitempty"`
}

// OrchestratorAction is the durable record of one ACT phase, written during
// RECORD.
type OrchestratorAction struct {
	ID        string       `json:"id"`
	Tick      int64        `json:"tick"`
	Decision  DecisionKind `json:"decision"`
	Reason    string       `json:"reason"`
	GoalID    string       `json:"goalId,omitempty"`
	CardID    string       `json:"cardId,omitempty"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// OrchestratorLog is a single short-term-memory style entry describing a
// loop step, persisted by ShortTermMemory.
type OrchestratorLog struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Context   string    `json:"context,omitempty"`
	GoalID    string    `json:"goalId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Learning is a durable, vector-keyed summary of a completed goal.
type Learning struct {
	ID               string          `json:"id"`
	GoalDescription  string          `json:"goalDescription"`
	LearningText     string          `json:"learningText"`
	CardsCreated     int             `json:"cardsCreated"`
	Outcome          LearningOutcome `json:"outcome"`
	ErrorEncountered string          `json:"errorEncountered,omitempty"`
	FixApplied       bool            `json:"fixApplied"`
	TokensUsed       int64           `json:"tokensUsed"`
	Cost             float64         `json:"cost"`
	Timestamp        time.Time       `json:"timestamp"`
	Score            float32         `json:"score,omitempty"`
}

// DecompositionEntry is one card-to-be produced by the external decomposer.
// Dependencies are order-indices into the same decomposition result.
type DecompositionEntry struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Order        int    `json:"order"`
	Dependencies []int  `json:"dependencies"`
}

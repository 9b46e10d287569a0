package models

import "time"

// Goal is a user intent decomposed into a dependency graph of Cards.
type Goal struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Status        GoalStatus `json:"status"`
	Source        string     `json:"source"`
	SourceID      string     `json:"sourceId"`
	CardIDs       []string   `json:"cardIds"`
	LearningText  string     `json:"learningText,omitempty"`
	LearningID    string     `json:"learningId,omitempty"`
	TotalTokens   int64      `json:"totalTokens"`
	TotalCost     float64    `json:"totalCost"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// AppendCard records a newly created card id. CardIDs is monotonic: cards
// are only ever appended, never removed.
func (g *Goal) AppendCard(cardID string) {
	g.CardIDs = append(g.CardIDs, cardID)
}

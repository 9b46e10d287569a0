package loop

import (
	"fmt"

	"github.com/cardloop/orchestrator/pkg/budget"
	"github.com/cardloop/orchestrator/pkg/models"
)

// CardState pairs a card with the loop-relevant facts THINK needs about it
// that don't live on models.Card itself: whether its most recent test-stage
// execution failed and no fix-card has yet been spawned for it.
type CardState struct {
	Card                  *models.Card
	HasUnfixedTestFailure bool
}

// Snapshot is everything THINK reads: the pure inputs of one decision
// (context, learnings, goals, cards, usage).
type Snapshot struct {
	ContextSummary string
	Learnings      []models.Learning

	ActiveGoal *models.Goal
	Cards      []CardState

	PendingGoals []*models.Goal

	Usage budget.Status

	// ActiveWorktrees/WorktreeLimit feed the back-pressure gate: when the
	// agent-prefixed worktree count has reached the configured cap, THINK
	// selects WAIT instead of dispatching a card that would need a new one.
	ActiveWorktrees int
	WorktreeLimit   int
}

// Think is the loop's pure decision function: given a Snapshot it returns
// exactly one Decision, checked in a fixed priority order. It performs no
// I/O and is fully reproducible from its input.
func Think(snap Snapshot) models.Decision {
	if !snap.Usage.IsSafe {
		reason := snap.Usage.Reason
		if reason == "" {
			reason = "usage budget exceeded"
		}
		return models.Decision{Kind: models.DecisionWait, Reason: reason}
	}

	if snap.ActiveGoal != nil {
		if len(snap.Cards) == 0 {
			return models.Decision{
				Kind:   models.DecisionDecompose,
				Reason: "active goal has no cards yet",
				GoalID: snap.ActiveGoal.ID,
			}
		}

		if fixTarget := firstUnfixedTestFailure(snap.Cards); fixTarget != nil {
			return models.Decision{
				Kind:   models.DecisionCreateFix,
				Reason: "card has an unfixed test failure",
				GoalID: snap.ActiveGoal.ID,
				CardID: fixTarget.ID,
			}
		}

		if runnable := executableCards(snap.Cards); len(runnable) > 0 {
			if snap.WorktreeLimit > 0 && snap.ActiveWorktrees >= snap.WorktreeLimit && anyNeedsWorktree(runnable) {
				return models.Decision{Kind: models.DecisionWait, Reason: "worktree budget exhausted"}
			}
			if len(runnable) > 1 {
				ids := make([]string, len(runnable))
				for i, c := range runnable {
					ids[i] = c.ID
				}
				return models.Decision{
					Kind:    models.DecisionExecuteCardsParallel,
					Reason:  fmt.Sprintf("%d cards are ready to execute", len(runnable)),
					GoalID:  snap.ActiveGoal.ID,
					CardIDs: ids,
				}
			}
			return models.Decision{
				Kind:   models.DecisionExecuteCard,
				Reason: "one card is ready to execute",
				GoalID: snap.ActiveGoal.ID,
				CardID: runnable[0].ID,
			}
		}

		if allCardsDone(snap.Cards) {
			return models.Decision{
				Kind:   models.DecisionCompleteGoal,
				Reason: "every card reached a terminal success column",
				GoalID: snap.ActiveGoal.ID,
			}
		}

		return models.Decision{Kind: models.DecisionWait, Reason: "active goal has cards but none are currently runnable"}
	}

	if len(snap.PendingGoals) > 0 {
		oldest := snap.PendingGoals[0]
		return models.Decision{
			Kind:   models.DecisionDecompose,
			Reason: "promoting the oldest pending goal",
			GoalID: oldest.ID,
		}
	}

	return models.Decision{Kind: models.DecisionWait, Reason: "nothing to do"}
}

func firstUnfixedTestFailure(cards []CardState) *models.Card {
	for _, cs := range cards {
		if cs.HasUnfixedTestFailure {
			return cs.Card
		}
	}
	return nil
}

// executableCards returns every card whose column still has stages to run
// and whose dependencies have all reached done/completed.
func executableCards(cards []CardState) []*models.Card {
	doneByID := make(map[string]bool, len(cards))
	for _, cs := range cards {
		if cs.Card.Column == models.ColumnDone || cs.Card.Column == models.ColumnCompleted {
			doneByID[cs.Card.ID] = true
		}
	}

	var runnable []*models.Card
	for _, cs := range cards {
		c := cs.Card
		if !c.Column.IsExecutable() {
			continue
		}
		if cs.HasUnfixedTestFailure {
			continue
		}
		ready := true
		for _, dep := range c.Dependencies {
			if !doneByID[dep] {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, c)
		}
	}
	return runnable
}

// anyNeedsWorktree reports whether dispatching these cards would have to
// create at least one new worktree; cards resuming in an existing worktree
// are exempt from the back-pressure gate.
func anyNeedsWorktree(cards []*models.Card) bool {
	for _, c := range cards {
		if !c.HasWorktree() {
			return true
		}
	}
	return false
}

func allCardsDone(cards []CardState) bool {
	for _, cs := range cards {
		if cs.Card.Column != models.ColumnDone && cs.Card.Column != models.ColumnCompleted {
			return false
		}
	}
	return true
}

package loop_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cardloop/orchestrator/pkg/budget"
	"github.com/cardloop/orchestrator/pkg/loop"
	"github.com/cardloop/orchestrator/pkg/models"
)

func safeUsage() budget.Status { return budget.Status{IsSafe: true} }

func TestThinkWaitsWhenUsageUnsafe(t *testing.T) {
	decision := loop.Think(loop.Snapshot{
		Usage:      budget.Status{IsSafe: false, Reason: "daily limit exceeded"},
		ActiveGoal: &models.Goal{ID: "goal-1"},
	})
	assert.Equal(t, models.DecisionWait, decision.Kind)
	assert.Equal(t, "daily limit exceeded", decision.Reason)
}

func TestThinkDecomposesActiveGoalWithNoCards(t *testing.T) {
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
	})
	assert.Equal(t, models.DecisionDecompose, decision.Kind)
	assert.Equal(t, "goal-1", decision.GoalID)
}

func TestThinkCreatesFixForUnfixedTestFailure(t *testing.T) {
	failing := &models.Card{ID: "card-1", Column: models.ColumnTest}
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
		Cards:      []loop.CardState{{Card: failing, HasUnfixedTestFailure: true}},
	})
	assert.Equal(t, models.DecisionCreateFix, decision.Kind)
	assert.Equal(t, "card-1", decision.CardID)
}

func TestThinkExecutesSingleRunnableCard(t *testing.T) {
	card := &models.Card{ID: "card-1", Column: models.ColumnImplement}
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
		Cards:      []loop.CardState{{Card: card}},
	})
	assert.Equal(t, models.DecisionExecuteCard, decision.Kind)
	assert.Equal(t, "card-1", decision.CardID)
}

func TestThinkExecutesMultipleRunnableCardsInParallel(t *testing.T) {
	a := &models.Card{ID: "card-a", Column: models.ColumnImplement}
	b := &models.Card{ID: "card-b", Column: models.ColumnBacklog}
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
		Cards:      []loop.CardState{{Card: a}, {Card: b}},
	})
	assert.Equal(t, models.DecisionExecuteCardsParallel, decision.Kind)
	assert.ElementsMatch(t, []string{"card-a", "card-b"}, decision.CardIDs)
}

func TestThinkSkipsCardWithUnmetDependency(t *testing.T) {
	blocked := &models.Card{ID: "card-2", Column: models.ColumnBacklog, Dependencies: []string{"card-1"}}
	unfinished := &models.Card{ID: "card-1", Column: models.ColumnImplement}
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
		Cards:      []loop.CardState{{Card: unfinished}, {Card: blocked}},
	})
	assert.Equal(t, models.DecisionExecuteCard, decision.Kind)
	assert.Equal(t, "card-1", decision.CardID)
}

func TestThinkRunsDependentCardOnceDependencyDone(t *testing.T) {
	done := &models.Card{ID: "card-1", Column: models.ColumnDone}
	ready := &models.Card{ID: "card-2", Column: models.ColumnBacklog, Dependencies: []string{"card-1"}}
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
		Cards:      []loop.CardState{{Card: done}, {Card: ready}},
	})
	assert.Equal(t, models.DecisionExecuteCard, decision.Kind)
	assert.Equal(t, "card-2", decision.CardID)
}

func TestThinkWaitsWhenWorktreeBudgetExhausted(t *testing.T) {
	card := &models.Card{ID: "card-1", Column: models.ColumnBacklog}
	decision := loop.Think(loop.Snapshot{
		Usage:           safeUsage(),
		ActiveGoal:      &models.Goal{ID: "goal-1"},
		Cards:           []loop.CardState{{Card: card}},
		ActiveWorktrees: 10,
		WorktreeLimit:   10,
	})
	assert.Equal(t, models.DecisionWait, decision.Kind)
	assert.Equal(t, "worktree budget exhausted", decision.Reason)
}

func TestThinkStillExecutesCardWithExistingWorktreeAtCap(t *testing.T) {
	card := &models.Card{
		ID: "card-1", Column: models.ColumnTest,
		WorktreePath: "/repo/.worktrees/card-abc", BranchName: "agent/abc-1",
	}
	decision := loop.Think(loop.Snapshot{
		Usage:           safeUsage(),
		ActiveGoal:      &models.Goal{ID: "goal-1"},
		Cards:           []loop.CardState{{Card: card}},
		ActiveWorktrees: 10,
		WorktreeLimit:   10,
	})
	assert.Equal(t, models.DecisionExecuteCard, decision.Kind)
}

func TestThinkCompletesGoalWhenAllCardsDone(t *testing.T) {
	a := &models.Card{ID: "card-1", Column: models.ColumnDone}
	b := &models.Card{ID: "card-2", Column: models.ColumnCompleted}
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
		Cards:      []loop.CardState{{Card: a}, {Card: b}},
	})
	assert.Equal(t, models.DecisionCompleteGoal, decision.Kind)
}

func TestThinkWaitsWhenBlockedOnDependenciesWithNoRunnableCard(t *testing.T) {
	a := &models.Card{ID: "card-1", Column: models.ColumnTest, Dependencies: nil}
	b := &models.Card{ID: "card-2", Column: models.ColumnBacklog, Dependencies: []string{"card-1"}}
	decision := loop.Think(loop.Snapshot{
		Usage:      safeUsage(),
		ActiveGoal: &models.Goal{ID: "goal-1"},
		Cards:      []loop.CardState{{Card: a, HasUnfixedTestFailure: true}, {Card: b}},
	})
	// card-1 is the unfixed test failure, so CREATE_FIX takes priority.
	assert.Equal(t, models.DecisionCreateFix, decision.Kind)
}

func TestThinkPromotesOldestPendingGoalWhenNoActiveGoal(t *testing.T) {
	oldest := &models.Goal{ID: "goal-old"}
	newer := &models.Goal{ID: "goal-new"}
	decision := loop.Think(loop.Snapshot{
		Usage:        safeUsage(),
		PendingGoals: []*models.Goal{oldest, newer},
	})
	assert.Equal(t, models.DecisionDecompose, decision.Kind)
	assert.Equal(t, "goal-old", decision.GoalID)
}

func TestThinkWaitsWhenNothingToDo(t *testing.T) {
	decision := loop.Think(loop.Snapshot{Usage: safeUsage()})
	assert.Equal(t, models.DecisionWait, decision.Kind)
}

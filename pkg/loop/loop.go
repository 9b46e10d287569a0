// Package loop implements the orchestrator's READ/QUERY/THINK/ACT/RECORD/
// LEARN tick: a continuously re-scheduled cycle that observes goal and
// card state, makes exactly one decision, dispatches it, and persists its
// own trace.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardloop/orchestrator/pkg/budget"
	"github.com/cardloop/orchestrator/pkg/eventbus"
	"github.com/cardloop/orchestrator/pkg/models"
	"github.com/cardloop/orchestrator/pkg/workflow"
	"github.com/cardloop/orchestrator/pkg/worktree"
)

// GoalStore is the subset of store.GoalStore the loop depends on.
type GoalStore interface {
	Get(ctx context.Context, id string) (*models.Goal, error)
	ListActive(ctx context.Context) ([]*models.Goal, error)
	AppendCard(ctx context.Context, goalID, cardID string) error
	SetStatus(ctx context.Context, goalID string, status models.GoalStatus) error
	RecordLearning(ctx context.Context, goalID, learningID, learningText string, totalTokens int64, totalCost float64) error
	SetError(ctx context.Context, goalID, message string) error
}

// CardStore is the subset of store.CardStore the loop depends on directly
// (workflow.Engine depends on a separate, narrower view of the same type).
type CardStore interface {
	Create(ctx context.Context, c *models.Card) error
	Get(ctx context.Context, id string) (*models.Card, error)
	ListByGoal(ctx context.Context, goalID string) ([]*models.Card, error)
	GetActiveFixCard(ctx context.Context, parentCardID string) (*models.Card, error)
	CreateFixCard(ctx context.Context, fix *models.Card) (*models.Card, error)
	SetDependencies(ctx context.Context, id string, dependencies []string) error
}

// ExecutionStore is the subset of store.ExecutionStore the loop depends on
// to decide whether a card's most recent test stage failed.
type ExecutionStore interface {
	ListForCard(ctx context.Context, cardID string) ([]*models.Execution, error)
}

// ActionStore is the subset of store.ActionStore the loop depends on.
type ActionStore interface {
	RecordAction(ctx context.Context, a *models.OrchestratorAction) error
}

// ShortTermMemory is the subset of shortterm.Memory the loop depends on.
type ShortTermMemory interface {
	Record(ctx context.Context, entryType, content, entryContext, goalID string) (*models.OrchestratorLog, error)
	ContextSummary(ctx context.Context, goalID string, limit int) (string, error)
}

// LongTermMemory is the subset of longterm.Store the loop depends on.
type LongTermMemory interface {
	Store(ctx context.Context, learning *models.Learning) (string, error)
	Query(ctx context.Context, text string, limit int, threshold float32, outcomeFilter *models.LearningOutcome) ([]models.Learning, error)
}

// Engine is the subset of workflow.Engine the loop depends on to execute a
// single card through its remaining SDLC stages.
type Engine interface {
	Run(ctx context.Context, cardID string) (*workflow.Result, error)
}

// WorktreeLister is the subset of worktree.Manager the loop depends on to
// observe the live worktree count for THINK's back-pressure gate.
type WorktreeLister interface {
	ListActive(ctx context.Context) ([]worktree.Active, error)
}

const (
	recentLogLimit    = 20
	learningQueryTop  = 5
	learningThreshold = float32(0.5)
)

// Loop drives the six-phase tick on a fixed interval, ensuring at most one
// tick is ever in flight.
type Loop struct {
	goals      GoalStore
	cards      CardStore
	executions ExecutionStore
	actions    ActionStore
	stm        ShortTermMemory
	ltm        LongTermMemory
	usage      *budget.Checker
	engine     Engine
	decomposer *Decomposer
	worktrees  WorktreeLister
	bus        *eventbus.Bus

	tickInterval  time.Duration
	worktreeLimit int

	mu      sync.Mutex
	running bool
	tick    int64
}

// New builds a Loop over its collaborators, ticking every interval.
func New(
	goals GoalStore,
	cards CardStore,
	executions ExecutionStore,
	actions ActionStore,
	stm ShortTermMemory,
	ltm LongTermMemory,
	usage *budget.Checker,
	engine Engine,
	decomposer *Decomposer,
	worktrees WorktreeLister,
	bus *eventbus.Bus,
	tickInterval time.Duration,
	worktreeLimit int,
) *Loop {
	if tickInterval <= 0 {
		tickInterval = 10 * time.Second
	}
	return &Loop{
		goals: goals, cards: cards, executions: executions, actions: actions,
		stm: stm, ltm: ltm, usage: usage, engine: engine, decomposer: decomposer,
		worktrees: worktrees, bus: bus, tickInterval: tickInterval, worktreeLimit: worktreeLimit,
	}
}

// Run blocks, firing one tick per interval until ctx is cancelled. A tick
// still running when the next interval elapses is left to finish; the next
// tick is skipped rather than queued, matching the single-flight contract.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.maybeTick(ctx)
		}
	}
}

func (l *Loop) maybeTick(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		slog.Warn("loop: previous tick still in flight, skipping this interval")
		return
	}
	l.running = true
	l.tick++
	tickNum := l.tick
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	if err := l.Tick(ctx, tickNum); err != nil {
		slog.Error("loop: tick failed", "tick", tickNum, "error", err)
	}
}

// Tick runs one full READ/QUERY/THINK/ACT/RECORD/LEARN cycle. Exported so
// tests (and an operator-triggered "tick now" endpoint) can
// drive exactly one cycle synchronously.
func (l *Loop) Tick(ctx context.Context, tickNum int64) error {
	snap, activeGoal, err := l.read(ctx)
	if err != nil {
		return fmt.Errorf("loop: read phase: %w", err)
	}

	decision := Think(snap)

	success, actErr := l.act(ctx, decision, activeGoal, snap.Learnings)

	action := &models.OrchestratorAction{
		ID:        uuid.NewString(),
		Tick:      tickNum,
		Decision:  decision.Kind,
		Reason:    decision.Reason,
		GoalID:    decision.GoalID,
		CardID:    decision.CardID,
		Success:   success,
		CreatedAt: time.Now(),
	}
	if actErr != nil {
		action.Error = actErr.Error()
	}
	if err := l.actions.RecordAction(ctx, action); err != nil {
		slog.Error("loop: recording action failed", "error", err)
	}
	if _, err := l.stm.Record(ctx, string(decision.Kind), decision.Reason, "", decision.GoalID); err != nil {
		slog.Error("loop: recording short-term memory entry failed", "error", err)
	}

	return actErr
}

// read populates a Snapshot (READ+QUERY) for the oldest active goal, if
// any, plus the full list of pending goals for promotion.
func (l *Loop) read(ctx context.Context) (Snapshot, *models.Goal, error) {
	goals, err := l.goals.ListActive(ctx)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("listing active goals: %w", err)
	}

	var activeGoal *models.Goal
	var pending []*models.Goal
	for _, g := range goals {
		if g.Status == models.GoalActive && activeGoal == nil {
			activeGoal = g
			continue
		}
		if g.Status == models.GoalPending {
			pending = append(pending, g)
		}
	}

	snap := Snapshot{Usage: l.usage.Check(ctx, l.tickInterval), PendingGoals: pending, WorktreeLimit: l.worktreeLimit}

	if l.worktrees != nil {
		active, err := l.worktrees.ListActive(ctx)
		if err != nil {
			slog.Warn("loop: listing active worktrees failed", "error", err)
		}
		snap.ActiveWorktrees = len(active)
	}

	goalIDForSummary := ""
	if activeGoal != nil {
		goalIDForSummary = activeGoal.ID
	}
	summary, err := l.stm.ContextSummary(ctx, goalIDForSummary, recentLogLimit)
	if err != nil {
		slog.Warn("loop: fetching context summary failed", "error", err)
	}
	activeDesc := "none"
	if activeGoal != nil {
		activeDesc = activeGoal.Description
	}
	snap.ContextSummary = fmt.Sprintf("Active goal: %s\nPending goals: %d\n%s", activeDesc, len(pending), summary)

	if activeGoal == nil {
		return snap, nil, nil
	}
	snap.ActiveGoal = activeGoal

	learnings, err := l.ltm.Query(ctx, activeGoal.Description, learningQueryTop, learningThreshold, nil)
	if err != nil {
		slog.Warn("loop: querying learnings failed", "error", err)
	}
	snap.Learnings = learnings

	cards, err := l.cards.ListByGoal(ctx, activeGoal.ID)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("listing cards for goal %s: %w", activeGoal.ID, err)
	}

	cardStates := make([]CardState, 0, len(cards))
	for _, c := range cards {
		hasFailure, err := l.hasUnfixedTestFailure(ctx, c)
		if err != nil {
			slog.Warn("loop: checking test failure state failed", "card", c.ID, "error", err)
		}
		cardStates = append(cardStates, CardState{Card: c, HasUnfixedTestFailure: hasFailure})
	}
	snap.Cards = cardStates

	return snap, activeGoal, nil
}

// hasUnfixedTestFailure reports whether card's most recent test-stage
// execution ended in error and no fix-card has yet been spawned for it.
func (l *Loop) hasUnfixedTestFailure(ctx context.Context, card *models.Card) (bool, error) {
	if card.Column != models.ColumnTest {
		return false, nil
	}

	executions, err := l.executions.ListForCard(ctx, card.ID)
	if err != nil {
		return false, err
	}
	var lastTest *models.Execution
	for _, e := range executions {
		if e.Command == models.StageTest {
			lastTest = e
			break // ListForCard is newest-first
		}
	}
	if lastTest == nil || lastTest.Status != models.ExecutionError {
		return false, nil
	}

	fix, err := l.cards.GetActiveFixCard(ctx, card.ID)
	if err != nil {
		return true, nil // no active fix card found (store reports not-found as an error)
	}
	return fix == nil, nil
}

// act dispatches one Decision, returning whether it succeeded.
func (l *Loop) act(ctx context.Context, decision models.Decision, activeGoal *models.Goal, learnings []models.Learning) (bool, error) {
	switch decision.Kind {
	case models.DecisionWait:
		return true, nil

	case models.DecisionDecompose:
		return l.actDecompose(ctx, decision.GoalID, learnings)

	case models.DecisionCreateFix:
		return l.actCreateFix(ctx, decision.GoalID, decision.CardID)

	case models.DecisionExecuteCard:
		result, err := l.engine.Run(ctx, decision.CardID)
		return err == nil && result.Success, err

	case models.DecisionExecuteCardsParallel:
		return l.actExecuteParallel(ctx, decision.CardIDs)

	case models.DecisionCompleteGoal:
		return l.actCompleteGoal(ctx, activeGoal)

	default:
		return false, fmt.Errorf("unrecognised decision kind %q", decision.Kind)
	}
}

// actCreateFix spawns (or reuses, via CreateFixCard's idempotence) the
// fix-card for a card whose test stage failed without the engine managing to
// spawn one itself, and appends it to the goal's card list.
func (l *Loop) actCreateFix(ctx context.Context, goalID, cardID string) (bool, error) {
	parent, err := l.cards.Get(ctx, cardID)
	if err != nil {
		return false, fmt.Errorf("loading card %s: %w", cardID, err)
	}

	fix := &models.Card{
		ID:               uuid.NewString(),
		GoalID:           parent.GoalID,
		Title:            "Fix: " + parent.Title,
		Description:      "Resolve the test failure found while testing " + parent.Title,
		ParentCardID:     parent.ID,
		ModelPlan:        parent.ModelPlan,
		ModelImplement:   parent.ModelImplement,
		ModelTest:        parent.ModelTest,
		ModelReview:      parent.ModelReview,
		TestErrorContext: parent.TestErrorContext,
		BaseBranch:       parent.BaseBranch,
	}
	created, err := l.cards.CreateFixCard(ctx, fix)
	if err != nil {
		return false, fmt.Errorf("creating fix card for %s: %w", cardID, err)
	}
	// Only a freshly created fix-card joins the goal's list; a reused one is
	// already on it and was already announced.
	if created.ID == fix.ID {
		if err := l.goals.AppendCard(ctx, goalID, created.ID); err != nil {
			return false, fmt.Errorf("appending fix card %s to goal %s: %w", created.ID, goalID, err)
		}
		l.bus.Publish(eventbus.Event{Type: eventbus.CardCreated, CardID: created.ID, Card: created})
	}
	return true, nil
}

func (l *Loop) actExecuteParallel(ctx context.Context, cardIDs []string) (bool, error) {
	var wg sync.WaitGroup
	errs := make([]error, len(cardIDs))
	oks := make([]bool, len(cardIDs))

	for i, id := range cardIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			result, err := l.engine.Run(ctx, id)
			errs[i] = err
			oks[i] = err == nil && result.Success
		}(i, id)
	}
	wg.Wait()

	allOK := true
	for i, err := range errs {
		if err != nil {
			return false, fmt.Errorf("executing card %s: %w", cardIDs[i], err)
		}
		allOK = allOK && oks[i]
	}
	return allOK, nil
}

// actDecompose runs the Decomposer and materializes its entries as cards,
// resolving order-indices to card ids in a second pass once every entry
// has one.
func (l *Loop) actDecompose(ctx context.Context, goalID string, learnings []models.Learning) (bool, error) {
	goal, err := l.goals.Get(ctx, goalID)
	if err != nil {
		return false, fmt.Errorf("loading goal %s: %w", goalID, err)
	}

	if goal.Status == models.GoalPending {
		if err := l.goals.SetStatus(ctx, goalID, models.GoalActive); err != nil {
			return false, fmt.Errorf("activating goal %s: %w", goalID, err)
		}
	}

	entries, err := l.decomposer.Decompose(ctx, goal.Description, strings.Join(learningTexts(learnings), "\n"))
	if err != nil {
		l.failGoal(ctx, goalID, err.Error())
		return false, fmt.Errorf("decomposing goal %s: %w", goalID, err)
	}

	cardIDs := make([]string, len(entries))
	for i, entry := range entries {
		card := &models.Card{
			ID:          uuid.NewString(),
			GoalID:      goalID,
			Title:       entry.Title,
			Description: entry.Description,
			Column:      models.ColumnBacklog,
		}
		if err := l.cards.Create(ctx, card); err != nil {
			return false, fmt.Errorf("creating card %q for goal %s: %w", entry.Title, goalID, err)
		}
		if err := l.goals.AppendCard(ctx, goalID, card.ID); err != nil {
			return false, fmt.Errorf("appending card %s to goal %s: %w", card.ID, goalID, err)
		}
		l.bus.Publish(eventbus.Event{Type: eventbus.CardCreated, CardID: card.ID, Card: card})
		cardIDs[i] = card.ID
	}

	for i, entry := range entries {
		if len(entry.Dependencies) == 0 {
			continue
		}
		deps := make([]string, 0, len(entry.Dependencies))
		for _, depIdx := range entry.Dependencies {
			if depIdx < 0 || depIdx >= len(cardIDs) || depIdx == i {
				continue
			}
			deps = append(deps, cardIDs[depIdx])
		}
		if len(deps) == 0 {
			continue
		}
		if err := l.cards.SetDependencies(ctx, cardIDs[i], deps); err != nil {
			return false, fmt.Errorf("setting dependencies on card %s: %w", cardIDs[i], err)
		}
	}

	return true, nil
}

func (l *Loop) actCompleteGoal(ctx context.Context, goal *models.Goal) (bool, error) {
	if goal == nil {
		return false, fmt.Errorf("complete_goal decision with no active goal in snapshot")
	}

	cards, err := l.cards.ListByGoal(ctx, goal.ID)
	if err != nil {
		return false, fmt.Errorf("listing cards for goal %s: %w", goal.ID, err)
	}

	var totalTokens int64
	var totalCost float64
	fixApplied := false
	for _, c := range cards {
		if c.IsFixCard {
			fixApplied = true
		}
		executions, err := l.executions.ListForCard(ctx, c.ID)
		if err != nil {
			continue
		}
		for _, e := range executions {
			totalTokens += e.TotalTokens
			totalCost += e.Cost
		}
	}

	learningText := fmt.Sprintf("Goal %q completed with %d cards.", goal.Description, len(cards))
	learning := &models.Learning{
		ID:              uuid.NewString(),
		GoalDescription: goal.Description,
		LearningText:    learningText,
		CardsCreated:    len(cards),
		Outcome:         models.OutcomeSuccess,
		FixApplied:      fixApplied,
		TokensUsed:      totalTokens,
		Cost:            totalCost,
		Timestamp:       time.Now(),
	}

	learningID, err := l.ltm.Store(ctx, learning)
	if err != nil {
		slog.Warn("loop: storing learning failed, completing goal anyway", "error", err)
	}

	if err := l.goals.RecordLearning(ctx, goal.ID, learningID, learningText, totalTokens, totalCost); err != nil {
		return false, fmt.Errorf("recording learning on goal %s: %w", goal.ID, err)
	}
	if err := l.goals.SetStatus(ctx, goal.ID, models.GoalCompleted); err != nil {
		return false, fmt.Errorf("completing goal %s: %w", goal.ID, err)
	}
	return true, nil
}

func (l *Loop) failGoal(ctx context.Context, goalID, reason string) {
	if err := l.goals.SetError(ctx, goalID, reason); err != nil {
		slog.Error("loop: recording goal error failed", "goal", goalID, "error", err)
	}
	if err := l.goals.SetStatus(ctx, goalID, models.GoalFailed); err != nil {
		slog.Error("loop: marking goal failed failed", "goal", goalID, "error", err)
	}
}

func learningTexts(learnings []models.Learning) []string {
	texts := make([]string, len(learnings))
	for i, l := range learnings {
		texts[i] = l.LearningText
	}
	return texts
}

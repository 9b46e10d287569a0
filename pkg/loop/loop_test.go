package loop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardloop/orchestrator/pkg/agentadapter"
	"github.com/cardloop/orchestrator/pkg/budget"
	"github.com/cardloop/orchestrator/pkg/eventbus"
	"github.com/cardloop/orchestrator/pkg/loop"
	"github.com/cardloop/orchestrator/pkg/models"
	"github.com/cardloop/orchestrator/pkg/workflow"
	"github.com/cardloop/orchestrator/pkg/worktree"
)

type fakeGoalStore struct {
	mu    sync.Mutex
	goals map[string]*models.Goal
}

func newFakeGoalStore(goals ...*models.Goal) *fakeGoalStore {
	f := &fakeGoalStore{goals: make(map[string]*models.Goal)}
	for _, g := range goals {
		f.goals[g.ID] = g
	}
	return f
}

func (f *fakeGoalStore) Get(ctx context.Context, id string) (*models.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.goals[id], nil
}

func (f *fakeGoalStore) ListActive(ctx context.Context) ([]*models.Goal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Goal
	for _, g := range f.goals {
		if !g.Status.IsTerminal() {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGoalStore) AppendCard(ctx context.Context, goalID, cardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals[goalID].AppendCard(cardID)
	return nil
}

func (f *fakeGoalStore) SetStatus(ctx context.Context, goalID string, status models.GoalStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals[goalID].Status = status
	return nil
}

func (f *fakeGoalStore) RecordLearning(ctx context.Context, goalID, learningID, learningText string, totalTokens int64, totalCost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := f.goals[goalID]
	g.LearningID, g.LearningText, g.TotalTokens, g.TotalCost = learningID, learningText, totalTokens, totalCost
	return nil
}

func (f *fakeGoalStore) SetError(ctx context.Context, goalID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals[goalID].Error = message
	return nil
}

type fakeLoopCardStore struct {
	mu    sync.Mutex
	cards map[string]*models.Card
}

func newFakeLoopCardStore(cards ...*models.Card) *fakeLoopCardStore {
	f := &fakeLoopCardStore{cards: make(map[string]*models.Card)}
	for _, c := range cards {
		f.cards[c.ID] = c
	}
	return f
}

func (f *fakeLoopCardStore) Create(ctx context.Context, c *models.Card) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Column == "" {
		c.Column = models.ColumnBacklog
	}
	f.cards[c.ID] = c
	return nil
}

func (f *fakeLoopCardStore) Get(ctx context.Context, id string) (*models.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cards[id], nil
}

func (f *fakeLoopCardStore) ListByGoal(ctx context.Context, goalID string) ([]*models.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Card
	for _, c := range f.cards {
		if c.GoalID == goalID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeLoopCardStore) GetActiveFixCard(ctx context.Context, parentCardID string) (*models.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cards {
		if c.ParentCardID == parentCardID && c.IsActiveFixCard() {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeLoopCardStore) CreateFixCard(ctx context.Context, fix *models.Card) (*models.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cards {
		if c.ParentCardID == fix.ParentCardID && c.IsActiveFixCard() {
			return c, nil
		}
	}
	fix.IsFixCard = true
	if fix.Column == "" {
		fix.Column = models.ColumnBacklog
	}
	f.cards[fix.ID] = fix
	return fix, nil
}

func (f *fakeLoopCardStore) SetDependencies(ctx context.Context, id string, dependencies []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[id].Dependencies = dependencies
	return nil
}

type fakeLoopExecutionStore struct {
	mu         sync.Mutex
	byCard map[string][]*models.Execution
}

func newFakeLoopExecutionStore() *fakeLoopExecutionStore {
	return &fakeLoopExecutionStore{byCard: make(map[string][]*models.Execution)}
}

func (f *fakeLoopExecutionStore) ListForCard(ctx context.Context, cardID string) ([]*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byCard[cardID], nil
}

type fakeActionStore struct {
	mu      sync.Mutex
	actions []*models.OrchestratorAction
}

func (f *fakeActionStore) RecordAction(ctx context.Context, a *models.OrchestratorAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return nil
}

type fakeShortTermMemory struct{}

func (fakeShortTermMemory) Record(ctx context.Context, entryType, content, entryContext, goalID string) (*models.OrchestratorLog, error) {
	return &models.OrchestratorLog{ID: "log-1", Type: entryType, Content: content}, nil
}

func (fakeShortTermMemory) ContextSummary(ctx context.Context, goalID string, limit int) (string, error) {
	return "", nil
}

type fakeLongTermMemory struct {
	mu    sync.Mutex
	stored []*models.Learning
}

func (f *fakeLongTermMemory) Store(ctx context.Context, learning *models.Learning) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, learning)
	return learning.ID, nil
}

func (f *fakeLongTermMemory) Query(ctx context.Context, text string, limit int, threshold float32, outcomeFilter *models.LearningOutcome) ([]models.Learning, error) {
	return nil, nil
}

type fakeSafeProber struct{}

func (fakeSafeProber) Probe(ctx context.Context) (float64, float64, error) { return 10, 10, nil }

type fakeLoopEngine struct {
	mu      sync.Mutex
	results map[string]*workflow.Result
	calls   []string
}

func (f *fakeLoopEngine) Run(ctx context.Context, cardID string) (*workflow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cardID)
	if r, ok := f.results[cardID]; ok {
		return r, nil
	}
	return &workflow.Result{Success: true}, nil
}

type fakeDecomposerAdapter struct{ result string }

func (f *fakeDecomposerAdapter) Run(ctx context.Context, prompt, workdir, modelProfile string, allowedTools []string) <-chan agentadapter.Event {
	out := make(chan agentadapter.Event, 1)
	out <- agentadapter.Event{Kind: agentadapter.EventResult, Result: f.result}
	close(out)
	return out
}

type fakeWorktreeLister struct{ active []worktree.Active }

func (f *fakeWorktreeLister) ListActive(ctx context.Context) ([]worktree.Active, error) {
	return f.active, nil
}

func newTestLoop(goals *fakeGoalStore, cards *fakeLoopCardStore, executions *fakeLoopExecutionStore, engine *fakeLoopEngine, decomposer *loop.Decomposer) (*loop.Loop, *eventbus.Bus) {
	checker := budget.NewChecker(fakeSafeProber{}, 85)
	bus := eventbus.New()
	return loop.New(goals, cards, executions, &fakeActionStore{}, fakeShortTermMemory{}, &fakeLongTermMemory{}, checker, engine, decomposer, &fakeWorktreeLister{}, bus, time.Second, 10), bus
}

func TestTickDecomposesGoalWithNoCards(t *testing.T) {
	goal := &models.Goal{ID: "goal-1", Description: "add a health endpoint", Status: models.GoalPending}
	goals := newFakeGoalStore(goal)
	cards := newFakeLoopCardStore()
	executions := newFakeLoopExecutionStore()
	engine := &fakeLoopEngine{results: map[string]*workflow.Result{}}
	decomposer := loop.NewDecomposer(&fakeDecomposerAdapter{result: `[
		{"title": "Add handler", "description": "wire the route", "order": 0, "dependencies": []},
		{"title": "Add tests", "description": "cover the route", "order": 1, "dependencies": [0]}
	]`}, "opus-4", "/repo")

	l, bus := newTestLoop(goals, cards, executions, engine, decomposer)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	require.NoError(t, l.Tick(context.Background(), 1))

	assert.Equal(t, models.GoalActive, goal.Status)

	created, err := cards.ListByGoal(context.Background(), goal.ID)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Len(t, goal.CardIDs, 2)

	createdEvents := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.CardCreated {
			createdEvents++
		}
	}
	assert.Equal(t, 2, createdEvents, "every decomposed card is announced as card_created")

	var dependent *models.Card
	for _, c := range created {
		if c.Title == "Add tests" {
			dependent = c
		}
	}
	require.NotNil(t, dependent)
	assert.Len(t, dependent.Dependencies, 1)
}

func TestTickExecutesRunnableCard(t *testing.T) {
	goal := &models.Goal{ID: "goal-1", Description: "add a health endpoint", Status: models.GoalActive}
	card := &models.Card{ID: "card-1", GoalID: goal.ID, Column: models.ColumnBacklog}
	goal.AppendCard(card.ID)

	goals := newFakeGoalStore(goal)
	cards := newFakeLoopCardStore(card)
	executions := newFakeLoopExecutionStore()
	engine := &fakeLoopEngine{results: map[string]*workflow.Result{}}
	decomposer := loop.NewDecomposer(&fakeDecomposerAdapter{}, "opus-4", "/repo")

	l, _ := newTestLoop(goals, cards, executions, engine, decomposer)
	require.NoError(t, l.Tick(context.Background(), 1))

	assert.Equal(t, []string{"card-1"}, engine.calls)
}

func TestTickCreatesFixCardForUnfixedTestFailure(t *testing.T) {
	goal := &models.Goal{ID: "goal-1", Description: "add a health endpoint", Status: models.GoalActive}
	card := &models.Card{ID: "card-1", GoalID: goal.ID, Title: "Add handler", Column: models.ColumnTest}
	goal.AppendCard(card.ID)

	goals := newFakeGoalStore(goal)
	cards := newFakeLoopCardStore(card)
	executions := newFakeLoopExecutionStore()
	executions.byCard[card.ID] = []*models.Execution{
		{ID: "exec-1", CardID: card.ID, Command: models.StageTest, Status: models.ExecutionError},
	}
	engine := &fakeLoopEngine{}
	decomposer := loop.NewDecomposer(&fakeDecomposerAdapter{}, "opus-4", "/repo")

	l, _ := newTestLoop(goals, cards, executions, engine, decomposer)
	require.NoError(t, l.Tick(context.Background(), 1))

	all, err := cards.ListByGoal(context.Background(), goal.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)

	var fix *models.Card
	for _, c := range all {
		if c.IsFixCard {
			fix = c
		}
	}
	require.NotNil(t, fix)
	assert.Equal(t, card.ID, fix.ParentCardID)
	assert.Contains(t, goal.CardIDs, fix.ID)
	assert.Empty(t, engine.calls, "CREATE_FIX creates a card, it does not dispatch the engine")
}

func TestTickCompletesGoalWhenAllCardsDone(t *testing.T) {
	goal := &models.Goal{ID: "goal-1", Description: "add a health endpoint", Status: models.GoalActive}
	card := &models.Card{ID: "card-1", GoalID: goal.ID, Column: models.ColumnDone}
	goal.AppendCard(card.ID)

	goals := newFakeGoalStore(goal)
	cards := newFakeLoopCardStore(card)
	executions := newFakeLoopExecutionStore()
	engine := &fakeLoopEngine{}
	decomposer := loop.NewDecomposer(&fakeDecomposerAdapter{}, "opus-4", "/repo")

	l, _ := newTestLoop(goals, cards, executions, engine, decomposer)
	require.NoError(t, l.Tick(context.Background(), 1))

	assert.Equal(t, models.GoalCompleted, goal.Status)
	assert.NotEmpty(t, goal.LearningID)
}

func TestTickWaitsWhenUsageUnsafe(t *testing.T) {
	goal := &models.Goal{ID: "goal-1", Description: "add a health endpoint", Status: models.GoalActive}
	goals := newFakeGoalStore(goal)
	cards := newFakeLoopCardStore()
	executions := newFakeLoopExecutionStore()
	engine := &fakeLoopEngine{}
	decomposer := loop.NewDecomposer(&fakeDecomposerAdapter{}, "opus-4", "/repo")

	checker := budget.NewChecker(unsafeProber{}, 85)
	l := loop.New(goals, cards, executions, &fakeActionStore{}, fakeShortTermMemory{}, &fakeLongTermMemory{}, checker, engine, decomposer, &fakeWorktreeLister{}, eventbus.New(), time.Second, 10)
	require.NoError(t, l.Tick(context.Background(), 1))

	assert.Empty(t, engine.calls)
	assert.Equal(t, models.GoalActive, goal.Status)
}

type unsafeProber struct{}

func (unsafeProber) Probe(ctx context.Context) (float64, float64, error) { return 99, 99, nil }

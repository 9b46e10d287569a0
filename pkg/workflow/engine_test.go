package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardloop/orchestrator/pkg/agentadapter"
	"github.com/cardloop/orchestrator/pkg/eventbus"
	"github.com/cardloop/orchestrator/pkg/masking"
	"github.com/cardloop/orchestrator/pkg/models"
	"github.com/cardloop/orchestrator/pkg/worktree"
	"github.com/cardloop/orchestrator/pkg/workflow"
)

// fakeCardStore is an in-memory stand-in for store.CardStore.
type fakeCardStore struct {
	mu    sync.Mutex
	cards map[string]*models.Card
}

func newFakeCardStore(cards ...*models.Card) *fakeCardStore {
	f := &fakeCardStore{cards: make(map[string]*models.Card)}
	for _, c := range cards {
		f.cards[c.ID] = c
	}
	return f
}

func (f *fakeCardStore) Get(ctx context.Context, id string) (*models.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[id]
	if !ok {
		return nil, assert.AnError
	}
	clone := *c
	return &clone, nil
}

func (f *fakeCardStore) Move(ctx context.Context, id string, to models.Column) (*models.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cards[id]
	if !models.CanTransition(c.Column, to) {
		return nil, models.NewInvalidTransitionError(c.Column, to)
	}
	c.Column = to
	return c, nil
}

func (f *fakeCardStore) SetWorkspace(ctx context.Context, id, branchName, worktreePath, baseBranch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cards[id]
	c.BranchName, c.WorktreePath, c.BaseBranch = branchName, worktreePath, baseBranch
	return nil
}

func (f *fakeCardStore) SetSpecPath(ctx context.Context, id, specPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[id].SpecPath = specPath
	return nil
}

func (f *fakeCardStore) CreateFixCard(ctx context.Context, fix *models.Card) (*models.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cards {
		if c.ParentCardID == fix.ParentCardID && c.IsActiveFixCard() {
			return c, nil
		}
	}
	fix.IsFixCard = true
	f.cards[fix.ID] = fix
	return fix, nil
}

// fakeExecutionStore is an in-memory stand-in for store.ExecutionStore.
type fakeExecutionStore struct {
	mu         sync.Mutex
	executions map[string]*models.Execution
	logs       map[string][]models.ExecutionLog
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{executions: make(map[string]*models.Execution), logs: make(map[string][]models.ExecutionLog)}
}

func (f *fakeExecutionStore) Start(ctx context.Context, e *models.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Status = models.ExecutionRunning
	f.executions[e.ID] = e
	return nil
}

func (f *fakeExecutionStore) Complete(ctx context.Context, id string, status models.ExecutionStatus, workflowError string, inputTokens, outputTokens int64, cost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.executions[id]
	e.Status = status
	e.WorkflowError = workflowError
	e.InputTokens, e.OutputTokens = inputTokens, outputTokens
	e.TotalTokens = inputTokens + outputTokens
	e.Cost = cost
	return nil
}

func (f *fakeExecutionStore) AppendLog(ctx context.Context, log *models.ExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	log.Sequence = len(f.logs[log.ExecutionID]) + 1
	f.logs[log.ExecutionID] = append(f.logs[log.ExecutionID], *log)
	return nil
}

// fakeWorktreeManager always hands back a fixed handle.
type fakeWorktreeManager struct {
	handle *worktree.Handle
}

func (f *fakeWorktreeManager) CreateWorktree(ctx context.Context, cardID, baseBranch string) (*worktree.Handle, error) {
	return f.handle, nil
}

// scriptedAdapter replays a fixed event sequence per stage, keyed by the
// prompt's command prefix.
type scriptedAdapter struct {
	byCommand map[string][]agentadapter.Event
}

func (s *scriptedAdapter) Run(ctx context.Context, prompt, workdir, modelProfile string, allowedTools []string) <-chan agentadapter.Event {
	out := make(chan agentadapter.Event)
	go func() {
		defer close(out)
		for cmd, events := range s.byCommand {
			if len(prompt) >= len(cmd) && prompt[:len(cmd)] == cmd {
				for _, e := range events {
					out <- e
				}
				return
			}
		}
	}()
	return out
}

func newHappyPathCard() *models.Card {
	return &models.Card{ID: uuid.NewString(), GoalID: "goal-1", Title: "Add login", Description: "OAuth login flow", Column: models.ColumnBacklog}
}

func happyPathAdapter() *scriptedAdapter {
	return &scriptedAdapter{byCommand: map[string][]agentadapter.Event{
		"/plan": {
			{Kind: agentadapter.EventText, Text: "writing the spec now"},
			{Kind: agentadapter.EventToolUse, ToolName: "write-file", ToolInput: map[string]any{"file_path": "specs/add-login.md"}},
			{Kind: agentadapter.EventResult, Result: "done", Usage: agentadapter.Usage{InputTokens: 10, OutputTokens: 5}},
		},
		"/implement": {
			{Kind: agentadapter.EventText, Text: "implementing"},
			{Kind: agentadapter.EventResult, Result: "done"},
		},
		"/test-implementation": {
			{Kind: agentadapter.EventText, Text: "12 passed, 0 failed"},
			{Kind: agentadapter.EventResult, Result: "done"},
		},
		"/review": {
			{Kind: agentadapter.EventText, Text: "looks good"},
			{Kind: agentadapter.EventResult, Result: "done"},
		},
	}}
}

func newEngine(card *models.Card, adapter *scriptedAdapter) (*workflow.Engine, *fakeCardStore, *fakeExecutionStore, *eventbus.Bus) {
	cards := newFakeCardStore(card)
	executions := newFakeExecutionStore()
	wt := &fakeWorktreeManager{handle: &worktree.Handle{Path: "/tmp/work", BranchName: "agent/abc123-1"}}
	bus := eventbus.New()
	engine := workflow.NewEngine(cards, executions, wt, adapter, masking.New(), bus, time.Minute)
	return engine, cards, executions, bus
}

func TestRunDrivesCardThroughAllStagesToDone(t *testing.T) {
	card := newHappyPathCard()
	engine, cards, _, _ := newEngine(card, happyPathAdapter())

	result, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "specs/add-login.md", result.SpecPath)

	stored, err := cards.Get(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ColumnDone, stored.Column)
	assert.Equal(t, "specs/add-login.md", stored.SpecPath)
}

func TestRunIsNoOpForTerminalColumn(t *testing.T) {
	card := newHappyPathCard()
	card.Column = models.ColumnDone
	engine, _, _, _ := newEngine(card, happyPathAdapter())

	result, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.NoOp)
}

func TestRunResumesFromImplementColumn(t *testing.T) {
	card := newHappyPathCard()
	card.Column = models.ColumnImplement
	card.SpecPath = "specs/add-login.md"
	card.WorktreePath = "/tmp/work"
	card.BranchName = "agent/abc123-1"

	engine, cards, _, _ := newEngine(card, happyPathAdapter())
	result, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	stored, _ := cards.Get(context.Background(), card.ID)
	assert.Equal(t, models.ColumnDone, stored.Column)
}

func TestRunFailsFastWhenSpecPathMissingForNonPlanStage(t *testing.T) {
	card := newHappyPathCard()
	card.Column = models.ColumnImplement
	card.WorktreePath = "/tmp/work"
	card.BranchName = "agent/abc123-1"
	// SpecPath intentionally left empty.

	engine, _, _, _ := newEngine(card, happyPathAdapter())
	result, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, models.ColumnImplement, result.Stage)
}

func TestRunCreatesFixCardOnTestFailure(t *testing.T) {
	card := newHappyPathCard()
	card.Column = models.ColumnTest
	card.SpecPath = "specs/add-login.md"
	card.WorktreePath = "/tmp/work"
	card.BranchName = "agent/abc123-1"

	failing := happyPathAdapter()
	failing.byCommand["/test-implementation"] = []agentadapter.Event{
		{Kind: agentadapter.EventText, Text: "3 passed, 1 FAILED"},
		{Kind: agentadapter.EventResult, Result: "done"},
	}

	engine, cards, _, bus := newEngine(card, failing)
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	result, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.FixCardCreated)
	require.NotEmpty(t, result.FixCardID)

	created := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.CardCreated {
			created++
			assert.Equal(t, result.FixCardID, e.CardID)
		}
	}
	assert.Equal(t, 1, created, "the spawned fix-card is announced as card_created")

	fixCard, err := cards.Get(context.Background(), result.FixCardID)
	require.NoError(t, err)
	assert.Equal(t, card.ID, fixCard.ParentCardID)
	assert.True(t, fixCard.IsFixCard)

	stored, _ := cards.Get(context.Background(), card.ID)
	assert.Equal(t, models.ColumnTest, stored.Column, "column stays put on failure, not rolled back")
}

func TestRunBroadcastsCardLifecycleEvents(t *testing.T) {
	card := newHappyPathCard()
	engine, _, _, bus := newEngine(card, happyPathAdapter())
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	_, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)

	counts := map[eventbus.EventType]int{}
	for len(events) > 0 {
		counts[(<-events).Type]++
	}
	// One card_updated for the assigned workspace, one for the persisted
	// spec path; one card_moved per stage transition plus the final done.
	assert.Equal(t, 2, counts[eventbus.CardUpdated])
	assert.Equal(t, 5, counts[eventbus.CardMoved])
}

func TestRunCreatesWorktreeWhenCardHasNone(t *testing.T) {
	card := newHappyPathCard()
	engine, cards, _, _ := newEngine(card, happyPathAdapter())

	_, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)

	stored, _ := cards.Get(context.Background(), card.ID)
	assert.Equal(t, "/tmp/work", stored.WorktreePath)
	assert.Equal(t, "agent/abc123-1", stored.BranchName)
}

func TestRunSurfacesAgentErrorWithoutRollingBackColumn(t *testing.T) {
	card := newHappyPathCard()
	card.Column = models.ColumnImplement
	card.SpecPath = "specs/add-login.md"
	card.WorktreePath = "/tmp/work"
	card.BranchName = "agent/abc123-1"

	erroring := happyPathAdapter()
	erroring.byCommand["/implement"] = []agentadapter.Event{
		{Kind: agentadapter.EventError, Message: "tool invocation failed"},
	}

	engine, cards, _, _ := newEngine(card, erroring)
	result, err := engine.Run(context.Background(), card.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "tool invocation failed", result.Error)

	stored, _ := cards.Get(context.Background(), card.ID)
	assert.Equal(t, models.ColumnImplement, stored.Column)
}

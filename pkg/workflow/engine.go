// Package workflow implements the WorkflowEngine: it drives one card
// end-to-end through the SDLC stages plan, implement, test, review and
// done, resumable from whichever column it last stopped in.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardloop/orchestrator/pkg/agentadapter"
	"github.com/cardloop/orchestrator/pkg/eventbus"
	"github.com/cardloop/orchestrator/pkg/masking"
	"github.com/cardloop/orchestrator/pkg/models"
	"github.com/cardloop/orchestrator/pkg/worktree"
)

// CardStore is the subset of store.CardStore the engine depends on.
// Accepting an interface (rather than *store.CardStore directly) lets
// tests substitute an in-memory fake without a database.
type CardStore interface {
	Get(ctx context.Context, id string) (*models.Card, error)
	Move(ctx context.Context, id string, to models.Column) (*models.Card, error)
	SetWorkspace(ctx context.Context, id, branchName, worktreePath, baseBranch string) error
	SetSpecPath(ctx context.Context, id, specPath string) error
	CreateFixCard(ctx context.Context, fix *models.Card) (*models.Card, error)
}

// ExecutionStore is the subset of store.ExecutionStore the engine depends
// on.
type ExecutionStore interface {
	Start(ctx context.Context, e *models.Execution) error
	Complete(ctx context.Context, id string, status models.ExecutionStatus, workflowError string, inputTokens, outputTokens int64, cost float64) error
	AppendLog(ctx context.Context, log *models.ExecutionLog) error
}

// WorktreeManager is the subset of worktree.Manager the engine depends on.
type WorktreeManager interface {
	CreateWorktree(ctx context.Context, cardID, baseBranch string) (*worktree.Handle, error)
}

// Adapter is the subset of agentadapter.Adapter the engine depends on.
type Adapter interface {
	Run(ctx context.Context, prompt, workdir, modelProfile string, allowedTools []string) <-chan agentadapter.Event
}

// Result is the WorkflowEngine's outcome for one Run call.
type Result struct {
	Success        bool
	NoOp           bool
	Error          string
	Stage          models.Column
	SpecPath       string
	FixCardCreated bool
	FixCardID      string
}

// allowedTools is the fixed tool set every stage runs with.
var allowedTools = []string{"read-any-file", "write-file", "edit-file", "execute-shell", "glob", "grep", "todo-write"}

// specPathPattern matches a spec file reference embedded in streamed text,
// the fallback path when the /plan stage never names the file through a
// tool-use event.
var specPathPattern = regexp.MustCompile(`specs/[\w-]+\.md`)

// failureMarkers are literal, case-sensitive substrings that mark a
// /test-implementation stage as failed when no structured test-runner
// outcome is available. Deliberately case-sensitive and specific (a
// case-insensitive "fail" substring would also match a passing summary
// like "12 passed, 0 failed"). A structured test outcome from the agent
// would be stronger; the scan is the fallback when none is emitted.
var failureMarkers = []string{"--- FAIL", "FAILED", "AssertionError", "panic:", "✗", "Traceback (most recent call last)"}

// nonZeroFailedPattern catches test-runner summaries that report a non-zero
// failure count, e.g. "3 failed" (but not "0 failed").
var nonZeroFailedPattern = regexp.MustCompile(`\b([1-9][0-9]*)\s+failed\b`)

// fileWritingTools names the ToolUse events whose input is inspected for a
// spec file path.
var fileWritingTools = map[string]bool{"write-file": true, "edit-file": true}

// Engine runs cards through their SDLC stages.
type Engine struct {
	cards      CardStore
	executions ExecutionStore
	worktrees  WorktreeManager
	adapter    Adapter
	masker     *masking.Scrubber
	bus        *eventbus.Bus

	stageTimeout time.Duration
}

// NewEngine builds an Engine wired to its collaborators.
func NewEngine(cards CardStore, executions ExecutionStore, worktrees WorktreeManager, adapter Adapter, masker *masking.Scrubber, bus *eventbus.Bus, stageTimeout time.Duration) *Engine {
	return &Engine{
		cards:        cards,
		executions:   executions,
		worktrees:    worktrees,
		adapter:      adapter,
		masker:       masker,
		bus:          bus,
		stageTimeout: stageTimeout,
	}
}

// Run drives card_id through every remaining stage. It is resumable: a card
// already sitting in implement/test/review picks up from there.
func (e *Engine) Run(ctx context.Context, cardID string) (*Result, error) {
	card, err := e.cards.Get(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("workflow: loading card: %w", err)
	}

	if card.Column.IsTerminal() {
		return &Result{Success: true, NoOp: true}, nil
	}

	workdir, err := e.resolveWorkdir(ctx, card)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	stages := models.StagesFrom(card.Column)
	for _, stage := range stages {
		result, err := e.runStage(ctx, card, stage, workdir)
		if err != nil {
			return nil, err
		}
		if !result.Success {
			return result, nil
		}
	}

	if _, err := e.cards.Move(ctx, cardID, models.ColumnDone); err != nil {
		return nil, fmt.Errorf("workflow: moving card to done: %w", err)
	}
	from := card.Column
	card.Column = models.ColumnDone
	e.publishMoved(card, from, models.ColumnDone)

	return &Result{Success: true, SpecPath: card.SpecPath}, nil
}

// RunStage executes exactly one named stage on cardID and returns, without
// advancing through the rest of the SDLC. Used by the Command API's
// per-stage endpoints, which synchronously run a single stage rather than
// driving a card to done the way Run does.
func (e *Engine) RunStage(ctx context.Context, cardID string, stage models.StageCommand) (*Result, error) {
	card, err := e.cards.Get(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("workflow: loading card: %w", err)
	}

	workdir, err := e.resolveWorkdir(ctx, card)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	return e.runStage(ctx, card, stage, workdir)
}

// resolveWorkdir returns the card's working directory, creating a worktree
// on first use.
func (e *Engine) resolveWorkdir(ctx context.Context, card *models.Card) (string, error) {
	if card.HasWorktree() {
		return card.WorktreePath, nil
	}

	handle, err := e.worktrees.CreateWorktree(ctx, card.ID, card.BaseBranch)
	if err != nil {
		return "", fmt.Errorf("workflow: creating worktree: %w", err)
	}
	if err := e.cards.SetWorkspace(ctx, card.ID, handle.BranchName, handle.Path, card.BaseBranch); err != nil {
		return "", fmt.Errorf("workflow: persisting workspace: %w", err)
	}
	card.BranchName = handle.BranchName
	card.WorktreePath = handle.Path
	e.publishUpdated(card)
	return handle.Path, nil
}

// runStage moves the card into stage's column, runs the agent, and records
// the outcome. It mutates card in place (SpecPath, Column) so subsequent
// stages in the same Run see the update.
func (e *Engine) runStage(ctx context.Context, card *models.Card, stage models.StageCommand, workdir string) (*Result, error) {
	column := stage.Column()

	// A resumed card may already sit in this stage's column (it stopped
	// here on a prior run); only move, and only broadcast, when this is an
	// actual transition.
	if from := card.Column; from != column {
		if _, err := e.cards.Move(ctx, card.ID, column); err != nil {
			return nil, fmt.Errorf("workflow: moving card to %s: %w", column, err)
		}
		card.Column = column
		e.publishMoved(card, from, column)
	}

	prompt, err := e.buildPrompt(card, stage)
	if err != nil {
		return &Result{Success: false, Error: err.Error(), Stage: column}, nil
	}

	stageCtx := ctx
	var cancel context.CancelFunc
	if e.stageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		defer cancel()
	}

	exec := &models.Execution{
		ID:            uuid.NewString(),
		CardID:        card.ID,
		Command:       stage,
		WorkflowStage: column,
		Model:         card.ModelFor(stage),
	}
	if err := e.executions.Start(ctx, exec); err != nil {
		// A serialization clash with a concurrent starter gets one retry.
		if !errors.Is(err, models.ErrStoreConflict) {
			return nil, fmt.Errorf("workflow: starting execution: %w", err)
		}
		if err := e.executions.Start(ctx, exec); err != nil {
			return nil, fmt.Errorf("workflow: starting execution: %w", err)
		}
	}

	outcome := e.stream(stageCtx, exec, card, stage, prompt, workdir)

	if outcome.errMsg != "" {
		if err := e.executions.Complete(ctx, exec.ID, models.ExecutionError, outcome.errMsg, int64(outcome.usage.InputTokens), int64(outcome.usage.OutputTokens), 0); err != nil {
			return nil, fmt.Errorf("workflow: completing failed execution: %w", err)
		}
		return &Result{Success: false, Error: outcome.errMsg, Stage: column}, nil
	}

	if stage == models.StageTest {
		if failed, failureContext := scanForFailure(outcome.logs); failed {
			if err := e.executions.Complete(ctx, exec.ID, models.ExecutionError, "test failure detected", int64(outcome.usage.InputTokens), int64(outcome.usage.OutputTokens), 0); err != nil {
				return nil, fmt.Errorf("workflow: completing test execution: %w", err)
			}
			fixCard, err := e.createFixCard(ctx, card, failureContext)
			if err != nil {
				return nil, fmt.Errorf("workflow: creating fix card: %w", err)
			}
			return &Result{Success: false, Stage: column, Error: models.ErrTestFailure.Error(), FixCardCreated: true, FixCardID: fixCard.ID}, nil
		}
	}

	if err := e.executions.Complete(ctx, exec.ID, models.ExecutionSuccess, "", int64(outcome.usage.InputTokens), int64(outcome.usage.OutputTokens), 0); err != nil {
		return nil, fmt.Errorf("workflow: completing execution: %w", err)
	}

	if stage == models.StagePlan {
		if outcome.specPath == "" {
			return &Result{Success: false, Error: "plan stage finished without naming a spec file", Stage: column}, nil
		}
		if err := e.cards.SetSpecPath(ctx, card.ID, outcome.specPath); err != nil {
			return nil, fmt.Errorf("workflow: persisting spec path: %w", err)
		}
		card.SpecPath = outcome.specPath
		e.publishUpdated(card)
	}

	return &Result{Success: true, Stage: column, SpecPath: card.SpecPath}, nil
}

// buildPrompt renders the stage's command string.
func (e *Engine) buildPrompt(card *models.Card, stage models.StageCommand) (string, error) {
	if stage == models.StagePlan {
		return fmt.Sprintf("/plan %s: %s", card.Title, card.Description), nil
	}
	if card.SpecPath == "" {
		return "", models.ErrMissingSpec
	}
	return fmt.Sprintf("%s %s", stage, card.SpecPath), nil
}

// stageOutcome accumulates everything observed over one stage's agent
// stream.
type stageOutcome struct {
	logs     []models.ExecutionLog
	specPath string
	usage    agentadapter.Usage
	errMsg   string
}

// stream consumes the AgentAdapter's event stream for one stage, appending
// an ExecutionLog and publishing an execution_log_appended event per
// message, and extracting a spec path for the /plan stage as it goes.
func (e *Engine) stream(ctx context.Context, exec *models.Execution, card *models.Card, stage models.StageCommand, prompt, workdir string) stageOutcome {
	var out stageOutcome

	for event := range e.adapter.Run(ctx, prompt, workdir, card.ModelFor(stage), allowedTools) {
		logType, content := renderEvent(event)
		content = e.masker.Mask(content)

		log := &models.ExecutionLog{ID: uuid.NewString(), ExecutionID: exec.ID, Type: logType, Content: content}
		if err := e.executions.AppendLog(ctx, log); err != nil {
			out.errMsg = fmt.Sprintf("failed to append execution log: %v", err)
			return out
		}
		out.logs = append(out.logs, *log)
		e.bus.Publish(eventbus.Event{Type: eventbus.ExecutionLogAppended, CardID: card.ID, Log: log})

		if stage == models.StagePlan && out.specPath == "" {
			out.specPath = extractSpecPath(event)
		}

		switch event.Kind {
		case agentadapter.EventResult:
			out.usage = event.Usage
		case agentadapter.EventError:
			out.errMsg = event.Message
		}
	}

	return out
}

// renderEvent maps an agentadapter.Event to the ExecutionLog shape it is
// persisted as.
func renderEvent(event agentadapter.Event) (models.ExecutionLogType, string) {
	switch event.Kind {
	case agentadapter.EventText:
		return models.LogText, event.Text
	case agentadapter.EventToolUse:
		return models.LogTool, fmt.Sprintf("%s(%v)", event.ToolName, event.ToolInput)
	case agentadapter.EventResult:
		return models.LogResult, event.Result
	case agentadapter.EventError:
		return models.LogError, event.Message
	default:
		return models.LogInfo, ""
	}
}

// extractSpecPath prefers a file-writing tool-use's file_path, falling
// back to pattern-matching the streamed text.
func extractSpecPath(event agentadapter.Event) string {
	if event.Kind == agentadapter.EventToolUse && fileWritingTools[event.ToolName] {
		if path, ok := event.ToolFilePath(); ok && isSpecPath(path) {
			return path
		}
	}
	if event.Kind == agentadapter.EventText {
		if match := specPathPattern.FindString(event.Text); match != "" {
			return match
		}
	}
	return ""
}

func isSpecPath(path string) bool {
	return strings.HasPrefix(path, "specs/") && strings.HasSuffix(path, ".md")
}

// scanForFailure implements the test-failure heuristic: any ERROR log, or
// a failure marker in a TEXT/RESULT log, fails the stage. It returns the
// matching content as the fix-card's error context.
func scanForFailure(logs []models.ExecutionLog) (bool, string) {
	for _, l := range logs {
		if l.Type == models.LogError {
			return true, l.Content
		}
		if l.Type != models.LogText && l.Type != models.LogResult {
			continue
		}
		if nonZeroFailedPattern.MatchString(l.Content) {
			return true, l.Content
		}
		for _, marker := range failureMarkers {
			if strings.Contains(l.Content, marker) {
				return true, l.Content
			}
		}
	}
	return false, ""
}

// createFixCard spawns (or reuses) the parent's active fix-card, inheriting
// its model selection.
func (e *Engine) createFixCard(ctx context.Context, parent *models.Card, errorContext string) (*models.Card, error) {
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
		TestErrorContext: errorContext,
		BaseBranch:       parent.BaseBranch,
	}
	created, err := e.cards.CreateFixCard(ctx, fix)
	if err != nil {
		return nil, err
	}
	// An existing active fix-card was reused; only a fresh one is announced.
	if created.ID == fix.ID {
		e.bus.Publish(eventbus.Event{Type: eventbus.CardCreated, CardID: created.ID, Card: created})
	}
	return created, nil
}

func (e *Engine) publishMoved(card *models.Card, from, to models.Column) {
	e.bus.Publish(eventbus.Event{
		Type:       eventbus.CardMoved,
		CardID:     card.ID,
		Card:       card,
		FromColumn: string(from),
		ToColumn:   string(to),
	})
}

func (e *Engine) publishUpdated(card *models.Card) {
	e.bus.Publish(eventbus.Event{Type: eventbus.CardUpdated, CardID: card.ID, Card: card})
}

// Package models holds the durable domain entities shared across the
// orchestrator: goals, cards, executions, their logs, and the loop's own
// action trace.
package models

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

const (
	GoalPending   GoalStatus = "PENDING"
	GoalActive    GoalStatus = "ACTIVE"
	GoalCompleted GoalStatus = "COMPLETED"
	GoalFailed    GoalStatus = "FAILED"
)

// IsTerminal reports whether the goal status never changes again.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalCompleted || s == GoalFailed
}

// Column is a Card's position in the SDLC board.
type Column string

const (
	ColumnBacklog   Column = "backlog"
	ColumnPlan      Column = "plan"
	ColumnImplement Column = "implement"
	ColumnTest      Column = "test"
	ColumnReview    Column = "review"
	ColumnDone      Column = "done"
	ColumnCompleted Column = "completed"
	ColumnArchived  Column = "archived"
	ColumnCancelled Column = "cancelled"
)

// columnGraph is the directed adjacency list of legal column transitions.
// Any column can move to cancelled; done can move to archived or completed
// and archived can move back to done.
var columnGraph = map[Column][]Column{
	ColumnBacklog:   {ColumnPlan, ColumnCancelled},
	ColumnPlan:      {ColumnImplement, ColumnCancelled},
	ColumnImplement: {ColumnTest, ColumnCancelled},
	ColumnTest:      {ColumnReview, ColumnCancelled},
	ColumnReview:    {ColumnDone, ColumnCancelled},
	ColumnDone:      {ColumnCompleted, ColumnArchived, ColumnCancelled},
	ColumnArchived:  {ColumnDone, ColumnCancelled},
	ColumnCompleted: {},
	ColumnCancelled: {},
}

// CanTransition reports whether moving from one column to another is a legal
// edge of the SDLC graph.
func CanTransition(from, to Column) bool {
	for _, candidate := range columnGraph[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the legal destinations from a column, used to
// build the "Allowed: [...]" detail of InvalidTransition errors.
func AllowedTransitions(from Column) []Column {
	return columnGraph[from]
}

// IsTerminal reports whether a column is a dead end for the workflow engine.
func (c Column) IsTerminal() bool {
	return c == ColumnDone || c == ColumnCompleted || c == ColumnArchived || c == ColumnCancelled
}

// IsExecutable reports whether the workflow engine still has stages to run
// for a card sitting in this column.
func (c Column) IsExecutable() bool {
	switch c {
	case ColumnBacklog, ColumnPlan, ColumnImplement, ColumnTest, ColumnReview:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the terminal/non-terminal state of an Execution.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionError   ExecutionStatus = "ERROR"
)

// StageCommand is one of the four slash-commands the WorkflowEngine drives.
type StageCommand string

const (
	StagePlan      StageCommand = "/plan"
	StageImplement StageCommand = "/implement"
	StageTest      StageCommand = "/test-implementation"
	StageReview    StageCommand = "/review"
)

// stageOrder is the fixed SDLC sequence; Column() maps a stage to the column
// a card occupies while that stage runs.
var stageOrder = []StageCommand{StagePlan, StageImplement, StageTest, StageReview}

// Column returns the board column a card sits in while this stage runs.
func (s StageCommand) Column() Column {
	switch s {
	case StagePlan:
		return ColumnPlan
	case StageImplement:
		return ColumnImplement
	case StageTest:
		return ColumnTest
	case StageReview:
		return ColumnReview
	default:
		return ""
	}
}

// StagesFrom returns the remaining stages to execute starting at column.
func StagesFrom(column Column) []StageCommand {
	startIdx := 0
	switch column {
	case ColumnBacklog, ColumnPlan:
		startIdx = 0
	case ColumnImplement:
		startIdx = 1
	case ColumnTest:
		startIdx = 2
	case ColumnReview:
		startIdx = 3
	default:
		return nil
	}
	return append([]StageCommand(nil), stageOrder[startIdx:]...)
}

// ExecutionLogType classifies one streamed entry.
type ExecutionLogType string

const (
	LogInfo   ExecutionLogType = "INFO"
	LogText   ExecutionLogType = "TEXT"
	LogTool   ExecutionLogType = "TOOL"
	LogResult ExecutionLogType = "RESULT"
	LogError  ExecutionLogType = "ERROR"
)

// LearningOutcome classifies how a goal ended, stored alongside the
// Learning's embedding vector.
type LearningOutcome string

const (
	OutcomeSuccess LearningOutcome = "success"
	OutcomePartial LearningOutcome = "partial"
	OutcomeFailed  LearningOutcome = "failed"
)

package models

import "time"

// Execution is one invocation of a stage on a card.
type Execution struct {
	ID            string          `json:"id"`
	CardID        string          `json:"cardId"`
	Command       StageCommand    `json:"command"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	WorkflowStage Column          `json:"workflowStage"`
	WorkflowError string          `json:"workflowError,omitempty"`

	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	Cost         float64 `json:"cost"`
	Model        string  `json:"model"`

	IsActive bool            `json:"isActive"`
	Logs     []ExecutionLog  `json:"logs,omitempty"`
}

// ExecutionLog is one typed, ordered entry within an Execution's stream.
type ExecutionLog struct {
	ID        string           `json:"id"`
	ExecutionID string         `json:"executionId"`
	Sequence  int              `json:"sequence"`
	Type      ExecutionLogType `json:"type"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
}

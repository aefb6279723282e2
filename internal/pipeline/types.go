package pipeline

import (
	"time"

	"github.com/lucasnoah/stageflow/internal/stage"
)

// WorkflowStatus is the overall state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPaused    WorkflowStatus = "paused"
)

// Resumable reports whether a workflow in this status may be resumed.
func (s WorkflowStatus) Resumable() bool {
	return s == WorkflowFailed || s == WorkflowPaused
}

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowPaused:
		return true
	}
	return false
}

// StageExecution is the persisted record of one stage within a workflow.
// Only the state machine methods on WorkflowExecution mutate it.
type StageExecution struct {
	Name        string        `json:"name"`
	Status      stage.Status  `json:"status"`
	StartedAt   *time.Time    `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at"`
	Attempts    int           `json:"attempts"`
	Error       string        `json:"error,omitempty"`
	Result      *stage.Result `json:"result,omitempty"`
}

// WorkflowExecution is the top-level persisted state of one workflow run.
type WorkflowExecution struct {
	WorkflowName      string            `json:"workflow_name"`
	WorkflowID        string            `json:"workflow_id"`
	Issue             string            `json:"issue"`
	Stages            []StageExecution  `json:"stages"`
	CurrentStageIndex int               `json:"current_stage_index"`
	Status            WorkflowStatus    `json:"status"`
	StartedAt         *time.Time        `json:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at"`
	Error             string            `json:"error,omitempty"`
	Metadata          map[string]string `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

package events

import (
	"encoding/json"
	"math"
	"time"

	"github.com/lucasnoah/stageflow/internal/pipeline"
)

// EventType names a lifecycle transition.
type EventType string

const (
	StageStarted      EventType = "stage_started"
	StageCompleted    EventType = "stage_completed"
	StageFailed       EventType = "stage_failed"
	StageSkipped      EventType = "stage_skipped"
	WorkflowStarted   EventType = "workflow_started"
	WorkflowCompleted EventType = "workflow_completed"
	WorkflowFailed    EventType = "workflow_failed"
)

// Payload is the flat snapshot delivered to handlers and sent over the
// live-status channel. It is built once per emit and never mutated by the
// bus.
type Payload struct {
	EventType       EventType         `json:"event_type"`
	WorkflowName    string            `json:"workflow_name"`
	WorkflowID      string            `json:"workflow_id"`
	StageName       string            `json:"stage_name,omitempty"`
	PreviousStage   string            `json:"previous_stage,omitempty"`
	NextStage       string            `json:"next_stage,omitempty"`
	Message         string            `json:"message"`
	Timestamp       time.Time         `json:"timestamp"`
	DurationMs      *int64            `json:"duration_ms,omitempty"`
	Error           string            `json:"error,omitempty"`
	SkipReason      string            `json:"skip_reason,omitempty"`
	StageIndex      int               `json:"stage_index"`
	TotalStages     int               `json:"total_stages"`
	CompletedStages []string          `json:"completed_stages"`
	PendingStages   []string          `json:"pending_stages"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewPayload snapshots wf for an event about stageName. Workflow-level
// events pass an empty stageName and take the current stage index.
func NewPayload(wf *pipeline.WorkflowExecution, t EventType, stageName, message string) Payload {
	idx := wf.StageIndex(stageName)
	if idx < 0 {
		idx = wf.CurrentStageIndex
	}
	p := Payload{
		EventType:       t,
		WorkflowName:    wf.WorkflowName,
		WorkflowID:      wf.WorkflowID,
		StageName:       stageName,
		Message:         message,
		Timestamp:       time.Now().UTC().Truncate(time.Millisecond),
		StageIndex:      idx,
		TotalStages:     len(wf.Stages),
		CompletedStages: wf.CompletedStages(),
		PendingStages:   wf.PendingStages(),
	}
	if idx > 0 && idx-1 < len(wf.Stages) {
		p.PreviousStage = wf.Stages[idx-1].Name
	}
	if idx+1 < len(wf.Stages) {
		p.NextStage = wf.Stages[idx+1].Name
	}
	if len(wf.Metadata) > 0 {
		p.Metadata = make(map[string]string, len(wf.Metadata))
		for k, v := range wf.Metadata {
			p.Metadata[k] = v
		}
	}
	return p
}

// ProgressPercent is the share of the pipeline finished at this event.
// Completion and skip events count their own stage as done. Halves round
// to even.
func (p Payload) ProgressPercent() int {
	if p.TotalStages <= 0 {
		return 0
	}
	done := p.StageIndex
	if p.EventType == StageCompleted || p.EventType == StageSkipped {
		done++
	}
	return int(math.RoundToEven(100 * float64(done) / float64(p.TotalStages)))
}

// MarshalJSON adds the derived progress_percent and writes the timestamp
// in UTC with a trailing Z.
func (p Payload) MarshalJSON() ([]byte, error) {
	type alias Payload
	return json.Marshal(struct {
		alias
		Timestamp       string `json:"timestamp"`
		ProgressPercent int    `json:"progress_percent"`
	}{
		alias:           alias(p),
		Timestamp:       p.Timestamp.UTC().Format(time.RFC3339Nano),
		ProgressPercent: p.ProgressPercent(),
	})
}

package pipeline

import (
	"fmt"
	"regexp"
	"time"

	"github.com/lucasnoah/stageflow/internal/stage"
)

// now is the clock used for all state timestamps. Millisecond precision
// keeps values stable across the JSON round trip.
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ValidateID rejects workflow ids that are unsafe as directory names.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("invalid workflow id %q", id)
	}
	return nil
}

// NewWorkflow returns a pending workflow with one pending StageExecution per
// stage name, in order.
func NewWorkflow(name, id, issue string, stageNames []string) *WorkflowExecution {
	ts := now()
	stages := make([]StageExecution, len(stageNames))
	for i, n := range stageNames {
		stages[i] = StageExecution{Name: n, Status: stage.StatusPending}
	}
	return &WorkflowExecution{
		WorkflowName: name,
		WorkflowID:   id,
		Issue:        issue,
		Stages:       stages,
		Status:       WorkflowPending,
		Metadata:     map[string]string{},
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

// normalize fills defaults for fields an older or hand-edited document may
// lack.
func (w *WorkflowExecution) normalize() {
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	if w.Status == "" {
		w.Status = WorkflowPending
	}
	if w.Stages == nil {
		w.Stages = []StageExecution{}
	}
	for i := range w.Stages {
		if w.Stages[i].Status == "" {
			w.Stages[i].Status = stage.StatusPending
		}
	}
	if w.CurrentStageIndex < 0 {
		w.CurrentStageIndex = 0
	}
	if w.CurrentStageIndex > len(w.Stages) {
		w.CurrentStageIndex = len(w.Stages)
	}
}

// Stage returns the execution record for name, or nil.
func (w *WorkflowExecution) Stage(name string) *StageExecution {
	for i := range w.Stages {
		if w.Stages[i].Name == name {
			return &w.Stages[i]
		}
	}
	return nil
}

// StageIndex returns the position of name in the pipeline, or -1.
func (w *WorkflowExecution) StageIndex(name string) int {
	for i := range w.Stages {
		if w.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// StageNames lists every stage in pipeline order.
func (w *WorkflowExecution) StageNames() []string {
	names := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		names[i] = s.Name
	}
	return names
}

// MarkStageStarted moves name to running, stamps its start time and counts
// the attempt. A previous attempt's error is cleared. Unknown names are
// ignored.
func (w *WorkflowExecution) MarkStageStarted(name string) {
	se := w.Stage(name)
	if se == nil {
		return
	}
	ts := now()
	se.Status = stage.StatusRunning
	se.StartedAt = &ts
	se.CompletedAt = nil
	se.Error = ""
	se.Attempts++
	w.UpdatedAt = ts
}

// MarkStageCompleted records res as the outcome of name. The stage takes
// the result's status, and its error when the result carries one.
func (w *WorkflowExecution) MarkStageCompleted(name string, res stage.Result) {
	se := w.Stage(name)
	if se == nil {
		return
	}
	ts := now()
	se.Status = res.Status
	se.CompletedAt = &ts
	r := res
	se.Result = &r
	if res.Error != "" {
		se.Error = res.Error
	}
	w.UpdatedAt = ts
}

// CurrentStage returns the stage at CurrentStageIndex, or nil once the
// index has run past the end.
func (w *WorkflowExecution) CurrentStage() *StageExecution {
	if w.CurrentStageIndex < 0 || w.CurrentStageIndex >= len(w.Stages) {
		return nil
	}
	return &w.Stages[w.CurrentStageIndex]
}

// CompletedStages lists stages whose status is completed.
func (w *WorkflowExecution) CompletedStages() []string {
	return w.stagesWith(stage.StatusCompleted)
}

// PendingStages lists stages that have not started.
func (w *WorkflowExecution) PendingStages() []string {
	return w.stagesWith(stage.StatusPending)
}

func (w *WorkflowExecution) stagesWith(status stage.Status) []string {
	out := []string{}
	for _, s := range w.Stages {
		if s.Status == status {
			out = append(out, s.Name)
		}
	}
	return out
}

// IsSatisfied reports whether name finished in a state downstream stages
// may depend on.
func (w *WorkflowExecution) IsSatisfied(name string) bool {
	se := w.Stage(name)
	return se != nil && se.Status.Satisfied()
}

// IsResumable reports whether the workflow is failed or paused.
func (w *WorkflowExecution) IsResumable() bool {
	return w.Status.Resumable()
}

// Start marks the workflow running, stamping StartedAt on the first call.
func (w *WorkflowExecution) Start() {
	ts := now()
	w.Status = WorkflowRunning
	if w.StartedAt == nil {
		w.StartedAt = &ts
	}
	w.UpdatedAt = ts
}

// Advance moves to the next stage. It reports whether a stage remains.
func (w *WorkflowExecution) Advance() bool {
	if w.CurrentStageIndex < len(w.Stages) {
		w.CurrentStageIndex++
	}
	w.UpdatedAt = now()
	return w.CurrentStageIndex < len(w.Stages)
}

// Complete marks the workflow finished.
func (w *WorkflowExecution) Complete() {
	ts := now()
	w.Status = WorkflowCompleted
	w.CurrentStageIndex = len(w.Stages)
	w.CompletedAt = &ts
	w.Error = ""
	w.UpdatedAt = ts
}

// Fail marks the workflow failed with reason.
func (w *WorkflowExecution) Fail(reason string) {
	ts := now()
	w.Status = WorkflowFailed
	w.Error = stage.Truncate(reason, stage.MaxErrorBytes)
	w.CompletedAt = &ts
	w.UpdatedAt = ts
}

// Pause marks the workflow paused. The current stage keeps its state so a
// resume re-enters it.
func (w *WorkflowExecution) Pause(reason string) {
	w.Status = WorkflowPaused
	w.Error = reason
	w.UpdatedAt = now()
}

// Resume moves a failed or paused workflow back to running at
// CurrentStageIndex.
func (w *WorkflowExecution) Resume() error {
	if !w.IsResumable() {
		return fmt.Errorf("workflow %s is %s, not resumable", w.WorkflowID, w.Status)
	}
	w.Status = WorkflowRunning
	w.Error = ""
	w.CompletedAt = nil
	w.UpdatedAt = now()
	return nil
}

// Meta returns a metadata value.
func (w *WorkflowExecution) Meta(key string) string {
	return w.Metadata[key]
}

// SetMeta sets a metadata value.
func (w *WorkflowExecution) SetMeta(key, value string) {
	if w.Metadata == nil {
		w.Metadata = map[string]string{}
	}
	w.Metadata[key] = value
}

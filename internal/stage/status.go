package stage

// Status is the lifecycle state of one stage within a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether s is one of completed, failed or skipped.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Satisfied reports whether a stage in this state unblocks its dependents.
func (s Status) Satisfied() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

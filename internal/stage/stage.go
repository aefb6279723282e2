package stage

import (
	"context"
	"time"
	"unicode/utf8"
)

// Stage is one named, pluggable step of a workflow. Implementations hold no
// mutable state; everything a run needs arrives through the Context.
type Stage interface {
	Name() string
	DisplayName() string
	// Dependencies lists stage names that must be completed or skipped
	// before this stage may run. Empty means "whatever precedes it".
	Dependencies() []string
	Preconditions(sc *Context) (bool, string)
	ShouldSkip(sc *Context) (bool, string)
	Execute(ctx context.Context, sc *Context) Result
	OnFailure(sc *Context, err error)
	Cleanup(sc *Context)
}

// Base provides the default behaviour for the optional parts of Stage.
// Concrete stages embed it and override what they need.
type Base struct{}

func (Base) Dependencies() []string { return nil }
func (Base) Preconditions(*Context) (bool, string) { return true, "" }
func (Base) ShouldSkip(*Context) (bool, string) { return false, "" }
func (Base) OnFailure(*Context, error) {}
func (Base) Cleanup(*Context) {}

// Result is the output of one Execute call.
type Result struct {
	Status     Status            `json:"status"`
	Message    string            `json:"message"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs *int64            `json:"duration_ms,omitempty"`
}

// Completed returns a successful result.
func Completed(message string) Result {
	return Result{Status: StatusCompleted, Message: message}
}

// Failed returns a failed result carrying errText (truncated for storage).
func Failed(message, errText string) Result {
	return Result{Status: StatusFailed, Message: message, Error: Truncate(errText, MaxErrorBytes)}
}

// Skipped returns a result for a stage that deliberately did not run.
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Message: reason}
}

// WithArtifacts returns a copy of r with the given artifacts merged in.
func (r Result) WithArtifacts(artifacts map[string]string) Result {
	merged := make(map[string]string, len(r.Artifacts)+len(artifacts))
	for k, v := range r.Artifacts {
		merged[k] = v
	}
	for k, v := range artifacts {
		merged[k] = v
	}
	r.Artifacts = merged
	return r
}

// WithDuration returns a copy of r with DurationMs set to d.
func (r Result) WithDuration(d time.Duration) Result {
	ms := d.Milliseconds()
	r.DurationMs = &ms
	return r
}

// MaxErrorBytes bounds error text persisted in workflow state.
const MaxErrorBytes = 2000

// Truncate shortens s to at most n bytes, keeping the tail where failures
// usually report their cause.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const marker = "...[truncated]...\n"
	if n <= len(marker) {
		return s[len(s)-n:]
	}
	start := len(s) - (n - len(marker))
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return marker + s[start:]
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned for missing or unreadable workflows.
	ErrNotFound = errors.New("workflow not found")
	// ErrExists is returned when creating a workflow id that is taken.
	ErrExists = errors.New("workflow already exists")
)

// Backend persists workflow executions. Implementations must make each
// Save atomic: a reader sees either the previous or the new document.
type Backend interface {
	Create(ctx context.Context, wf *WorkflowExecution) error
	Get(ctx context.Context, id string) (*WorkflowExecution, error)
	Save(ctx context.Context, wf *WorkflowExecution) error
	List(ctx context.Context, status WorkflowStatus) ([]WorkflowExecution, error)
	Delete(ctx context.Context, id string) error
}

// FindByIssue returns workflows for issue, newest first.
func FindByIssue(ctx context.Context, b Backend, issue string) ([]WorkflowExecution, error) {
	all, err := b.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []WorkflowExecution
	for _, wf := range all {
		if wf.Issue == issue {
			out = append(out, wf)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Store keeps one JSON document per workflow on disk at
// <base>/<id>/workflow.json. The workflow directory also holds operator
// control files.
type Store struct {
	baseDir string // defaults to ~/.stageflow/workflows
	mu      sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Dir returns the directory holding a workflow's state and control files.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.Dir(id), "workflow.json")
}

// Create writes a new workflow, failing with ErrExists if the id is taken.
func (s *Store) Create(_ context.Context, wf *WorkflowExecution) error {
	if err := ValidateID(wf.WorkflowID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.statePath(wf.WorkflowID)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, wf.WorkflowID)
	}
	if err := writeDocument(s.statePath(wf.WorkflowID), wf); err != nil {
		return fmt.Errorf("write workflow.json: %w", err)
	}
	return nil
}

// Get loads a workflow. Missing and corrupt documents both report
// ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (*WorkflowExecution, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var wf WorkflowExecution
	if err := readDocument(s.statePath(id), &wf); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	if wf.WorkflowID == "" {
		wf.WorkflowID = id
	}
	wf.normalize()
	return &wf, nil
}

// Save atomically replaces the stored document, stamping UpdatedAt.
func (s *Store) Save(_ context.Context, wf *WorkflowExecution) error {
	if err := ValidateID(wf.WorkflowID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf.UpdatedAt = now()
	if err := writeDocument(s.statePath(wf.WorkflowID), wf); err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

// List returns all readable workflows, optionally filtered by status, in
// creation order. Pass "" to return every workflow.
func (s *Store) List(ctx context.Context, status WorkflowStatus) ([]WorkflowExecution, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var out []WorkflowExecution
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wf, err := s.Get(ctx, entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if status == "" || wf.Status == status {
			out = append(out, *wf)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes all data for a workflow.
func (s *Store) Delete(_ context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}

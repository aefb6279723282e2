package worktree

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager handles git worktree operations.
type Manager struct {
	git        GitRunner
	baseDir    string // where worktrees are created (repo-root/trees/)
	repoDir    string // git repo root
	baseBranch string
}

// NewManager creates a worktree manager branching from origin/main.
func NewManager(git GitRunner, repoDir string, baseDir string) *Manager {
	return &Manager{git: git, repoDir: repoDir, baseDir: baseDir, baseBranch: "main"}
}

// WithBaseBranch returns a copy of m that branches new worktrees from
// origin/<branch>.
func (m *Manager) WithBaseBranch(branch string) *Manager {
	c := *m
	if branch != "" {
		c.baseBranch = branch
	}
	return &c
}

// BaseDir returns the directory new worktrees are created under.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Git returns the runner used by the manager.
func (m *Manager) Git() GitRunner {
	return m.git
}

// CreateOpts holds options for creating a worktree.
type CreateOpts struct {
	WorkflowID string
	Issue      string
	Branch     string // override auto-generated branch name
	DirName    string // override the directory name (defaults to WorkflowID)
}

// CreateResult holds the result of creating a worktree.
type CreateResult struct {
	Path   string
	Branch string
}

// Create creates a new git worktree for a workflow.
func (m *Manager) Create(opts CreateOpts) (*CreateResult, error) {
	if !validID.MatchString(opts.WorkflowID) {
		return nil, fmt.Errorf("invalid workflow id %q", opts.WorkflowID)
	}

	branch := opts.Branch
	if branch == "" {
		branch = DefaultBranch(opts.Issue, opts.WorkflowID)
	}
	branch = sanitizeBranch(branch)

	dirName := opts.DirName
	if dirName == "" {
		dirName = opts.WorkflowID
	}
	worktreePath := filepath.Join(m.baseDir, dirName)

	// Best-effort fetch to ensure we branch from an up-to-date base
	m.git.Run(m.repoDir, "fetch", "origin", m.baseBranch)

	// Branch explicitly from origin/<base>, not the local HEAD (which may lag
	// behind if the local branch hasn't been fast-forwarded).
	_, err := m.git.Run(m.repoDir, "worktree", "add", worktreePath, "-b", branch, "origin/"+m.baseBranch)
	if err != nil {
		// If branch already exists, try without -b
		if strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), worktreePath) {
			_, err = m.git.Run(m.repoDir, "worktree", "add", worktreePath, branch)
			if err != nil {
				return nil, fmt.Errorf("create worktree: %w", err)
			}
		} else {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	}

	return &CreateResult{
		Path:   worktreePath,
		Branch: branch,
	}, nil
}

// RemoveOpts controls worktree removal.
type RemoveOpts struct {
	DeleteBranch bool
	// Force discards uncommitted work in the worktree.
	Force bool
}

// Remove removes the git worktree at path and optionally deletes its branch.
func (m *Manager) Remove(path string, opts RemoveOpts) error {
	if path == "" {
		return fmt.Errorf("worktree path is required")
	}

	// Get the branch name before removing
	var branch string
	if opts.DeleteBranch {
		out, err := m.git.Run(path, "rev-parse", "--abbrev-ref", "HEAD")
		if err == nil {
			branch = out
		}
	}

	args := []string{"worktree", "remove", path}
	if opts.Force {
		args = append(args, "--force")
	}
	if _, err := m.git.Run(m.repoDir, args...); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}

	if opts.DeleteBranch && branch != "" && branch != "main" && branch != "master" && branch != m.baseBranch {
		if _, err := m.git.Run(m.repoDir, "branch", "-D", branch); err != nil {
			return fmt.Errorf("delete branch %q: %w", branch, err)
		}
	}

	return nil
}

// Path returns the default worktree path for a workflow.
func (m *Manager) Path(workflowID string) string {
	return filepath.Join(m.baseDir, workflowID)
}

// DefaultBranch returns the branch name used when none is given.
func DefaultBranch(issue, workflowID string) string {
	if issue == "" {
		return sanitizeBranch("stageflow/" + workflowID)
	}
	return sanitizeBranch(fmt.Sprintf("feature/issue-%s-%s", issue, workflowID))
}

var (
	nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)
	validID     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)
)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/stageflow/internal/worktree"
)

// NoTestsCollectedExitCode is the exit status pytest-style runners use when
// nothing was collected. The test stage treats it as success.
const NoTestsCollectedExitCode = 5

// Tools are the collaborators built-in stages call out to.
type Tools struct {
	Runner CommandRunner
	Git    worktree.GitRunner
}

func (t Tools) withDefaults() Tools {
	if t.Runner == nil {
		t.Runner = &ExecRunner{}
	}
	if t.Git == nil {
		t.Git = &worktree.ExecGit{}
	}
	return t
}

// Builtins returns factories for plan, build, test, review, document and
// merge, in pipeline order.
func Builtins(tools Tools) []Factory {
	t := tools.withDefaults()
	return []Factory{
		func() Stage { return &Plan{agent: newAgent("plan", "Plan", nil, t)} },
		func() Stage { return &Build{agent: newAgent("build", "Build", []string{"plan"}, t)} },
		func() Stage { return &Test{agent: newAgent("test", "Test", []string{"build"}, t)} },
		func() Stage { return &Review{agent: newAgent("review", "Review", []string{"build"}, t)} },
		func() Stage { return &Document{agent: newAgent("document", "Document", []string{"build"}, t)} },
		func() Stage { return &Merge{agent: newAgent("merge", "Merge", []string{"build"}, t)} },
	}
}

// agent is the shared shape of the built-in stages: each one shells out to
// an external command as `<command> <issue> <workflow-id> [options]`.
type agent struct {
	Base
	name    string
	display string
	deps    []string
	tools   Tools
}

func newAgent(name, display string, deps []string, tools Tools) agent {
	return agent{name: name, display: display, deps: deps, tools: tools}
}

func (a agent) Name() string           { return a.name }
func (a agent) DisplayName() string    { return a.display }
func (a agent) Dependencies() []string { return append([]string(nil), a.deps...) }

// command builds the invocation for sc. The executable defaults to
// adw_<stage> and may be replaced with the "command" option.
func (a agent) command(sc *Context, extra ...string) Command {
	fields := strings.Fields(sc.Options.String("command", ""))
	if len(fields) == 0 {
		fields = []string{"adw_" + a.name}
	}
	args := append([]string(nil), fields[1:]...)
	args = append(args, sc.Issue, sc.WorkflowID)
	if model := sc.Options.String("model", ""); model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, extra...)
	return Command{Name: fields[0], Args: args, Dir: sc.Workdir, Env: sc.Environ()}
}

func (a agent) run(ctx context.Context, sc *Context, inv Invocation) Result {
	log := sc.Log(a.name)
	if raw := sc.Options.String("timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Failed(fmt.Sprintf("%s: invalid timeout %q", a.name, raw), err.Error())
		}
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeoutCause(ctx, d, fmt.Errorf("stage %s timed out after %s", a.name, d))
			defer cancel()
		}
	}
	log.WithField("command", inv.Command.String()).Info("invoking stage command")
	sc.Notify().Progress(a.name, fmt.Sprintf("%s started", a.display))

	res := Invoke(ctx, a.tools.Runner, a.name, inv)
	if res.Status == StatusCompleted {
		sc.Notify().Complete(a.name, res.Message)
	} else {
		sc.Notify().Error(a.name, fmt.Errorf("%s", res.Message))
		log.WithField("error", res.Error).Warn(res.Message)
	}
	return res
}

func (a agent) OnFailure(sc *Context, err error) {
	sc.Log(a.name).WithError(err).Error("stage failed")
}

// Plan asks the agent for an implementation plan and records the plan file.
type Plan struct{ agent }

func (p *Plan) Preconditions(sc *Context) (bool, string) {
	if strings.TrimSpace(sc.Issue) == "" {
		return false, "no issue identifier for planning"
	}
	return true, ""
}

func (p *Plan) Execute(ctx context.Context, sc *Context) Result {
	res := p.run(ctx, sc, Invocation{Command: p.command(sc)})
	if res.Status != StatusCompleted {
		return res
	}
	planFile := findPlanFile(sc.Workdir, sc.WorkflowID)
	if planFile == "" {
		return res
	}
	if sc.State != nil {
		sc.State.Set(KeyPlanFile, planFile)
		if err := sc.State.Save(); err != nil {
			sc.Log(p.name).WithError(err).Warn("could not persist plan file")
		}
	}
	return res.WithArtifacts(map[string]string{KeyPlanFile: planFile})
}

// findPlanFile returns the first specs/*<id>*.md under workdir, relative to it.
func findPlanFile(workdir, workflowID string) string {
	if workdir == "" || workflowID == "" {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(workdir, "specs", "*"+workflowID+"*.md"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	rel, err := filepath.Rel(workdir, matches[0])
	if err != nil {
		return matches[0]
	}
	return rel
}

// Build implements the recorded plan.
type Build struct{ agent }

func (b *Build) Preconditions(sc *Context) (bool, string) {
	planFile := sc.StateValue(KeyPlanFile)
	if planFile == "" {
		planFile = sc.Options.String(KeyPlanFile, "")
	}
	if planFile == "" {
		return false, "no plan file recorded; run plan first"
	}
	if sc.Workdir != "" && !filepath.IsAbs(planFile) {
		if _, err := os.Stat(filepath.Join(sc.Workdir, planFile)); err != nil {
			return false, fmt.Sprintf("plan file %s not found in working directory", planFile)
		}
	}
	return true, ""
}

func (b *Build) Execute(ctx context.Context, sc *Context) Result {
	return b.run(ctx, sc, Invocation{Command: b.command(sc)})
}

// Test runs the project's test suite through the agent.
type Test struct{ agent }

func (t *Test) ShouldSkip(sc *Context) (bool, string) {
	if sc.Options.Bool("force") {
		return false, ""
	}
	if !HasTestFiles(sc.Workdir) {
		return true, "no test files found in working tree"
	}
	return false, ""
}

func (t *Test) Execute(ctx context.Context, sc *Context) Result {
	var extra []string
	if sc.Options.Bool("skip_e2e") {
		extra = append(extra, "--skip-e2e")
	}
	codes := append([]int{NoTestsCollectedExitCode}, sc.Options.Ints("success_codes")...)
	return t.run(ctx, sc, Invocation{Command: t.command(sc, extra...), SuccessCodes: codes})
}

// Review checks the change against its plan; low-risk changes skip it.
type Review struct{ agent }

func (r *Review) ShouldSkip(sc *Context) (bool, string) {
	class := sc.Options.String(KeyIssueClass, sc.StateValue(KeyIssueClass))
	category := ClassifyChange(class, sc.StateValue(KeyBranch))
	if category.LowRisk() {
		return true, fmt.Sprintf("change classified as %s", category)
	}
	return false, ""
}

func (r *Review) Execute(ctx context.Context, sc *Context) Result {
	var extra []string
	if sc.Options.Bool("skip_resolution") {
		extra = append(extra, "--skip-resolution")
	}
	return r.run(ctx, sc, Invocation{Command: r.command(sc, extra...)})
}

// Document writes docs for the change; skipped when nothing changed.
type Document struct{ agent }

func (d *Document) baseRef(sc *Context) string {
	base := sc.Options.String(KeyBaseBranch, sc.StateValue(KeyBaseBranch))
	if base == "" {
		base = "main"
	}
	if !strings.Contains(base, "/") {
		base = "origin/" + base
	}
	return base
}

func (d *Document) ShouldSkip(sc *Context) (bool, string) {
	if sc.Workdir == "" {
		return false, ""
	}
	base := d.baseRef(sc)
	stat, err := worktree.DiffStat(d.tools.Git, sc.Workdir, base)
	if err != nil {
		sc.Log(d.name).WithError(err).Warn("could not diff against base; documenting anyway")
		return false, ""
	}
	if strings.TrimSpace(stat) == "" {
		return true, fmt.Sprintf("no changes against %s", base)
	}
	return false, ""
}

func (d *Document) Execute(ctx context.Context, sc *Context) Result {
	return d.run(ctx, sc, Invocation{Command: d.command(sc)})
}

// Merge lands the branch.
type Merge struct{ agent }

func (m *Merge) Preconditions(sc *Context) (bool, string) {
	if sc.Workdir == "" {
		return false, "no working directory leased"
	}
	if _, err := os.Stat(sc.Workdir); err != nil {
		return false, fmt.Sprintf("working directory %s missing", sc.Workdir)
	}
	return true, ""
}

func (m *Merge) Execute(ctx context.Context, sc *Context) Result {
	return m.run(ctx, sc, Invocation{Command: m.command(sc)})
}

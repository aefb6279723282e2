package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type memState struct {
	values map[string]string
	saves  int
}

func (m *memState) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *memState) Set(key, value string) {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
}

func (m *memState) Save() error {
	m.saves++
	return nil
}

func builtin(t *testing.T, name string, tools Tools) Stage {
	t.Helper()
	r := NewRegistry(nil)
	if err := r.Discover(Builtins(tools)...); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	s, ok := r.Create(name)
	if !ok {
		t.Fatalf("stage %q not registered", name)
	}
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuiltins_Dependencies(t *testing.T) {
	tools := Tools{Runner: &fakeRunner{}, Git: &fakeGit{}}
	if deps := builtin(t, "plan", tools).Dependencies(); len(deps) != 0 {
		t.Errorf("plan deps = %v, want none", deps)
	}
	for _, name := range []string{"build", "test", "review", "document", "merge"} {
		if len(builtin(t, name, tools).Dependencies()) == 0 {
			t.Errorf("%s should declare an upstream dependency", name)
		}
	}
}

func TestAgentCommand_ArgumentOrder(t *testing.T) {
	runner := &fakeRunner{}
	s := builtin(t, "build", Tools{Runner: runner, Git: &fakeGit{}})
	sc := &Context{
		WorkflowID: "wf1",
		Issue:      "42",
		Workdir:    "/trees/wf1",
		Options:    Options{"model": "opus"},
		Env:        map[string]string{"STAGEFLOW_STATUS_PORT": "9100"},
	}

	res := s.Execute(context.Background(), sc)
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q", res.Status)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 command, got %d", len(runner.calls))
	}
	c := runner.calls[0]
	if c.Name != "adw_build" {
		t.Errorf("Name = %q, want adw_build", c.Name)
	}
	if got := strings.Join(c.Args, " "); got != "42 wf1 --model opus" {
		t.Errorf("Args = %q", got)
	}
	if c.Dir != "/trees/wf1" {
		t.Errorf("Dir = %q", c.Dir)
	}
	if len(c.Env) != 1 || c.Env[0] != "STAGEFLOW_STATUS_PORT=9100" {
		t.Errorf("Env = %v", c.Env)
	}
}

func TestAgentCommand_Override(t *testing.T) {
	runner := &fakeRunner{}
	s := builtin(t, "review", Tools{Runner: runner, Git: &fakeGit{}})
	sc := &Context{WorkflowID: "wf1", Issue: "7", Options: Options{"command": "uv run review.py", "skip_resolution": true}}
	s.Execute(context.Background(), sc)

	c := runner.calls[0]
	if c.Name != "uv" {
		t.Errorf("Name = %q, want uv", c.Name)
	}
	if got := strings.Join(c.Args, " "); got != "run review.py 7 wf1 --skip-resolution" {
		t.Errorf("Args = %q", got)
	}
}

type deadlineRunner struct {
	deadline time.Time
	ok       bool
}

func (d *deadlineRunner) Run(ctx context.Context, _ Command) (CommandOutput, error) {
	d.deadline, d.ok = ctx.Deadline()
	return CommandOutput{}, nil
}

func TestAgent_TimeoutOption(t *testing.T) {
	runner := &deadlineRunner{}
	s := builtin(t, "build", Tools{Runner: runner, Git: &fakeGit{}})
	start := time.Now()
	res := s.Execute(context.Background(), &Context{WorkflowID: "wf1", Issue: "1", Options: Options{"timeout": "90s"}})
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q", res.Status)
	}
	if !runner.ok {
		t.Fatal("expected a deadline on the command context")
	}
	if d := runner.deadline.Sub(start); d <= 0 || d > 91*time.Second {
		t.Errorf("deadline %s out of range", d)
	}
}

func TestAgent_InvalidTimeoutFails(t *testing.T) {
	runner := &fakeRunner{}
	s := builtin(t, "build", Tools{Runner: runner, Git: &fakeGit{}})
	res := s.Execute(context.Background(), &Context{WorkflowID: "wf1", Issue: "1", Options: Options{"timeout": "soon"}})
	if res.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}
	if len(runner.calls) != 0 {
		t.Error("command should not run with a malformed timeout")
	}
}

func TestPlan_PreconditionNeedsIssue(t *testing.T) {
	s := builtin(t, "plan", Tools{Runner: &fakeRunner{}, Git: &fakeGit{}})
	ok, reason := s.Preconditions(&Context{WorkflowID: "wf1"})
	if ok || reason == "" {
		t.Errorf("Preconditions = (%v, %q), want failure with reason", ok, reason)
	}
}

func TestPlan_RecordsPlanFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "specs", "issue-42-wf1-plan.md"), "# plan")
	state := &memState{}

	s := builtin(t, "plan", Tools{Runner: &fakeRunner{}, Git: &fakeGit{}})
	res := s.Execute(context.Background(), &Context{WorkflowID: "wf1", Issue: "42", Workdir: dir, State: state})
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q", res.Status)
	}
	want := filepath.Join("specs", "issue-42-wf1-plan.md")
	if state.values[KeyPlanFile] != want {
		t.Errorf("plan_file = %q, want %q", state.values[KeyPlanFile], want)
	}
	if state.saves != 1 {
		t.Errorf("saves = %d, want 1", state.saves)
	}
	if res.Artifacts[KeyPlanFile] != want {
		t.Errorf("artifact = %q", res.Artifacts[KeyPlanFile])
	}
}

func TestBuild_PreconditionNeedsPlan(t *testing.T) {
	dir := t.TempDir()
	s := builtin(t, "build", Tools{Runner: &fakeRunner{}, Git: &fakeGit{}})

	ok, _ := s.Preconditions(&Context{Workdir: dir, State: &memState{}})
	if ok {
		t.Error("build should not run without a plan")
	}

	state := &memState{values: map[string]string{KeyPlanFile: "specs/p.md"}}
	ok, reason := s.Preconditions(&Context{Workdir: dir, State: state})
	if ok || !strings.Contains(reason, "not found") {
		t.Errorf("missing plan file: (%v, %q)", ok, reason)
	}

	writeFile(t, filepath.Join(dir, "specs", "p.md"), "# plan")
	if ok, reason := s.Preconditions(&Context{Workdir: dir, State: state}); !ok {
		t.Errorf("Preconditions = false (%s), want true", reason)
	}
}

func TestTest_SkipsWithoutTestFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.go"), "package main")
	s := builtin(t, "test", Tools{Runner: &fakeRunner{}, Git: &fakeGit{}})

	skip, reason := s.ShouldSkip(&Context{Workdir: dir})
	if !skip || reason == "" {
		t.Errorf("ShouldSkip = (%v, %q), want skip", skip, reason)
	}

	writeFile(t, filepath.Join(dir, "pkg", "main_test.go"), "package main")
	if skip, _ := s.ShouldSkip(&Context{Workdir: dir}); skip {
		t.Error("ShouldSkip should be false once a test file exists")
	}
}

func TestTest_NoTestsCollectedIsSuccess(t *testing.T) {
	runner := &fakeRunner{out: CommandOutput{ExitCode: NoTestsCollectedExitCode}}
	s := builtin(t, "test", Tools{Runner: runner, Git: &fakeGit{}})
	res := s.Execute(context.Background(), &Context{WorkflowID: "wf1", Issue: "1", Options: Options{"skip_e2e": "true"}})
	if res.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Status)
	}
	if got := runner.calls[0].Args; got[len(got)-1] != "--skip-e2e" {
		t.Errorf("Args = %v, want trailing --skip-e2e", got)
	}
}

func TestReview_SkipsLowRisk(t *testing.T) {
	s := builtin(t, "review", Tools{Runner: &fakeRunner{}, Git: &fakeGit{}})

	tests := []struct {
		name  string
		state map[string]string
		opts  Options
		skip  bool
	}{
		{"chore class", map[string]string{KeyIssueClass: "/chore"}, nil, true},
		{"patch branch", map[string]string{KeyBranch: "patch-issue-3-wf1"}, nil, true},
		{"feature", map[string]string{KeyIssueClass: "/feature"}, nil, false},
		{"option override", nil, Options{KeyIssueClass: "docs"}, true},
		{"unknown", nil, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			skip, _ := s.ShouldSkip(&Context{State: &memState{values: tc.state}, Options: tc.opts})
			if skip != tc.skip {
				t.Errorf("ShouldSkip = %v, want %v", skip, tc.skip)
			}
		})
	}
}

func TestDocument_SkipsWithoutDiff(t *testing.T) {
	git := &fakeGit{output: ""}
	s := builtin(t, "document", Tools{Runner: &fakeRunner{}, Git: git})

	skip, reason := s.ShouldSkip(&Context{Workdir: "/trees/wf1"})
	if !skip || !strings.Contains(reason, "origin/main") {
		t.Errorf("ShouldSkip = (%v, %q), want skip against origin/main", skip, reason)
	}
	if got := strings.Join(git.calls[0], " "); got != "diff --stat origin/main...HEAD" {
		t.Errorf("git call = %q", got)
	}

	git.output = " README.md | 3 +++"
	if skip, _ := s.ShouldSkip(&Context{Workdir: "/trees/wf1"}); skip {
		t.Error("ShouldSkip should be false when the diff is non-empty")
	}
}

func TestDocument_GitErrorDoesNotSkip(t *testing.T) {
	git := &fakeGit{err: errors.New("not a git repository")}
	s := builtin(t, "document", Tools{Runner: &fakeRunner{}, Git: git})
	if skip, _ := s.ShouldSkip(&Context{Workdir: "/trees/wf1"}); skip {
		t.Error("a failing diff should not skip documentation")
	}
}

func TestMerge_PreconditionNeedsWorkdir(t *testing.T) {
	s := builtin(t, "merge", Tools{Runner: &fakeRunner{}, Git: &fakeGit{}})
	if ok, _ := s.Preconditions(&Context{}); ok {
		t.Error("merge should not run without a leased directory")
	}
	if ok, _ := s.Preconditions(&Context{Workdir: t.TempDir()}); !ok {
		t.Error("merge should run with an existing directory")
	}
}

func TestClassifyChange(t *testing.T) {
	tests := []struct {
		class, branch string
		want          ChangeCategory
	}{
		{"/chore", "", CategoryChore},
		{"bug", "", CategoryBug},
		{"", "chore-issue-12-abc", CategoryChore},
		{"", "patch/fix-typo", CategoryPatch},
		{"", "feature/issue-42-abc", CategoryFeature},
		{"", "", CategoryUnknown},
		{"", "random", CategoryUnknown},
	}
	for _, tc := range tests {
		if got := ClassifyChange(tc.class, tc.branch); got != tc.want {
			t.Errorf("ClassifyChange(%q, %q) = %q, want %q", tc.class, tc.branch, got, tc.want)
		}
	}
}

func TestHasTestFiles_IgnoresVendoredDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "node_modules", "lib", "x.test.js"), "")
	if HasTestFiles(dir) {
		t.Error("tests under node_modules should not count")
	}
	writeFile(t, filepath.Join(dir, "app", "tests", "test_api.py"), "")
	if !HasTestFiles(dir) {
		t.Error("test_api.py should count")
	}
	if HasTestFiles("") {
		t.Error("empty dir should have no tests")
	}
}

func TestOptions(t *testing.T) {
	o := Options{"s": "x", "b": "true", "n": 3, "f": 4.0, "list": []any{1, "2", "bad"}, "csv": "5, 6"}
	if o.String("s", "d") != "x" || o.String("missing", "d") != "d" {
		t.Error("String")
	}
	if !o.Bool("b") || o.Bool("missing") {
		t.Error("Bool")
	}
	if o.Int("n", 0) != 3 || o.Int("f", 0) != 4 || o.Int("s", 9) != 9 {
		t.Error("Int")
	}
	if got := o.Ints("list"); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("Ints(list) = %v", got)
	}
	if got := o.Ints("csv"); len(got) != 2 || got[1] != 6 {
		t.Errorf("Ints(csv) = %v", got)
	}
}

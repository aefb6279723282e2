package lease

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stageflow/internal/pipeline"
	"github.com/lucasnoah/stageflow/internal/stage"
	"github.com/lucasnoah/stageflow/internal/worktree"
)

// busyProber reports the listed ports as bound.
type busyProber struct {
	mu   sync.Mutex
	busy map[int]bool
}

func (p *busyProber) Available(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.busy[port]
}

func (p *busyProber) hold(ports ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy == nil {
		p.busy = map[int]bool{}
	}
	for _, port := range ports {
		p.busy[port] = true
	}
}

// recordingGit accepts every git command.
type recordingGit struct {
	mu    sync.Mutex
	calls [][]string
}

func (g *recordingGit) Run(dir string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, args)
	return "", nil
}

type fixture struct {
	alloc *Allocator
	store *pipeline.Store
	git   *recordingGit
	probe *busyProber
	logs  *bytes.Buffer
	trees string
}

func newFixture(t *testing.T, rng Range) *fixture {
	t.Helper()
	home := t.TempDir()
	logs := &bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(logs)

	f := &fixture{
		store: pipeline.NewStore(filepath.Join(home, "workflows")),
		git:   &recordingGit{},
		probe: &busyProber{},
		logs:  logs,
		trees: filepath.Join(home, "trees"),
	}
	alloc, err := New(Config{
		Range:     rng,
		ClaimDir:  filepath.Join(home, "leases"),
		Worktrees: worktree.NewManager(f.git, home, f.trees),
		Store:     f.store,
		Prober:    f.probe,
		Logger:    log,
	})
	require.NoError(t, err)
	f.alloc = alloc
	return f
}

// holder returns the workflow named in p's claim file, or "".
func holder(a *Allocator, p PortPair) string {
	owner, _ := a.readClaim(p)
	return owner
}

// slowStore delays lookups of one workflow id.
type slowStore struct {
	pipeline.Backend
	slow  string
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, id string) (*pipeline.WorkflowExecution, error) {
	if id == s.slow {
		time.Sleep(s.delay)
	}
	return s.Backend.Get(ctx, id)
}

// saveFailStore rejects every Save.
type saveFailStore struct {
	pipeline.Backend
}

func (s *saveFailStore) Save(context.Context, *pipeline.WorkflowExecution) error {
	return errors.New("disk full")
}

func (f *fixture) workflow(t *testing.T, id string) *pipeline.WorkflowExecution {
	t.Helper()
	wf := pipeline.NewWorkflow("sdlc", id, "42", []string{"plan", "build"})
	require.NoError(t, f.store.Create(context.Background(), wf))
	return wf
}

func TestAcquire_PreferredPair(t *testing.T) {
	f := newFixture(t, DefaultRange)
	wf := f.workflow(t, "wfa")

	l, err := f.alloc.Acquire(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, DefaultRange.Preferred("wfa"), l.Ports)
	assert.Empty(t, l.Warnings)
	assert.Equal(t, filepath.Join(f.trees, "wfa"), l.Workdir)
	assert.Equal(t, "feature/issue-42-wfa", l.Branch)
	assert.Equal(t, "wfa", holder(f.alloc, l.Ports))

	// Persisted before Acquire returns.
	saved, err := f.store.Get(context.Background(), "wfa")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(l.Ports.Primary), saved.Meta(stage.KeyPrimaryPort))
	assert.Equal(t, fmt.Sprint(l.Ports.Secondary), saved.Meta(stage.KeySecondaryPort))
	assert.Equal(t, l.Workdir, saved.Meta(stage.KeyWorkdir))
	assert.Equal(t, l.Branch, saved.Meta(stage.KeyBranch))
}

func TestAcquire_CollisionScansForward(t *testing.T) {
	f := newFixture(t, DefaultRange)
	preferred := DefaultRange.Preferred("wf-A")
	// wf-B already has the preferred pair bound.
	f.probe.hold(preferred.Primary, preferred.Secondary)

	wf := f.workflow(t, "wf-A")
	l, err := f.alloc.Acquire(context.Background(), wf)
	require.NoError(t, err)

	want := DefaultRange.Candidates("wf-A")[1]
	assert.Equal(t, want, l.Ports)
	assert.Equal(t, l.Ports.Primary-DefaultRange.PrimaryBase, l.Ports.Secondary-DefaultRange.SecondaryBase)
	require.Len(t, l.Warnings, 1)
	assert.Contains(t, l.Warnings[0], preferred.String())
	assert.Contains(t, f.logs.String(), "preferred ports")
	assert.Equal(t, l.Warnings[0], wf.Meta(KeyWarning))
}

func TestAcquire_ScenarioC(t *testing.T) {
	// Pin wf-A's preferred pair to 9100/9200.
	off := PreferredOffset("wf-A", 100)
	rng := Range{PrimaryBase: 9100 - off, SecondaryBase: 9200 - off, Span: 100}
	require.Equal(t, PortPair{9100, 9200}, rng.Preferred("wf-A"))
	if off == 99 {
		t.Skip("preferred offset wraps; next pair is the start of the range")
	}

	f := newFixture(t, rng)
	f.probe.hold(9100, 9200) // held by wf-B

	l, err := f.alloc.Acquire(context.Background(), f.workflow(t, "wf-A"))
	require.NoError(t, err)
	assert.Equal(t, PortPair{9101, 9201}, l.Ports)
	assert.Len(t, l.Warnings, 1)
}

func TestAcquire_DistinctWorkflowsNeverOverlap(t *testing.T) {
	// A tiny range forces hash collisions so the claims do the work.
	rng := Range{PrimaryBase: 9100, SecondaryBase: 9200, Span: 4}
	f := newFixture(t, rng)

	seenPorts := map[int]string{}
	seenDirs := map[string]string{}
	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		l, err := f.alloc.Acquire(context.Background(), f.workflow(t, id))
		require.NoError(t, err, id)
		for _, port := range []int{l.Ports.Primary, l.Ports.Secondary} {
			if other, dup := seenPorts[port]; dup {
				t.Fatalf("port %d given to %s and %s", port, other, id)
			}
			seenPorts[port] = id
		}
		if other, dup := seenDirs[l.Workdir]; dup {
			t.Fatalf("workdir %s given to %s and %s", l.Workdir, other, id)
		}
		seenDirs[l.Workdir] = id
	}

	_, err := f.alloc.Acquire(context.Background(), f.workflow(t, "w5"))
	assert.True(t, errors.Is(err, ErrExhausted), "got %v", err)
}

func TestAcquire_ConcurrentAllocators(t *testing.T) {
	// Two allocators sharing a claim dir model two processes on one host.
	rng := Range{PrimaryBase: 9100, SecondaryBase: 9200, Span: 8}
	home := t.TempDir()
	store := pipeline.NewStore(filepath.Join(home, "workflows"))
	mk := func() *Allocator {
		a, err := New(Config{Range: rng, ClaimDir: filepath.Join(home, "leases"), Store: store, Prober: &busyProber{}})
		require.NoError(t, err)
		return a
	}
	allocs := []*Allocator{mk(), mk()}

	var mu sync.Mutex
	got := map[PortPair]string{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("c%d", i)
		wf := pipeline.NewWorkflow("sdlc", id, "", []string{"plan"})
		require.NoError(t, store.Create(context.Background(), wf))
		wg.Add(1)
		go func(a *Allocator) {
			defer wg.Done()
			l, err := a.Acquire(context.Background(), wf)
			if err != nil {
				t.Errorf("Acquire %s: %v", id, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if other, dup := got[l.Ports]; dup {
				t.Errorf("pair %s given to %s and %s", l.Ports, other, id)
			}
			got[l.Ports] = id
		}(allocs[i%2])
	}
	wg.Wait()
	assert.Len(t, got, 8)
}

func TestAcquire_StaleTakeoverAcrossAllocators(t *testing.T) {
	// One pair whose claim belongs to a deleted workflow. Both allocators
	// see it as stale; only one may end up holding it.
	rng := Range{PrimaryBase: 9100, SecondaryBase: 9200, Span: 1}
	home := t.TempDir()
	claimDir := filepath.Join(home, "leases")
	inner := pipeline.NewStore(filepath.Join(home, "workflows"))
	store := &slowStore{Backend: inner, slow: "gone", delay: 50 * time.Millisecond}
	mk := func() *Allocator {
		a, err := New(Config{Range: rng, ClaimDir: claimDir, Store: store, Prober: &busyProber{}})
		require.NoError(t, err)
		return a
	}
	allocs := []*Allocator{mk(), mk()}
	require.NoError(t, os.WriteFile(filepath.Join(claimDir, "9100-9200.claim"), []byte("gone"), 0o644))

	ids := []string{"wfa", "wfb"}
	wfs := make([]*pipeline.WorkflowExecution, len(ids))
	for i, id := range ids {
		wfs[i] = pipeline.NewWorkflow("sdlc", id, "", []string{"plan"})
		require.NoError(t, inner.Create(context.Background(), wfs[i]))
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = allocs[i].Acquire(context.Background(), wfs[i])
		}(i)
	}
	wg.Wait()

	var winners []string
	for i, err := range errs {
		if err == nil {
			winners = append(winners, ids[i])
			continue
		}
		assert.True(t, errors.Is(err, ErrExhausted), "got %v", err)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], holder(allocs[0], PortPair{9100, 9200}))
}

func TestAcquire_SaveFailureRollsBack(t *testing.T) {
	f := newFixture(t, DefaultRange)
	wf := f.workflow(t, "wfs")
	f.alloc.store = &saveFailStore{Backend: f.store}

	_, err := f.alloc.Acquire(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist lease")

	preferred := DefaultRange.Preferred("wfs")
	_, statErr := os.Stat(f.alloc.claimPath(preferred))
	assert.True(t, os.IsNotExist(statErr), "claim file left behind")
	_, ok := FromMetadata(wf)
	assert.False(t, ok)

	last := f.git.calls[len(f.git.calls)-1]
	assert.Contains(t, last, "remove")
	assert.Contains(t, last, filepath.Join(f.trees, "wfs"))

	// The pair is free again for the next attempt.
	f.alloc.store = f.store
	l, err := f.alloc.Acquire(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, preferred, l.Ports)
}

func TestAcquire_ReusesLeaseOnResume(t *testing.T) {
	f := newFixture(t, DefaultRange)
	wf := f.workflow(t, "wfr")
	first, err := f.alloc.Acquire(context.Background(), wf)
	require.NoError(t, err)
	gitCalls := len(f.git.calls)

	reloaded, err := f.store.Get(context.Background(), "wfr")
	require.NoError(t, err)
	second, err := f.alloc.Acquire(context.Background(), reloaded)
	require.NoError(t, err)

	assert.Equal(t, first.Ports, second.Ports)
	assert.Equal(t, first.Workdir, second.Workdir)
	assert.Len(t, f.git.calls, gitCalls, "no second worktree")

	// A resumed lease restores a missing env file.
	require.NoError(t, os.MkdirAll(second.Workdir, 0o755))
	_, err = f.alloc.Acquire(context.Background(), reloaded)
	require.NoError(t, err)
	env, err := ReadEnvFile(second.Workdir)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(first.Ports.Primary), env["STAGEFLOW_STATUS_PORT"])
}

func TestAcquire_ReclaimsStaleClaims(t *testing.T) {
	rng := Range{PrimaryBase: 9100, SecondaryBase: 9200, Span: 1}
	f := newFixture(t, rng)

	done := f.workflow(t, "old")
	_, err := f.alloc.Acquire(context.Background(), done)
	require.NoError(t, err)
	done.Complete()
	require.NoError(t, f.store.Save(context.Background(), done))

	l, err := f.alloc.Acquire(context.Background(), f.workflow(t, "new"))
	require.NoError(t, err)
	assert.Equal(t, PortPair{9100, 9200}, l.Ports)
	assert.Equal(t, "new", holder(f.alloc, l.Ports))
}

func TestAcquire_FailedWorkflowKeepsClaim(t *testing.T) {
	rng := Range{PrimaryBase: 9100, SecondaryBase: 9200, Span: 1}
	f := newFixture(t, rng)

	held := f.workflow(t, "held")
	_, err := f.alloc.Acquire(context.Background(), held)
	require.NoError(t, err)
	held.Fail("boom")
	require.NoError(t, f.store.Save(context.Background(), held))

	_, err = f.alloc.Acquire(context.Background(), f.workflow(t, "next"))
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestAcquire_SuffixesLeftoverDirectory(t *testing.T) {
	f := newFixture(t, DefaultRange)
	require.NoError(t, os.MkdirAll(filepath.Join(f.trees, "wfd"), 0o755))

	l, err := f.alloc.Acquire(context.Background(), f.workflow(t, "wfd"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.trees, "wfd-2"), l.Workdir)
}

func TestAcquire_WritesEnvFile(t *testing.T) {
	f := newFixture(t, DefaultRange)
	l, err := f.alloc.Acquire(context.Background(), f.workflow(t, "wfe"))
	require.NoError(t, err)

	// The fake git checks nothing out.
	require.NoError(t, os.MkdirAll(l.Workdir, 0o755))
	f.alloc.writeEnvFile(l, logrus.New())
	env, err := ReadEnvFile(l.Workdir)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(l.Ports.Primary), env["STAGEFLOW_STATUS_PORT"])
	assert.Equal(t, fmt.Sprint(l.Ports.Secondary), env["FRONTEND_PORT"])
}

func TestRelease(t *testing.T) {
	f := newFixture(t, DefaultRange)
	wf := f.workflow(t, "wfx")
	l, err := f.alloc.Acquire(context.Background(), wf)
	require.NoError(t, err)

	require.NoError(t, f.alloc.Release(context.Background(), wf))
	assert.Empty(t, holder(f.alloc, l.Ports))
	_, ok := FromMetadata(wf)
	assert.False(t, ok)

	last := f.git.calls[len(f.git.calls)-1]
	assert.Contains(t, last, "remove")
	assert.Contains(t, last, l.Workdir)

	// Released twice is a no-op.
	assert.NoError(t, f.alloc.Release(context.Background(), wf))
}

func TestRelease_FailureIsReported(t *testing.T) {
	f := newFixture(t, DefaultRange)
	wf := f.workflow(t, "wfy")
	_, err := f.alloc.Acquire(context.Background(), wf)
	require.NoError(t, err)

	failing := worktree.NewManager(gitFunc(func(args []string) error {
		if args[0] == "worktree" {
			return errors.New("worktree locked")
		}
		return nil
	}), "/repo", f.trees)
	f.alloc.worktrees = failing

	err = f.alloc.Release(context.Background(), wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worktree locked")
	assert.Contains(t, f.logs.String(), "lease release incomplete")
}

func TestSweep(t *testing.T) {
	f := newFixture(t, DefaultRange)
	gone := f.workflow(t, "gone")
	l, err := f.alloc.Acquire(context.Background(), gone)
	require.NoError(t, err)
	live := f.workflow(t, "live")
	kept, err := f.alloc.Acquire(context.Background(), live)
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(context.Background(), "gone"))
	freed, err := f.alloc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []PortPair{l.Ports}, freed)
	assert.Equal(t, "live", holder(f.alloc, kept.Ports))
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, TCPProber{}.Available(port))
	ln.Close()
	assert.True(t, TCPProber{}.Available(port))
}

func TestRange(t *testing.T) {
	assert.NoError(t, DefaultRange.Validate())
	assert.Error(t, Range{PrimaryBase: 9100, SecondaryBase: 9150, Span: 100}.Validate())
	assert.Error(t, Range{PrimaryBase: 9100, SecondaryBase: 9200}.Validate())
	assert.Error(t, Range{PrimaryBase: 65500, SecondaryBase: 9200, Span: 100}.Validate())

	c := DefaultRange.Candidates("wf1")
	assert.Len(t, c, 100)
	assert.Equal(t, DefaultRange.Preferred("wf1"), c[0])
	assert.Equal(t, PreferredOffset("wf1", 100), PreferredOffset("wf1", 100))
	assert.True(t, DefaultRange.Contains(c[50]))
	assert.False(t, DefaultRange.Contains(PortPair{9100, 9201}))
}

func TestLeaseEnv(t *testing.T) {
	l := &Lease{WorkflowID: "wf1", Workdir: "/trees/wf1", Ports: PortPair{9105, 9205}}
	env := l.Env()
	assert.Equal(t, "9105", env["STAGEFLOW_STATUS_PORT"])
	assert.Equal(t, "9205", env["STAGEFLOW_PREVIEW_PORT"])
	assert.Equal(t, "9105", env["BACKEND_PORT"])
	assert.Equal(t, "/trees/wf1", env["STAGEFLOW_WORKDIR"])
}

type gitFunc func(args []string) error

func (g gitFunc) Run(dir string, args ...string) (string, error) {
	return "", g(args)
}

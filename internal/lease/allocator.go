package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/logging"
	"github.com/lucasnoah/stageflow/internal/pipeline"
	"github.com/lucasnoah/stageflow/internal/stage"
	"github.com/lucasnoah/stageflow/internal/worktree"
)

// ErrExhausted is returned when every pair in the range is taken.
var ErrExhausted = errors.New("no free port pair in range")

// KeyWarning holds the last allocation warning in workflow metadata.
const KeyWarning = "lease.warning"

// EnvFile is written into each leased working directory.
const EnvFile = ".ports.env"

// lockFile in the claim directory serializes claim changes across processes.
const lockFile = ".lock"

// Lease is the working directory and port pair held by one workflow.
type Lease struct {
	WorkflowID string
	Workdir    string
	Branch     string
	Ports      PortPair
	Warnings   []string
}

// Env returns the variables exported to stage subprocesses.
func (l *Lease) Env() map[string]string {
	env := map[string]string{
		"STAGEFLOW_WORKFLOW_ID":  l.WorkflowID,
		"STAGEFLOW_STATUS_PORT":  strconv.Itoa(l.Ports.Primary),
		"STAGEFLOW_PREVIEW_PORT": strconv.Itoa(l.Ports.Secondary),
		"BACKEND_PORT":           strconv.Itoa(l.Ports.Primary),
		"FRONTEND_PORT":          strconv.Itoa(l.Ports.Secondary),
	}
	if l.Workdir != "" {
		env["STAGEFLOW_WORKDIR"] = l.Workdir
	}
	return env
}

// FromMetadata rebuilds a lease persisted in wf's metadata.
func FromMetadata(wf *pipeline.WorkflowExecution) (*Lease, bool) {
	primary, err1 := strconv.Atoi(wf.Meta(stage.KeyPrimaryPort))
	secondary, err2 := strconv.Atoi(wf.Meta(stage.KeySecondaryPort))
	if err1 != nil || err2 != nil {
		return nil, false
	}
	return &Lease{
		WorkflowID: wf.WorkflowID,
		Workdir:    wf.Meta(stage.KeyWorkdir),
		Branch:     wf.Meta(stage.KeyBranch),
		Ports:      PortPair{Primary: primary, Secondary: secondary},
	}, true
}

func (l *Lease) record(wf *pipeline.WorkflowExecution) {
	wf.SetMeta(stage.KeyPrimaryPort, strconv.Itoa(l.Ports.Primary))
	wf.SetMeta(stage.KeySecondaryPort, strconv.Itoa(l.Ports.Secondary))
	wf.SetMeta(stage.KeyWorkdir, l.Workdir)
	wf.SetMeta(stage.KeyBranch, l.Branch)
	if len(l.Warnings) > 0 {
		wf.SetMeta(KeyWarning, l.Warnings[len(l.Warnings)-1])
	}
}

// Config wires an Allocator.
type Config struct {
	Range Range
	// ClaimDir holds one claim file per held port pair so separate
	// processes on the host see each other's leases.
	ClaimDir string
	// Worktrees creates the isolated checkout. Nil leases ports only.
	Worktrees *worktree.Manager
	Store     pipeline.Backend
	Prober    Prober
	Logger    logrus.FieldLogger
}

// Allocator hands out leases. It is safe for concurrent use, and claim
// files make it safe across processes sharing ClaimDir.
type Allocator struct {
	mu        sync.Mutex
	rng       Range
	claimDir  string
	worktrees *worktree.Manager
	store     pipeline.Backend
	prober    Prober
	log       logrus.FieldLogger
}

// New returns an Allocator for cfg.
func New(cfg Config) (*Allocator, error) {
	rng := cfg.Range
	if rng.Span == 0 {
		rng = DefaultRange
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClaimDir == "" {
		return nil, fmt.Errorf("lease claim directory is required")
	}
	if err := os.MkdirAll(cfg.ClaimDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", cfg.ClaimDir, err)
	}
	prober := cfg.Prober
	if prober == nil {
		prober = TCPProber{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Allocator{
		rng:       rng,
		claimDir:  cfg.ClaimDir,
		worktrees: cfg.Worktrees,
		store:     cfg.Store,
		prober:    prober,
		log:       log.WithField("component", "lease"),
	}, nil
}

// Range returns the port range leases are drawn from.
func (a *Allocator) Range() Range {
	return a.rng
}

// Acquire returns wf's lease, allocating one on first use. A lease already
// recorded in wf's metadata is reused, so a resumed workflow keeps its
// directory and ports. New leases are written into wf's metadata and saved
// before Acquire returns.
func (a *Allocator) Acquire(ctx context.Context, wf *pipeline.WorkflowExecution) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.log.WithField("workflow_id", wf.WorkflowID)
	if l, ok := FromMetadata(wf); ok {
		if err := a.reclaim(l); err != nil {
			return nil, err
		}
		if env, err := ReadEnvFile(l.Workdir); l.Workdir != "" && (err != nil || env["STAGEFLOW_STATUS_PORT"] != strconv.Itoa(l.Ports.Primary)) {
			a.writeEnvFile(l, log)
		}
		log.WithFields(logrus.Fields{"ports": l.Ports.String(), "workdir": l.Workdir}).Debug("reusing lease")
		return l, nil
	}

	l := &Lease{WorkflowID: wf.WorkflowID}
	ports, warnings, err := a.claimPorts(wf.WorkflowID)
	if err != nil {
		return nil, err
	}
	l.Ports = ports
	l.Warnings = warnings
	for _, w := range warnings {
		log.Warn(w)
	}

	if a.worktrees != nil {
		wt, err := a.createWorkdir(wf)
		if err != nil {
			a.unclaim(ports, wf.WorkflowID)
			return nil, err
		}
		l.Workdir = wt.Path
		l.Branch = wt.Branch
	}

	l.record(wf)
	if a.store != nil {
		if err := a.store.Save(ctx, wf); err != nil {
			a.rollback(l, wf, log)
			return nil, fmt.Errorf("persist lease: %w", err)
		}
	}
	a.writeEnvFile(l, log)

	log.WithFields(logrus.Fields{"ports": ports.String(), "workdir": l.Workdir, "branch": l.Branch}).Info("lease acquired")
	return l, nil
}

// rollback undoes a lease that could not be persisted: the worktree and
// claim go away and wf's metadata no longer names them.
func (a *Allocator) rollback(l *Lease, wf *pipeline.WorkflowExecution, log logrus.FieldLogger) {
	if a.worktrees != nil && l.Workdir != "" {
		if err := a.worktrees.Remove(l.Workdir, worktree.RemoveOpts{Force: true, DeleteBranch: true}); err != nil {
			log.WithError(err).Warn("could not remove workdir of unsaved lease")
		}
	}
	if err := a.unclaim(l.Ports, wf.WorkflowID); err != nil {
		log.WithError(err).Warn("could not drop claim of unsaved lease")
	}
	forget(wf)
}

// forget removes the lease keys from wf's metadata.
func forget(wf *pipeline.WorkflowExecution) {
	for _, k := range []string{stage.KeyPrimaryPort, stage.KeySecondaryPort, stage.KeyWorkdir, stage.KeyBranch, KeyWarning} {
		delete(wf.Metadata, k)
	}
}

// Release removes wf's working directory and frees its ports. Every step
// is attempted; failures are logged and returned joined.
func (a *Allocator) Release(ctx context.Context, wf *pipeline.WorkflowExecution) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := FromMetadata(wf)
	if !ok {
		return nil
	}
	log := a.log.WithField("workflow_id", wf.WorkflowID)

	var errs []error
	if a.worktrees != nil && l.Workdir != "" {
		if err := a.worktrees.Remove(l.Workdir, worktree.RemoveOpts{Force: true, DeleteBranch: true}); err != nil {
			errs = append(errs, fmt.Errorf("remove workdir: %w", err))
		}
	}
	if err := a.unclaim(l.Ports, wf.WorkflowID); err != nil {
		errs = append(errs, err)
	}

	forget(wf)
	if a.store != nil {
		if err := a.store.Save(ctx, wf); err != nil {
			errs = append(errs, fmt.Errorf("persist release: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Warn("lease release incomplete; clean up manually")
	} else {
		log.WithField("ports", l.Ports.String()).Info("lease released")
	}
	return err
}

// Sweep removes claims held by workflows that are gone or completed. It
// returns the freed pairs.
func (a *Allocator) Sweep(ctx context.Context) ([]PortPair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	unlock, err := a.lockClaims()
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := os.ReadDir(a.claimDir)
	if err != nil {
		return nil, fmt.Errorf("read claims: %w", err)
	}
	var freed []PortPair
	for _, e := range entries {
		p, ok := parseClaimName(e.Name())
		if !ok {
			continue
		}
		owner, err := a.readClaim(p)
		if err != nil || !a.stale(ctx, owner) {
			continue
		}
		if err := os.Remove(a.claimPath(p)); err == nil {
			a.log.WithFields(logrus.Fields{"ports": p.String(), "owner": owner}).Info("removed stale claim")
			freed = append(freed, p)
		}
	}
	return freed, nil
}

// claimPorts walks the candidates from the preferred pair forward. A pair
// is committed only after its claim file is created and both ports probe
// free again.
func (a *Allocator) claimPorts(workflowID string) (PortPair, []string, error) {
	var warnings []string
	preferred := a.rng.Preferred(workflowID)
	for _, p := range a.rng.Candidates(workflowID) {
		if !a.prober.Available(p.Primary) || !a.prober.Available(p.Secondary) {
			continue
		}
		claimed, err := a.claim(p, workflowID)
		if err != nil {
			return PortPair{}, nil, err
		}
		if !claimed {
			continue
		}
		if !a.prober.Available(p.Primary) || !a.prober.Available(p.Secondary) {
			a.unclaim(p, workflowID)
			continue
		}
		if owner, err := a.readClaim(p); err != nil || owner != workflowID {
			continue
		}
		if p != preferred {
			warnings = append(warnings, fmt.Sprintf("preferred ports %s unavailable, using %s", preferred, p))
		}
		return p, warnings, nil
	}
	return PortPair{}, nil, fmt.Errorf("%w %d-%d", ErrExhausted, a.rng.PrimaryBase, a.rng.PrimaryBase+a.rng.Span-1)
}

// reclaim makes sure a reused lease still holds its claim file.
func (a *Allocator) reclaim(l *Lease) error {
	owner, err := a.readClaim(l.Ports)
	switch {
	case err == nil && owner == l.WorkflowID:
		return nil
	case err == nil:
		return fmt.Errorf("ports %s of workflow %s are claimed by %s", l.Ports, l.WorkflowID, owner)
	}
	claimed, err := a.claim(l.Ports, l.WorkflowID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("ports %s of workflow %s were claimed concurrently", l.Ports, l.WorkflowID)
	}
	return nil
}

func (a *Allocator) claimPath(p PortPair) string {
	return filepath.Join(a.claimDir, fmt.Sprintf("%d-%d.claim", p.Primary, p.Secondary))
}

func parseClaimName(name string) (PortPair, bool) {
	base, ok := strings.CutSuffix(name, ".claim")
	if !ok {
		return PortPair{}, false
	}
	first, second, ok := strings.Cut(base, "-")
	if !ok {
		return PortPair{}, false
	}
	p, err1 := strconv.Atoi(first)
	s, err2 := strconv.Atoi(second)
	if err1 != nil || err2 != nil {
		return PortPair{}, false
	}
	return PortPair{Primary: p, Secondary: s}, true
}

// lockClaims takes the host-wide lock on the claim directory. Every
// read-decide-write sequence on claim files runs under it, so two
// processes cannot both take over the same stale claim.
func (a *Allocator) lockClaims() (func(), error) {
	f, err := os.OpenFile(filepath.Join(a.claimDir, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open claim lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock claims: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// claim creates p's claim file with O_EXCL. It reports false when another
// live workflow holds p. A claim left by a finished or deleted workflow is
// taken over.
func (a *Allocator) claim(p PortPair, workflowID string) (bool, error) {
	unlock, err := a.lockClaims()
	if err != nil {
		return false, err
	}
	defer unlock()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(a.claimPath(p), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(workflowID)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(a.claimPath(p))
				return false, fmt.Errorf("write claim %s: %w", p, errors.Join(werr, cerr))
			}
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("claim %s: %w", p, err)
		}
		owner, rerr := a.readClaim(p)
		if rerr == nil && owner == workflowID {
			return true, nil
		}
		if rerr != nil || !a.stale(context.Background(), owner) {
			return false, nil
		}
		a.log.WithFields(logrus.Fields{"ports": p.String(), "owner": owner}).Info("taking over stale claim")
		os.Remove(a.claimPath(p))
	}
	return false, nil
}

func (a *Allocator) unclaim(p PortPair, workflowID string) error {
	unlock, err := a.lockClaims()
	if err != nil {
		return err
	}
	defer unlock()

	owner, err := a.readClaim(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read claim %s: %w", p, err)
	}
	if owner != workflowID {
		return nil
	}
	if err := os.Remove(a.claimPath(p)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove claim %s: %w", p, err)
	}
	return nil
}

func (a *Allocator) readClaim(p PortPair) (string, error) {
	data, err := os.ReadFile(a.claimPath(p))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// stale reports whether owner no longer needs its claim: its workflow is
// gone or completed. Failed and paused workflows keep their lease so they
// can resume.
func (a *Allocator) stale(ctx context.Context, owner string) bool {
	if a.store == nil || owner == "" {
		return owner == ""
	}
	wf, err := a.store.Get(ctx, owner)
	if errors.Is(err, pipeline.ErrNotFound) {
		return true
	}
	return err == nil && wf.Status == pipeline.WorkflowCompleted
}

// createWorkdir checks out a fresh worktree, suffixing the directory name
// when a leftover directory is in the way.
func (a *Allocator) createWorkdir(wf *pipeline.WorkflowExecution) (*worktree.CreateResult, error) {
	dirName := wf.WorkflowID
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(a.worktrees.BaseDir(), dirName)); os.IsNotExist(err) {
			break
		}
		if n > 20 {
			return nil, fmt.Errorf("no free working directory name for %s", wf.WorkflowID)
		}
		dirName = fmt.Sprintf("%s-%d", wf.WorkflowID, n)
	}
	wt, err := a.worktrees.Create(worktree.CreateOpts{
		WorkflowID: wf.WorkflowID,
		Issue:      wf.Issue,
		DirName:    dirName,
	})
	if err != nil {
		return nil, fmt.Errorf("lease workdir: %w", err)
	}
	return wt, nil
}

func (a *Allocator) writeEnvFile(l *Lease, log logrus.FieldLogger) {
	if l.Workdir == "" {
		return
	}
	if info, err := os.Stat(l.Workdir); err != nil || !info.IsDir() {
		return
	}
	if err := godotenv.Write(l.Env(), filepath.Join(l.Workdir, EnvFile)); err != nil {
		log.WithError(err).Warn("could not write ports env file")
	}
}

// ReadEnvFile loads a .ports.env written for a lease.
func ReadEnvFile(workdir string) (map[string]string, error) {
	return godotenv.Read(filepath.Join(workdir, EnvFile))
}

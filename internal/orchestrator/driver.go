package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/events"
	"github.com/lucasnoah/stageflow/internal/lease"
	"github.com/lucasnoah/stageflow/internal/logging"
	"github.com/lucasnoah/stageflow/internal/pipeline"
	"github.com/lucasnoah/stageflow/internal/stage"
	"github.com/lucasnoah/stageflow/internal/watcher"
)

var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrNotResumable = errors.New("workflow is not resumable")
	ErrCancelled    = errors.New("cancelled")
	ErrPaused       = errors.New("paused")
)

// Leaser hands out and takes back a workflow's working directory and ports.
type Leaser interface {
	Acquire(ctx context.Context, wf *pipeline.WorkflowExecution) (*lease.Lease, error)
	Release(ctx context.Context, wf *pipeline.WorkflowExecution) error
}

// LeaseHook runs once a workflow holds its lease. The returned function, if
// any, runs when the driver stops driving the workflow.
type LeaseHook func(ctx context.Context, wf *pipeline.WorkflowExecution, l *lease.Lease) (stop func(), err error)

// Config wires a Driver. Registry and Store are required.
type Config struct {
	Registry *stage.Registry
	Store    pipeline.Backend
	Leases   Leaser      // nil runs without a lease
	Bus      *events.Bus // nil publishes nothing
	Logger   logrus.FieldLogger
	Notifier stage.Notifier
	// ControlDir returns the directory watched for PAUSE and CANCEL files.
	// Nil disables control files.
	ControlDir func(workflowID string) string
	OnLease    LeaseHook
	// Workdir is where stages run when the lease names no directory.
	// Defaults to the current directory.
	Workdir string
}

// Driver runs workflows: one sequential control flow per workflow, any
// number of workflows at once.
type Driver struct {
	registry   *stage.Registry
	store      pipeline.Backend
	leases     Leaser
	bus        *events.Bus
	log        logrus.FieldLogger
	notifier   stage.Notifier
	controlDir func(string) string
	onLease    LeaseHook
	workdir    string
}

// New returns a Driver for cfg.
func New(cfg Config) (*Driver, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("stage registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("workflow store is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = stage.LogNotifier{Logger: log}
	}
	workdir := cfg.Workdir
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		workdir = wd
	}
	return &Driver{
		registry:   cfg.Registry,
		store:      cfg.Store,
		leases:     cfg.Leases,
		bus:        cfg.Bus,
		log:        log,
		notifier:   notifier,
		controlDir: cfg.ControlDir,
		onLease:    cfg.OnLease,
		workdir:    workdir,
	}, nil
}

// NewWorkflowID returns a short random workflow id.
func NewWorkflowID() string {
	return uuid.NewString()[:8]
}

// LaunchOpts holds options for starting a workflow.
type LaunchOpts struct {
	Issue      string
	WorkflowID string // generated when empty
}

// Launch creates a workflow for p and drives it until it completes, fails
// or is paused. The returned error is non-nil only for configuration or
// persistence problems; stage failures show up in the workflow's status.
func (d *Driver) Launch(ctx context.Context, p Pipeline, opts LaunchOpts) (*pipeline.WorkflowExecution, error) {
	if err := p.validate(d.registry); err != nil {
		return nil, err
	}
	id := opts.WorkflowID
	if id == "" {
		id = NewWorkflowID()
	}
	wf := pipeline.NewWorkflow(p.Name, id, opts.Issue, p.StageNames())
	if err := d.store.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	d.log.WithFields(logrus.Fields{"workflow_id": id, "pipeline": p.Name, "issue": opts.Issue}).Info("workflow created")
	return d.run(ctx, p, wf)
}

// Resume re-enters a failed or paused workflow at its current stage. An
// empty pipeline reruns the recorded stages with no options.
func (d *Driver) Resume(ctx context.Context, p Pipeline, workflowID string) (*pipeline.WorkflowExecution, error) {
	wf, err := d.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsResumable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, workflowID, wf.Status)
	}
	if len(p.Stages) == 0 {
		p = Pipeline{Name: wf.WorkflowName}
		for _, name := range wf.StageNames() {
			p.Stages = append(p.Stages, StageSpec{Name: name})
		}
	}
	if got, want := strings.Join(p.StageNames(), ","), strings.Join(wf.StageNames(), ","); got != want {
		return nil, fmt.Errorf("pipeline stages [%s] do not match workflow stages [%s]", got, want)
	}
	if err := p.validate(d.registry); err != nil {
		return nil, err
	}
	if d.controlDir != nil {
		if err := watcher.Clear(d.controlDir(workflowID)); err != nil {
			d.log.WithError(err).Warn("could not clear control files")
		}
	}
	if err := wf.Resume(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotResumable, err)
	}
	d.log.WithFields(logrus.Fields{"workflow_id": workflowID, "stage_index": wf.CurrentStageIndex}).Info("workflow resumed")
	return d.run(ctx, p, wf)
}

// run drives wf from its current stage. wf is owned by this call.
func (d *Driver) run(ctx context.Context, p Pipeline, wf *pipeline.WorkflowExecution) (*pipeline.WorkflowExecution, error) {
	log := d.log.WithField("workflow_id", wf.WorkflowID)
	// State must still be written after the caller's ctx is cancelled.
	persistCtx := context.WithoutCancel(ctx)

	wf.Start()
	if err := d.save(persistCtx, wf); err != nil {
		return wf, err
	}
	d.emit(events.NewPayload(wf, events.WorkflowStarted, "", fmt.Sprintf("workflow %s started", wf.WorkflowID)))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if d.controlDir != nil {
		w := watcher.New(d.controlDir(wf.WorkflowID), func(sig watcher.Signal, reason string) {
			log.WithFields(logrus.Fields{"signal": sig, "reason": reason}).Info("control signal received")
			if sig == watcher.Pause {
				cancel(signalCause(ErrPaused, reason))
				return
			}
			cancel(signalCause(ErrCancelled, reason))
		}, log)
		if err := w.Start(); err != nil {
			log.WithError(err).Warn("control files disabled")
		} else {
			defer w.Stop()
		}
	}

	var l *lease.Lease
	if d.leases != nil {
		var err error
		l, err = d.leases.Acquire(persistCtx, wf)
		if err != nil {
			return wf, d.failWorkflow(persistCtx, wf, "", fmt.Sprintf("acquire lease: %v", err))
		}
		if d.onLease != nil {
			stop, err := d.onLease(ctx, wf, l)
			if err != nil {
				log.WithError(err).Warn("lease hook failed")
			} else if stop != nil {
				defer stop()
			}
		}
	}

	for wf.CurrentStageIndex < len(wf.Stages) {
		if runCtx.Err() != nil {
			return wf, d.interrupt(persistCtx, wf, context.Cause(runCtx))
		}
		spec := p.Stages[wf.CurrentStageIndex]
		done, err := d.runStage(runCtx, persistCtx, spec, wf, l)
		if err != nil || done {
			return wf, err
		}
		wf.Advance()
		if err := d.save(persistCtx, wf); err != nil {
			return wf, err
		}
	}

	wf.Complete()
	if err := d.save(persistCtx, wf); err != nil {
		return wf, err
	}
	d.emit(events.NewPayload(wf, events.WorkflowCompleted, "", fmt.Sprintf("workflow %s completed", wf.WorkflowID)))
	log.Info("workflow completed")

	if d.leases != nil && p.ReleaseOnComplete {
		// Release logs its own failures; a leaked lease does not fail the workflow.
		d.leases.Release(persistCtx, wf)
	}
	return wf, nil
}

// runStage takes one stage through dependency, precondition and skip
// checks and then executes it. done reports that the workflow stopped.
func (d *Driver) runStage(ctx, persistCtx context.Context, spec StageSpec, wf *pipeline.WorkflowExecution, l *lease.Lease) (done bool, err error) {
	st, ok := d.registry.Create(spec.Name)
	if !ok {
		return true, fmt.Errorf("%w: %q", ErrUnknownStage, spec.Name)
	}
	log := d.log.WithFields(logrus.Fields{"workflow_id": wf.WorkflowID, "stage": spec.Name})
	sc := d.stageContext(persistCtx, wf, spec, l)

	if missing := unmetDependencies(wf, st, wf.CurrentStageIndex); len(missing) > 0 {
		reason := fmt.Sprintf("stage %s: dependencies not satisfied: %s", spec.Name, strings.Join(missing, ", "))
		return true, d.failWorkflow(persistCtx, wf, spec.Name, reason)
	}
	if ok, reason := st.Preconditions(sc); !ok {
		return true, d.failWorkflow(persistCtx, wf, spec.Name, fmt.Sprintf("stage %s: precondition failed: %s", spec.Name, reason))
	}
	if skip, reason := st.ShouldSkip(sc); skip {
		res := stage.Skipped(reason)
		wf.MarkStageCompleted(spec.Name, res)
		if err := d.save(persistCtx, wf); err != nil {
			return true, err
		}
		d.emitResult(wf, spec.Name, res)
		log.WithField("reason", reason).Info("stage skipped")
		return false, nil
	}

	wf.MarkStageStarted(spec.Name)
	if err := d.save(persistCtx, wf); err != nil {
		return true, err
	}
	d.emit(events.NewPayload(wf, events.StageStarted, spec.Name, fmt.Sprintf("%s started", st.DisplayName())))

	res := execute(ctx, st, sc)
	st.Cleanup(sc)

	if ctx.Err() != nil {
		// The interrupted stage stays running so a resume reruns it.
		return true, d.interrupt(persistCtx, wf, context.Cause(ctx))
	}

	wf.MarkStageCompleted(spec.Name, res)
	if err := d.save(persistCtx, wf); err != nil {
		return true, err
	}
	d.emitResult(wf, spec.Name, res)

	if res.Status != stage.StatusFailed {
		return false, nil
	}
	cause := res.Error
	if cause == "" {
		cause = res.Message
	}
	st.OnFailure(sc, errors.New(cause))
	if !spec.halts() {
		log.WithField("error", cause).Warn("stage failed; continuing per failure policy")
		return false, nil
	}
	return true, d.failWorkflow(persistCtx, wf, "", fmt.Sprintf("stage %s failed: %s", spec.Name, cause))
}

// execute runs the stage, turning a panic or a non-terminal status into a
// failed result.
func execute(ctx context.Context, st stage.Stage, sc *stage.Context) (res stage.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = stage.Failed(fmt.Sprintf("%s panicked", st.Name()), fmt.Sprint(r))
		}
	}()
	res = st.Execute(ctx, sc)
	if !res.Status.IsTerminal() {
		res = stage.Failed(fmt.Sprintf("%s returned status %q", st.Name(), res.Status), "stage did not finish")
	}
	return res
}

// unmetDependencies lists declared dependencies in the pipeline that have
// not completed or skipped. A stage with no declared dependencies needs
// only its predecessor to have finished.
func unmetDependencies(wf *pipeline.WorkflowExecution, st stage.Stage, idx int) []string {
	deps := st.Dependencies()
	if len(deps) == 0 {
		if idx > 0 && !wf.Stages[idx-1].Status.IsTerminal() {
			return []string{wf.Stages[idx-1].Name}
		}
		return nil
	}
	var missing []string
	for _, dep := range deps {
		if wf.StageIndex(dep) < 0 {
			continue
		}
		if !wf.IsSatisfied(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (d *Driver) stageContext(ctx context.Context, wf *pipeline.WorkflowExecution, spec StageSpec, l *lease.Lease) *stage.Context {
	opts := spec.Options
	if opts == nil {
		opts = stage.Options{}
	}
	sc := &stage.Context{
		WorkflowID: wf.WorkflowID,
		Issue:      wf.Issue,
		State:      &workflowState{ctx: ctx, wf: wf, store: d.store},
		Logger:     d.log,
		Notifier:   d.notifier,
		Options:    opts,
		Workdir:    d.workdir,
	}
	if l != nil {
		if l.Workdir != "" {
			sc.Workdir = l.Workdir
		}
		sc.Env = l.Env()
	}
	return sc
}

// interrupt records a pause or cancellation. Anything other than a pause
// counts as a cancellation.
func (d *Driver) interrupt(ctx context.Context, wf *pipeline.WorkflowExecution, cause error) error {
	if errors.Is(cause, ErrPaused) {
		wf.Pause(cause.Error())
		if err := d.save(ctx, wf); err != nil {
			return err
		}
		d.log.WithFields(logrus.Fields{"workflow_id": wf.WorkflowID, "reason": cause.Error()}).Info("workflow paused")
		return nil
	}
	reason := ErrCancelled.Error()
	if errors.Is(cause, ErrCancelled) {
		reason = cause.Error()
	}
	return d.failWorkflow(ctx, wf, "", reason)
}

func signalCause(base error, reason string) error {
	if reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, reason)
}

// failWorkflow marks wf failed, persists it and publishes the failure.
// A non-empty stageName also publishes a StageFailed for that stage.
func (d *Driver) failWorkflow(ctx context.Context, wf *pipeline.WorkflowExecution, stageName, reason string) error {
	wf.Fail(reason)
	if err := d.save(ctx, wf); err != nil {
		return err
	}
	if stageName != "" {
		p := events.NewPayload(wf, events.StageFailed, stageName, reason)
		p.Error = reason
		d.emit(p)
	}
	p := events.NewPayload(wf, events.WorkflowFailed, "", fmt.Sprintf("workflow %s failed", wf.WorkflowID))
	p.Error = wf.Error
	d.emit(p)
	d.log.WithFields(logrus.Fields{"workflow_id": wf.WorkflowID, "reason": reason}).Warn("workflow failed")
	return nil
}

func (d *Driver) emitResult(wf *pipeline.WorkflowExecution, name string, res stage.Result) {
	var t events.EventType
	switch res.Status {
	case stage.StatusCompleted:
		t = events.StageCompleted
	case stage.StatusSkipped:
		t = events.StageSkipped
	default:
		t = events.StageFailed
	}
	p := events.NewPayload(wf, t, name, res.Message)
	p.DurationMs = res.DurationMs
	switch t {
	case events.StageSkipped:
		p.SkipReason = res.Message
	case events.StageFailed:
		p.Error = res.Error
	}
	d.emit(p)
}

func (d *Driver) emit(p events.Payload) {
	if d.bus != nil {
		d.bus.Emit(p)
	}
}

func (d *Driver) save(ctx context.Context, wf *pipeline.WorkflowExecution) error {
	if err := d.store.Save(ctx, wf); err != nil {
		d.log.WithError(err).WithField("workflow_id", wf.WorkflowID).Error("persist workflow")
		return fmt.Errorf("persist workflow %s: %w", wf.WorkflowID, err)
	}
	return nil
}

// workflowState exposes workflow metadata to stages.
type workflowState struct {
	ctx   context.Context
	wf    *pipeline.WorkflowExecution
	store pipeline.Backend
}

func (s *workflowState) Get(key string) (string, bool) {
	v, ok := s.wf.Metadata[key]
	return v, ok
}

func (s *workflowState) Set(key, value string) {
	s.wf.SetMeta(key, value)
}

func (s *workflowState) Save() error {
	return s.store.Save(s.ctx, s.wf)
}

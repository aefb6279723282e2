package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stageflow/internal/db"
	"github.com/lucasnoah/stageflow/internal/events"
	"github.com/lucasnoah/stageflow/internal/lease"
	"github.com/lucasnoah/stageflow/internal/orchestrator"
	"github.com/lucasnoah/stageflow/internal/pipeline"
	"github.com/lucasnoah/stageflow/internal/stage"
	"github.com/lucasnoah/stageflow/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run <issue>",
	Short: "Start a new workflow for an issue and drive it to the end",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		return drive(cmd, func(ctx context.Context, d *orchestrator.Driver, p orchestrator.Pipeline) (*pipeline.WorkflowExecution, error) {
			return d.Launch(ctx, p, orchestrator.LaunchOpts{Issue: args[0], WorkflowID: id})
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a failed or paused workflow at its current stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return drive(cmd, func(ctx context.Context, d *orchestrator.Driver, p orchestrator.Pipeline) (*pipeline.WorkflowExecution, error) {
			return d.Resume(ctx, p, args[0])
		})
	},
}

type driveFunc func(ctx context.Context, d *orchestrator.Driver, p orchestrator.Pipeline) (*pipeline.WorkflowExecution, error)

// drive wires a Driver from flags and settings, runs fn and prints the
// outcome. A workflow that ends failed is reported as an error.
func drive(cmd *cobra.Command, fn driveFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadPipelineConfig(cfgPath, a.settings.Home)
	if err != nil {
		return err
	}
	reg, err := a.registry()
	if err != nil {
		return err
	}
	rawOpts, _ := cmd.Flags().GetStringArray("opt")
	overrides, err := parseOpts(rawOpts)
	if err != nil {
		return err
	}
	p, err := orchestrator.FromConfig(cfg).WithOverrides(overrides)
	if err != nil {
		return err
	}

	dcfg := orchestrator.Config{
		Registry:   reg,
		Store:      a.store,
		Bus:        events.NewBus(a.log),
		Logger:     a.log,
		ControlDir: a.controlDir,
	}
	noLease, _ := cmd.Flags().GetBool("no-lease")
	live, _ := cmd.Flags().GetBool("live")
	if live && noLease {
		return fmt.Errorf("--live serves on the leased port and cannot be combined with --no-lease")
	}
	if !noLease {
		alloc, err := a.allocator(cfg)
		if err != nil {
			return err
		}
		dcfg.Leases = alloc
	}
	dcfg.Bus.OnAll(db.Recorder(a.history))
	dcfg.Bus.OnAll(progressPrinter(cmd.ErrOrStderr()))
	if live {
		dcfg.OnLease = liveServer(a, dcfg.Bus)
	}

	d, err := orchestrator.New(dcfg)
	if err != nil {
		return err
	}
	wf, err := fn(ctx, d, p)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), wf)
	if wf.Status == pipeline.WorkflowFailed {
		return fmt.Errorf("workflow %s failed: %s", wf.WorkflowID, wf.Error)
	}
	return nil
}

// parseOpts turns repeated stage.key=value flags into per-stage options.
func parseOpts(raw []string) (map[string]stage.Options, error) {
	out := map[string]stage.Options{}
	for _, r := range raw {
		key, value, ok := strings.Cut(r, "=")
		name, opt, dotted := strings.Cut(key, ".")
		if !ok || !dotted || name == "" || opt == "" {
			return nil, fmt.Errorf("invalid --opt %q: want stage.key=value", r)
		}
		if out[name] == nil {
			out[name] = stage.Options{}
		}
		out[name][opt] = value
	}
	return out, nil
}

// progressPrinter writes one human-readable line per lifecycle event.
func progressPrinter(w io.Writer) events.Handler {
	return func(p events.Payload) error {
		line := fmt.Sprintf("  → [%3d%%] %s", p.ProgressPercent(), p.Message)
		switch {
		case p.Error != "":
			line += ": " + p.Error
		case p.SkipReason != "":
			line += " (" + p.SkipReason + ")"
		}
		if p.DurationMs != nil {
			line += fmt.Sprintf(" [%s]", (time.Duration(*p.DurationMs) * time.Millisecond).String())
		}
		_, err := fmt.Fprintln(w, line)
		return err
	}
}

// liveServer starts the status server on the workflow's primary port for
// as long as the workflow is driven.
func liveServer(a *app, bus *events.Bus) orchestrator.LeaseHook {
	return func(_ context.Context, wf *pipeline.WorkflowExecution, l *lease.Lease) (func(), error) {
		srv := web.NewServer(a.store, a.history, a.log)
		id := bus.OnAll(srv.Hub().Handler())
		if err := srv.Start(fmt.Sprintf("127.0.0.1:%d", l.Ports.Primary)); err != nil {
			bus.OffAll(id)
			return nil, err
		}
		a.log.WithField("addr", srv.Addr()).WithField("workflow_id", wf.WorkflowID).Info("status server listening")
		return func() {
			bus.OffAll(id)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				a.log.WithError(err).Warn("status server shutdown")
			}
		}, nil
	}
}

func printSummary(w io.Writer, wf *pipeline.WorkflowExecution) {
	fmt.Fprintf(w, "Workflow %s (%s) %s\n", wf.WorkflowID, wf.WorkflowName, wf.Status)
	for _, s := range wf.Stages {
		line := fmt.Sprintf("  %-10s %s", s.Name, s.Status)
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	if wf.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", wf.Error)
	}
	if wf.Status.Resumable() {
		fmt.Fprintf(w, "Resume with: stageflow resume %s\n", wf.WorkflowID)
	}
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().StringP("config", "c", "", "path to pipeline config file")
		c.Flags().StringArray("opt", nil, "stage option override as stage.key=value (repeatable)")
		c.Flags().Bool("live", false, "serve status and a websocket event stream on the workflow's primary port")
		c.Flags().Bool("no-lease", false, "run in the current directory without a worktree or ports")
	}
	runCmd.Flags().String("id", "", "workflow id (generated when empty)")
}

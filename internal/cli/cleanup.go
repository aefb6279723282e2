package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stageflow/internal/lease"
	"github.com/lucasnoah/stageflow/internal/pipeline"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [workflow-id]",
	Short: "Release a workflow's worktree and ports, or sweep stale port claims",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sweep, _ := cmd.Flags().GetBool("sweep")
		if len(args) == 0 && !sweep {
			return errors.New("give a workflow id or --sweep")
		}

		a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.close()

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadPipelineConfig(cfgPath, a.settings.Home)
		if err != nil {
			return err
		}
		alloc, err := a.allocator(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			if err := releaseWorkflow(cmd, a, alloc, args[0]); err != nil {
				return err
			}
		}
		if sweep {
			freed, err := alloc.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range freed {
				fmt.Fprintf(out, "Freed stale claim %s\n", p)
			}
			if len(freed) == 0 {
				fmt.Fprintln(out, "No stale claims.")
			}
		}
		return nil
	},
}

func releaseWorkflow(cmd *cobra.Command, a *app, alloc *lease.Allocator, id string) error {
	ctx := cmd.Context()
	wf, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status == pipeline.WorkflowRunning {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			return fmt.Errorf("workflow %s is running; cancel it first or pass --force", id)
		}
	}
	if err := alloc.Release(ctx, wf); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Released lease for workflow %s\n", id)

	if del, _ := cmd.Flags().GetBool("delete"); del {
		if err := a.store.Delete(ctx, id); err != nil {
			return err
		}
		n, err := a.history.DeleteEvents(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted workflow %s and %d event(s)\n", id, n)
	}
	return nil
}

func init() {
	cleanupCmd.Flags().StringP("config", "c", "", "path to pipeline config file")
	cleanupCmd.Flags().Bool("sweep", false, "remove port claims held by finished or missing workflows")
	cleanupCmd.Flags().Bool("delete", false, "also delete the workflow's state and event history")
	cleanupCmd.Flags().Bool("force", false, "release even if the workflow is still running")
}

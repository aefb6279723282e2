package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stageflow/internal/pipeline"
	"github.com/lucasnoah/stageflow/internal/watcher"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <workflow-id>",
	Short: "Pause a running workflow; its current stage is interrupted and reruns on resume",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(cmd, args[0], watcher.Pause)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <workflow-id>",
	Short: "Cancel a running workflow, interrupting its current stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendSignal(cmd, args[0], watcher.Cancel)
	},
}

// sendSignal drops a control file for the workflow. Only pending or
// running workflows accept signals.
func sendSignal(cmd *cobra.Command, id string, sig watcher.Signal) error {
	a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	wf, err := a.store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	if wf.Status != pipeline.WorkflowRunning && wf.Status != pipeline.WorkflowPending {
		return fmt.Errorf("workflow %s is %s", id, wf.Status)
	}
	reason, _ := cmd.Flags().GetString("reason")
	if err := watcher.Send(a.controlDir(id), sig, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to workflow %s\n", sig, id)
	return nil
}

func init() {
	pauseCmd.Flags().String("reason", "", "reason recorded on the workflow")
	cancelCmd.Flags().String("reason", "", "reason recorded on the workflow")
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stageflow/internal/db"
	"github.com/lucasnoah/stageflow/internal/events"
	"github.com/lucasnoah/stageflow/internal/pipeline"
	"github.com/lucasnoah/stageflow/internal/stage"
	"github.com/lucasnoah/stageflow/internal/watcher"
)

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show the state of one workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.close()

		wf, err := a.store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(wf, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Workflow:  %s\n", wf.WorkflowID)
		fmt.Fprintf(w, "Pipeline:  %s\n", wf.WorkflowName)
		if wf.Issue != "" {
			fmt.Fprintf(w, "Issue:     %s\n", wf.Issue)
		}
		fmt.Fprintf(w, "Status:    %s\n", wf.Status)
		if cur := wf.CurrentStage(); cur != nil && wf.Status != pipeline.WorkflowCompleted {
			fmt.Fprintf(w, "Stage:     %s (%d/%d)\n", cur.Name, wf.CurrentStageIndex+1, len(wf.Stages))
		}
		if wf.Error != "" {
			fmt.Fprintf(w, "Error:     %s\n", wf.Error)
		}
		if sig, reason, ok := watcher.Pending(a.controlDir(wf.WorkflowID)); ok {
			pending := string(sig)
			if reason != "" {
				pending += ": " + reason
			}
			fmt.Fprintf(w, "Pending:   %s\n", pending)
		}
		if ports := wf.Meta(stage.KeyPrimaryPort); ports != "" {
			fmt.Fprintf(w, "Ports:     %s/%s\n", ports, wf.Meta(stage.KeySecondaryPort))
		}
		if dir := wf.Meta(stage.KeyWorkdir); dir != "" {
			fmt.Fprintf(w, "Workdir:   %s\n", dir)
		}
		if err := printHistory(w, a.history, wf.WorkflowID); err != nil {
			return err
		}
		fmt.Fprintln(w)
		printStages(w, wf)
		return nil
	},
}

// printHistory summarizes the recorded events of a workflow.
func printHistory(w io.Writer, h *db.DB, workflowID string) error {
	last, err := h.LatestEvent(workflowID)
	if err != nil || last == nil {
		return err
	}
	total, err := h.CountEvents(workflowID, "")
	if err != nil {
		return err
	}
	failures, err := h.CountEvents(workflowID, events.StageFailed)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s at %s", last.Event, last.Timestamp)
	if last.Stage != "" {
		line = fmt.Sprintf("%s (%s) at %s", last.Event, last.Stage, last.Timestamp)
	}
	fmt.Fprintf(w, "Last:      %s\n", line)
	fmt.Fprintf(w, "Events:    %d recorded, %d stage failures\n", total, failures)
	return nil
}

func printStages(w io.Writer, wf *pipeline.WorkflowExecution) {
	fmt.Fprintf(w, "%-12s %-10s %-4s %-10s %s\n", "STAGE", "STATUS", "ATT", "DURATION", "DETAIL")
	fmt.Fprintf(w, "%-12s %-10s %-4s %-10s %s\n",
		strings.Repeat("-", 12),
		strings.Repeat("-", 10),
		strings.Repeat("-", 4),
		strings.Repeat("-", 10),
		strings.Repeat("-", 6))
	for _, s := range wf.Stages {
		dur := ""
		if s.StartedAt != nil && s.CompletedAt != nil {
			dur = s.CompletedAt.Sub(*s.StartedAt).Round(time.Millisecond).String()
		}
		detail := s.Error
		if detail == "" && s.Result != nil {
			detail = s.Result.Message
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		fmt.Fprintf(w, "%-12s %-10s %-4d %-10s %s\n", s.Name, s.Status, s.Attempts, dur, detail)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows in creation order, or by issue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.close()

		status, _ := cmd.Flags().GetString("status")
		st := pipeline.WorkflowStatus(status)
		if status != "" && !st.Valid() {
			return fmt.Errorf("unknown status %q", status)
		}
		issue, _ := cmd.Flags().GetString("issue")
		var wfs []pipeline.WorkflowExecution
		if issue != "" {
			wfs, err = pipeline.FindByIssue(cmd.Context(), a.store, issue)
			wfs = slices.DeleteFunc(wfs, func(wf pipeline.WorkflowExecution) bool {
				return status != "" && wf.Status != st
			})
		} else {
			wfs, err = a.store.List(cmd.Context(), st)
		}
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(wfs, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(wfs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No workflows found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-10s %-10s %-10s %-12s %-8s %s\n", "ID", "PIPELINE", "STATUS", "STAGE", "ISSUE", "UPDATED")
		fmt.Fprintf(w, "%-10s %-10s %-10s %-12s %-8s %s\n",
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 12),
			strings.Repeat("-", 8),
			strings.Repeat("-", 7))
		for i := range wfs {
			wf := &wfs[i]
			stageName := ""
			if cur := wf.CurrentStage(); cur != nil && wf.Status != pipeline.WorkflowCompleted {
				stageName = cur.Name
			}
			fmt.Fprintf(w, "%-10s %-10s %-10s %-12s %-8s %s\n",
				wf.WorkflowID, wf.WorkflowName, wf.Status, stageName, wf.Issue,
				wf.UpdatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	listCmd.Flags().String("format", "text", "Output format: text or json")
	listCmd.Flags().String("status", "", "only show workflows with this status")
	listCmd.Flags().String("issue", "", "only show workflows for this issue, newest first")
}

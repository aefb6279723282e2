package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events <workflow-id>",
	Short: "Show the recorded lifecycle events of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.close()

		limit, _ := cmd.Flags().GetInt("limit")
		evs, err := a.history.Events(args[0], limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			raw := make([]json.RawMessage, len(evs))
			for i, e := range evs {
				raw[i] = json.RawMessage(e.Payload)
			}
			data, _ := json.MarshalIndent(raw, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(evs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-30s %-18s %-10s %-5s %s\n", "TIME", "EVENT", "STAGE", "PCT", "MESSAGE")
		fmt.Fprintf(w, "%-30s %-18s %-10s %-5s %s\n",
			strings.Repeat("-", 30),
			strings.Repeat("-", 18),
			strings.Repeat("-", 10),
			strings.Repeat("-", 5),
			strings.Repeat("-", 7))
		for _, e := range evs {
			msg := e.Message
			if e.Error != "" {
				msg += ": " + e.Error
			}
			fmt.Fprintf(w, "%-30s %-18s %-10s %-5s %s\n", e.Timestamp, e.Event, e.Stage, fmt.Sprintf("%d%%", e.Progress), msg)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 0, "show at most this many events (0 for all)")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}

package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "stageflow",
	Short: "stageflow: run issue-driven SDLC workflows through pluggable stages",
	Long: `stageflow drives an issue through an ordered pipeline of stages (plan, build,
test, review, document, merge). Each workflow runs in its own git worktree with
its own pair of ports, and can be paused, cancelled and resumed.

All state is stored in ~/.stageflow/ (JSON per workflow, SQLite for events)
unless STAGEFLOW_HOME is set. Set STAGEFLOW_POSTGRES_DSN to keep workflow state
in Postgres instead.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(configCmd)
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the registered stages and their dependencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.close()

		reg, err := a.registry()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-12s %-12s %s\n", "NAME", "DISPLAY", "DEPENDS ON")
		for _, name := range reg.Names() {
			st, _ := reg.Create(name)
			deps := strings.Join(st.Dependencies(), ", ")
			if deps == "" {
				deps = "-"
			}
			fmt.Fprintf(w, "%-12s %-12s %s\n", name, st.DisplayName(), deps)
		}
		return nil
	},
}

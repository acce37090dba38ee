package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/ranyadesk/internal/app"
	"github.com/harun/ranyadesk/pkg/bridge"
)

var greetCmd = &cobra.Command{
	Use:   "greet <name>",
	Short: "Print a greeting",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), bridge.Greet(strings.Join(args, " ")))
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "ranyadesk %s\n", app.Version)
		return err
	},
}

func init() {
	rootCmd.AddCommand(greetCmd, versionCmd)
}

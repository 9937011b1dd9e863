package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-reconciler/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the oraclewatch version, commit and build date",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

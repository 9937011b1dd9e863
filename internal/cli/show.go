package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-reconciler/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display sync states and recent alerts",
	Long: `Show prints one row per oracle instance with its last processed position,
observed tip, lag, consecutive failures, active RPC endpoint and last error
code, followed by the most recent alerts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of recent alerts to display")
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	aggregateChain string
	historyHours   int
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [symbol...]",
	Short: "Reconcile the latest protocol prices (configured symbols by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Aggregate(cmd.Context(), args, aggregateChain)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <symbol>",
	Short: "Display persisted comparisons for a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyHours <= 0 {
			return fmt.Errorf("--hours must be greater than zero")
		}
		return getApp().History(cmd.Context(), args[0], historyHours)
	},
}

func init() {
	aggregateCmd.Flags().StringVar(&aggregateChain, "chain", "", "Restrict observations to a chain (defaults to aggregation.chain)")
	historyCmd.Flags().IntVar(&historyHours, "hours", 24, "Look-back window in hours")
}

package cli

import (
	"github.com/spf13/cobra"

	"intents-rebalancer/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled rebalance loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	rebalancePortfolio string
	rebalanceDryRun    bool
)

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Run one rebalance cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Rebalance(cmd.Context(), app.RebalanceOptions{
			Portfolio: rebalancePortfolio,
			DryRun:    rebalanceDryRun,
		})
	},
}

func init() {
	rebalanceCmd.Flags().StringVar(&rebalancePortfolio, "portfolio", "", "Only rebalance this portfolio (user id)")
	rebalanceCmd.Flags().BoolVar(&rebalanceDryRun, "dry-run", false, "Build and hash intents without signing or publishing")
}

package cli

import (
	"time"

	"github.com/spf13/cobra"

	"intents-rebalancer/internal/app"
)

var (
	quoteIn       string
	quoteOut      string
	quoteAmount   string
	quoteExactOut bool
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Request a single quote from the solver relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Quote(cmd.Context(), app.QuoteOptions{
			AssetIn:  quoteIn,
			AssetOut: quoteOut,
			Amount:   quoteAmount,
			ExactOut: quoteExactOut,
		})
	},
}

var statusIntent string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Look up the settlement status of a published intent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().IntentStatus(cmd.Context(), statusIntent)
	},
}

var nonceSigner string

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Draw a nonce unused by a signer on the verifying contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Nonce(cmd.Context(), nonceSigner)
	},
}

var migrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context(), migrateStatus)
	},
}

var pruneOlderThan time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete portfolio snapshots older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), app.PruneOptions{OlderThan: pruneOlderThan})
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteIn, "in", "", "Asset to sell (defuse asset id)")
	quoteCmd.Flags().StringVar(&quoteOut, "out", "", "Asset to buy (defuse asset id)")
	quoteCmd.Flags().StringVar(&quoteAmount, "amount", "", "Amount in the asset's smallest unit")
	quoteCmd.Flags().BoolVar(&quoteExactOut, "exact-out", false, "Treat --amount as the exact output amount")

	statusCmd.Flags().StringVar(&statusIntent, "intent", "", "Intent hash returned by publish_intent")

	nonceCmd.Flags().StringVar(&nonceSigner, "signer", "", "Signer account id")

	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Print migration status instead of applying")

	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 90*24*time.Hour, "Retention window")
}

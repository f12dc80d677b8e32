package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"intents-rebalancer/internal/storage"
)

var (
	simulatePortfolio string
	simulateStatus    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟的再平衡告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePortfolio == "" {
			return errors.New("--portfolio 不能为空")
		}
		switch simulateStatus {
		case storage.StatusPublished, storage.StatusFailed:
		default:
			return errors.New("--status 只能是 published 或 failed")
		}
		return getApp().SimulateAlert(cmd.Context(), simulatePortfolio, simulateStatus)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePortfolio, "portfolio", "simulated.near", "组合账户")
	simulateCmd.Flags().StringVar(&simulateStatus, "status", storage.StatusFailed, "通知状态 (published|failed)")
}

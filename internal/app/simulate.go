package app

import (
	"context"
	"errors"
	"time"

	"intents-rebalancer/internal/alerting"
	"intents-rebalancer/internal/storage"
)

// SimulateAlert 通过配置的告警通道发送一条模拟的再平衡通知。
func (a *App) SimulateAlert(ctx context.Context, portfolio, status string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		At:         nowUTC(),
		Portfolio:  portfolio,
		Side:       storage.SideSell,
		Status:     status,
		IntentHash: "simulated",
		QuoteCount: 1,
		Diff: map[string]string{
			a.Config.Rebalance.Stablecoin: "1000000",
		},
		Channels: a.Config.Alerting.Channels,
	}
	if status == storage.StatusFailed {
		note.Error = "模拟失败"
	}
	return notifier.Notify(ctx, note)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

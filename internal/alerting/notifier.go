package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"intents-rebalancer/internal/logging"
)

// Notification 封装一次再平衡事件的上下文。
type Notification struct {
	At          time.Time
	Portfolio   string
	Side        string
	Status      string
	IntentHash  string
	MessageHash string
	QuoteCount  int
	Diff        map[string]string
	Channels    []string
	Error       string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logging.Component(logger, "alert_telegram"),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("portfolio", note.Portfolio).
		Str("side", note.Side).
		Str("status", note.Status).
		Msg("告警已发送 (Telegram)")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Rebalance %s]\n", strings.ToUpper(note.Status)))
	builder.WriteString(fmt.Sprintf("Portfolio: %s\n", note.Portfolio))
	builder.WriteString(fmt.Sprintf("Side: %s\n", note.Side))
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.QuoteCount > 0 {
		builder.WriteString(fmt.Sprintf("Quotes: %d\n", note.QuoteCount))
	}
	if len(note.Diff) > 0 {
		assets := make([]string, 0, len(note.Diff))
		for asset := range note.Diff {
			assets = append(assets, asset)
		}
		sort.Strings(assets)
		builder.WriteString("Diff:\n")
		for _, asset := range assets {
			builder.WriteString(fmt.Sprintf("  %s: %s\n", asset, note.Diff[asset]))
		}
	}
	if note.MessageHash != "" {
		builder.WriteString(fmt.Sprintf("Hash: %s\n", note.MessageHash))
	}
	if note.IntentHash != "" {
		builder.WriteString(fmt.Sprintf("Intent: %s\n", note.IntentHash))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	return builder.String()
}

// Fanout 将通知依次投递到多个渠道，单个渠道失败不影响其他渠道。
type Fanout struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewFanout builds a notifier that delivers to every non-nil notifier.
func NewFanout(logger zerolog.Logger, notifiers ...Notifier) *Fanout {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &Fanout{notifiers: kept, logger: logging.Component(logger, "alert_fanout")}
}

// Len reports the number of configured channels.
func (f *Fanout) Len() int { return len(f.notifiers) }

// Notify delivers to every channel and returns the first error seen.
func (f *Fanout) Notify(ctx context.Context, note Notification) error {
	var first error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			f.logger.Warn().Err(err).Str("portfolio", note.Portfolio).Msg("告警发送失败")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Fanout)(nil)
)

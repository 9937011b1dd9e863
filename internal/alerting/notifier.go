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

	"oracle-reconciler/internal/model"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, alert model.Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(alert),
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
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().
		Str("fingerprint", alert.Fingerprint).
		Str("event", alert.Event).
		Str("severity", string(alert.Severity)).
		Msg("alert delivered via telegram")
	return nil
}

// RenderMessage formats an alert as plain text. Ratios in context are shown as percent.
func RenderMessage(alert model.Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", strings.ToUpper(string(alert.Severity)), alert.Title))
	if alert.Message != "" {
		builder.WriteString(alert.Message)
		builder.WriteString("\n")
	}
	if alert.Symbol != "" {
		builder.WriteString(fmt.Sprintf("Symbol: %s\n", alert.Symbol))
	}
	if alert.InstanceID != "" {
		builder.WriteString(fmt.Sprintf("Instance: %s\n", alert.InstanceID))
	}
	if alert.Chain != "" {
		builder.WriteString(fmt.Sprintf("Chain: %s\n", alert.Chain))
	}
	if alert.Contract != "" {
		builder.WriteString(fmt.Sprintf("Contract: %s\n", alert.Contract))
	}
	if ratio, ok := alert.Context["maxDeviationRatio"].(float64); ok {
		builder.WriteString(fmt.Sprintf("Max deviation: %.3f%%\n", ratio*100))
	}
	if outliers, ok := alert.Context["outliers"].([]string); ok && len(outliers) > 0 {
		sorted := append([]string(nil), outliers...)
		sort.Strings(sorted)
		builder.WriteString(fmt.Sprintf("Outliers: %s\n", strings.Join(sorted, ",")))
	}
	if alert.Occurrences > 1 {
		builder.WriteString(fmt.Sprintf("Occurrences: %d\n", alert.Occurrences))
	}
	if len(alert.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(alert.Channels, ",")))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

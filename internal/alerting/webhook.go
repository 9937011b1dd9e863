package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"oracle-reconciler/internal/model"
)

// WebhookNotifier posts the alert as JSON to a fixed URL.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhookNotifier builds a webhook channel.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_webhook").Logger(),
	}
}

type webhookPayload struct {
	Fingerprint string         `json:"fingerprint"`
	Event       string         `json:"event"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Symbol      string         `json:"symbol,omitempty"`
	InstanceID  string         `json:"instanceId,omitempty"`
	Chain       string         `json:"chain,omitempty"`
	Contract    string         `json:"contract,omitempty"`
	Occurrences int            `json:"occurrences"`
	Context     map[string]any `json:"context,omitempty"`
	Text        string         `json:"text"`
	SentAt      time.Time      `json:"sentAt"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert model.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Fingerprint: alert.Fingerprint,
		Event:       alert.Event,
		Severity:    string(alert.Severity),
		Title:       alert.Title,
		Message:     alert.Message,
		Symbol:      alert.Symbol,
		InstanceID:  alert.InstanceID,
		Chain:       alert.Chain,
		Contract:    alert.Contract,
		Occurrences: alert.Occurrences,
		Context:     alert.Context,
		Text:        RenderMessage(alert),
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook unexpected status: %d", resp.StatusCode)
	}
	n.logger.Info().Str("fingerprint", alert.Fingerprint).Msg("alert delivered via webhook")
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)

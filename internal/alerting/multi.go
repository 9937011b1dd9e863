package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"oracle-reconciler/internal/model"
)

// Channel names understood by MultiNotifier.
const (
	ChannelLog      = "log"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
)

// LogNotifier writes the alert to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, alert model.Alert) error {
	n.logger.Warn().
		Str("fingerprint", alert.Fingerprint).
		Str("event", alert.Event).
		Str("severity", string(alert.Severity)).
		Str("symbol", alert.Symbol).
		Str("instance", alert.InstanceID).
		Int("occurrences", alert.Occurrences).
		Msg(alert.Title)
	return nil
}

// MultiNotifier routes an alert to every channel listed on it.
type MultiNotifier struct {
	channels map[string]Notifier
	logger   zerolog.Logger
}

func NewMultiNotifier(logger zerolog.Logger) *MultiNotifier {
	return &MultiNotifier{
		channels: make(map[string]Notifier),
		logger:   logger.With().Str("component", "alert_router").Logger(),
	}
}

// Register binds a channel name. Not safe for use concurrently with Notify.
func (m *MultiNotifier) Register(channel string, n Notifier) *MultiNotifier {
	m.channels[channel] = n
	return m
}

// Notify delivers to each known channel and joins the failures.
func (m *MultiNotifier) Notify(ctx context.Context, alert model.Alert) error {
	var errs []error
	delivered := 0
	for _, ch := range alert.Channels {
		n, ok := m.channels[ch]
		if !ok {
			m.logger.Warn().Str("channel", ch).Str("fingerprint", alert.Fingerprint).Msg("no notifier registered for channel")
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) == 0 && len(alert.Channels) > 0 {
		return fmt.Errorf("no registered channel among %v", alert.Channels)
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*MultiNotifier)(nil)
)

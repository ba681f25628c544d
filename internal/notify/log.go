package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes alerts to the structured log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs every alert
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger.With().Str("component", "notify-log").Logger(),
	}
}

// Name implements Notifier
func (n *LogNotifier) Name() string { return "log" }

// Notify implements Notifier
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.Info().
		Str("alert_id", alert.ID.String()).
		Str("app_id", alert.AppID).
		Int("level", alert.Level).
		Str("category", string(alert.Category)).
		Str("title", alert.Title).
		Str("message", alert.Message).
		Str("snooze_url", alert.Snooze.URL).
		Msg("Usage alert")
	return nil
}

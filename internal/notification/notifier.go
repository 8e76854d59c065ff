// Package notification delivers threshold alerts to external channels
// (webhooks, Telegram) so operators hear about bearing faults without
// watching a dashboard.
package notification

import (
	"context"
	"log/slog"

	"vibrationd/internal/model"
)

// Notifier is the interface for all delivery backends.
type Notifier interface {
	// Notify delivers one alert. Returns error if delivery fails.
	Notify(ctx context.Context, a *model.Alert) error
}

// LogNotifier writes alerts to the structured log (useful for development
// and as a fallback when no external channel is configured).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, a *model.Alert) error {
	slog.Warn("alert",
		"sensor_id", a.SensorID,
		"severity", a.Severity,
		"feature", a.FeatureName,
		"value", a.CurrentValue,
		"threshold", a.ThresholdValue,
		"message", a.Message)
	return nil
}

// Multi fans one alert out to several backends. Delivery failures are
// logged per backend; the first error is returned after all backends
// have been tried.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a *model.Alert) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			slog.Error("alert delivery failed", "error", err, "sensor_id", a.SensorID)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

package provider

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pilot-net/alertcore/pkg/types"
)

// LogAdapter writes notifications to the structured log. It always
// succeeds and is useful for development and as a last-resort target.
type LogAdapter struct {
	name   string
	logger *slog.Logger
}

// NewLogAdapter creates a log adapter.
func NewLogAdapter(name string, logger *slog.Logger) *LogAdapter {
	if name == "" {
		name = "log"
	}
	return &LogAdapter{name: name, logger: logger.With("component", "log_provider")}
}

// Name implements Adapter.
func (l *LogAdapter) Name() string { return l.name }

// Send implements Adapter.
func (l *LogAdapter) Send(ctx context.Context, target types.NotificationTarget, n types.Notification) types.DeliveryResult {
	id := uuid.New().String()
	l.logger.Info("notification",
		"id", id,
		"target", target.String(),
		"kind", n.Kind,
		"fingerprint", n.Fingerprint,
		"rule_id", n.RuleID,
		"severity", n.Severity,
		"level", n.Level,
		"title", n.Title,
	)
	return types.DeliveryResult{
		Success:           true,
		ProviderMessageID: id,
		Provider:          l.name,
		Target:            target.String(),
	}
}

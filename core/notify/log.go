package notify

import (
	"context"
	"log/slog"

	"github.com/wispberry-tech/wispy-trust/core"
)

// LogNotifier writes notifications as structured log records
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log sink. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n core.Notification) error {
	level := slog.LevelInfo
	switch n.Severity {
	case core.RiskHigh, core.RiskCritical:
		level = slog.LevelWarn
	}

	attrs := []any{
		"notification_id", n.ID,
		"type", n.Type,
		"user_id", n.UserID,
		"session_id", n.SessionID,
		"severity", n.Severity,
		"title", n.Title,
	}
	for k, v := range n.Data {
		attrs = append(attrs, "data."+k, v)
	}
	l.logger.Log(ctx, level, n.Message, attrs...)
	return nil
}

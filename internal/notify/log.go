package notify

import (
	"context"
	"log/slog"
)

// Log writes messages to the logger instead of delivering them.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Deliver(ctx context.Context, userID string, msg Message) error {
	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.Name)
	}
	l.logger.InfoContext(ctx, "notification",
		"template", msg.Template,
		"user_id", userID,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
		"attachments", names,
	)
	return nil
}

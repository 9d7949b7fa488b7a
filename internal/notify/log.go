package notify

import (
	"context"
	"encoding/json"
	"log/slog"
)

// LogSink writes notifications to the logger. Used in development and as a
// delivery trace alongside real sinks.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink logging through log, or slog.Default when nil.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, subject, body string, tags Tags) (string, error) {
	s.log.InfoContext(ctx, "Notification",
		slog.String("kind", string(tags.Kind)),
		slog.String("subject", subject),
		slog.String("username", tags.Username),
		slog.Int64("job_id", tags.JobID),
	)
	s.log.DebugContext(ctx, "Notification body", slog.String("body", body))

	receipt, err := json.Marshal(map[string]string{"sink": "log"})
	if err != nil {
		return "", err
	}
	return string(receipt), nil
}

func (s *LogSink) Close() error { return nil }

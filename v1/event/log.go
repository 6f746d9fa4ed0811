package event

import (
	"context"
	"log/slog"
)

// LogSink records events as structured log entries at a fixed level.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink returns a sink logging every event to l at level.
func NewLogSink(l *slog.Logger, level slog.Level) *LogSink {
	return &LogSink{logger: l, level: level}
}

// Emit implements Sink.Emit.
func (s *LogSink) Emit(ctx context.Context, e Event) error {
	s.logger.Log(ctx, s.level, "garden: transition",
		"kind", string(e.Kind),
		"worker", e.Worker,
		"flower", e.Index,
		"pid", e.PID,
	)
	return nil
}

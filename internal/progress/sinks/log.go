package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/order-history-scraper/internal/progress"
)

// LogSink emits structured logs for progress streams. Statistics ticks are
// logged at debug level; milestones at info, sign-in at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageStatistics:
			level = zapcore.DebugLevel
		case progress.StageSignInRequired:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("session_id", uuid.UUID(evt.SessionID).String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("purpose", evt.Purpose),
			zap.Int("queued", evt.Stats.Queued),
			zap.Int("running", evt.Stats.Running),
			zap.Int("succeeded", evt.Stats.Succeeded),
			zap.Int("failed", evt.Stats.Failed),
			zap.Int("cache_hit", evt.Stats.CacheHit),
			zap.String("url", evt.URL),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

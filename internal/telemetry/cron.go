package telemetry

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	logger *slog.Logger
}

// CronLogger adapts slog to the logger interface robfig/cron expects.
// Info output from the scheduler is demoted to debug; it fires on every tick.
func CronLogger(logger *slog.Logger) cron.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return cronLogger{logger: logger}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]any{"error", err}, keysAndValues...)
	c.logger.Error("cron: "+msg, args...)
}

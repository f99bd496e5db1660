package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion's trace output is only
// emitted when the handler is configured that low.
const levelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	logger *slog.Logger
}

// NewLoggerFactory adapts slog to pion's logging interface. Every pion scope
// becomes a "scope" attribute on logger.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{logger: logger}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{logger: f.logger.With("component", "pion", "scope", scope)}
}

type scopedLogger struct {
	logger *slog.Logger
}

func (l scopedLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l scopedLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l scopedLogger) Trace(msg string)                          { l.log(levelTrace, msg) }
func (l scopedLogger) Tracef(format string, args ...interface{}) { l.logf(levelTrace, format, args...) }
func (l scopedLogger) Debug(msg string)                          { l.log(slog.LevelDebug, msg) }
func (l scopedLogger) Debugf(format string, args ...interface{}) { l.logf(slog.LevelDebug, format, args...) }
func (l scopedLogger) Info(msg string)                           { l.log(slog.LevelInfo, msg) }
func (l scopedLogger) Infof(format string, args ...interface{})  { l.logf(slog.LevelInfo, format, args...) }
func (l scopedLogger) Warn(msg string)                           { l.log(slog.LevelWarn, msg) }
func (l scopedLogger) Warnf(format string, args ...interface{})  { l.logf(slog.LevelWarn, format, args...) }
func (l scopedLogger) Error(msg string)                          { l.log(slog.LevelError, msg) }
func (l scopedLogger) Errorf(format string, args ...interface{}) { l.logf(slog.LevelError, format, args...) }

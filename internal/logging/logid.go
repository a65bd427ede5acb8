package logging

// WithLogID returns a logger that tags every line with a request-scoped id.
// The frontend middleware uses this so one MCP call's lines correlate across
// components.
func WithLogID(logger Logger, logID string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if logID == "" {
		return logger
	}
	return &logIDLogger{logger: logger, logID: logID}
}

type logIDLogger struct {
	logger Logger
	logID  string
}

func (l *logIDLogger) Debug(format string, args ...any) {
	l.logger.Debug("{"+l.logID+"} "+format, args...)
}

func (l *logIDLogger) Info(format string, args ...any) {
	l.logger.Info("{"+l.logID+"} "+format, args...)
}

func (l *logIDLogger) Warn(format string, args ...any) {
	l.logger.Warn("{"+l.logID+"} "+format, args...)
}

func (l *logIDLogger) Error(format string, args ...any) {
	l.logger.Error("{"+l.logID+"} "+format, args...)
}

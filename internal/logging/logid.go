package logging

import (
	"context"

	"edgeai/internal/utils/id"
)

// FromContext returns a logger tagged with the task and correlation ids found
// in ctx. Structured loggers receive them as fields, anything else gets a
// textual prefix.
func FromContext(ctx context.Context, logger Logger) Logger {
	logger = OrNop(logger)
	ids := id.IDsFromContext(ctx)
	if ids.TaskID == "" && ids.CorrelationID == "" {
		return logger
	}
	if structured, ok := logger.(*observabilityPrintfLogger); ok {
		var fields []any
		if ids.TaskID != "" {
			fields = append(fields, "task_id", ids.TaskID)
		}
		if ids.CorrelationID != "" {
			fields = append(fields, "correlation_id", ids.CorrelationID)
		}
		return structured.withFields(fields...)
	}
	prefix := ""
	if ids.TaskID != "" {
		prefix += "task=" + ids.TaskID + " "
	}
	if ids.CorrelationID != "" {
		prefix += "cid=" + ids.CorrelationID + " "
	}
	return &prefixLogger{logger: logger, prefix: prefix}
}

type prefixLogger struct {
	logger Logger
	prefix string
}

func (l *prefixLogger) Debug(format string, args ...any) {
	l.logger.Debug(l.prefix+format, args...)
}

func (l *prefixLogger) Info(format string, args ...any) {
	l.logger.Info(l.prefix+format, args...)
}

func (l *prefixLogger) Warn(format string, args ...any) {
	l.logger.Warn(l.prefix+format, args...)
}

func (l *prefixLogger) Error(format string, args ...any) {
	l.logger.Error(l.prefix+format, args...)
}

package observability

import (
	"time"

	"go.uber.org/zap"
)

// OperationLogger logs the phases of one long running operation.
type OperationLogger struct {
	logger    *zap.Logger
	operation string
	startTime time.Time
}

// NewOperationLogger tags l with operation and starts the clock.
func NewOperationLogger(l *zap.Logger, operation string) *OperationLogger {
	return &OperationLogger{
		logger:    l.With(zap.String("operation", operation)),
		operation: operation,
		startTime: time.Now(),
	}
}

// Logger returns the tagged logger.
func (ol *OperationLogger) Logger() *zap.Logger {
	return ol.logger
}

// LogStart logs the start of an operation
func (ol *OperationLogger) LogStart(msg string, fields ...zap.Field) {
	allFields := append(fields, zap.String("phase", "start"))
	ol.logger.Info(msg, allFields...)
}

// LogComplete logs the completion of an operation
func (ol *OperationLogger) LogComplete(msg string, fields ...zap.Field) {
	allFields := append(fields,
		zap.String("phase", "complete"),
		zap.Duration("total_duration", time.Since(ol.startTime)),
	)
	ol.logger.Info(msg, allFields...)
}

// LogError logs an operation error
func (ol *OperationLogger) LogError(msg string, err error, fields ...zap.Field) {
	allFields := append(fields,
		zap.String("phase", "error"),
		zap.Duration("duration_before_error", time.Since(ol.startTime)),
		zap.Error(err),
	)
	ol.logger.Error(msg, allFields...)
}

// Package logging adapts ledger operation callbacks to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"go.uber.org/zap"
)

const operationLogMessage = "credit operation"

// ZapOperationLogger writes one structured line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns an OperationLogger backed by logger. A nil logger is replaced by a no-op.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation logs successes at info and failures at warn. Storage faults are logged at error.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.Account.UserID().String()),
		zap.String("environment", entry.Account.Environment().String()),
	}
	if entry.JobID.String() != "" {
		fields = append(fields, zap.String("job_id", entry.JobID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.IdempotencyKey.String() != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error == nil {
		operationLogger.logger.Info(operationLogMessage, fields...)
		return
	}
	code := ledger.ErrorCodeOf(entry.Error)
	fields = append(fields, zap.String("error_code", string(code)), zap.Error(entry.Error))
	if code == ledger.CodeStorageFailure {
		operationLogger.logger.Error(operationLogMessage, fields...)
		return
	}
	operationLogger.logger.Warn(operationLogMessage, fields...)
}

// NewLogger builds the process logger. Level accepts zap level names.
func NewLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = parsed
	}
	return config.Build()
}

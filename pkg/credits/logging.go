package credits

import (
	"context"

	"go.uber.org/zap"
)

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// OperationLogger records domain-level events emitted by Engine operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation string
	UserID    string
	Amount    int64
	Scene     Scene
	Source    Source
	Reference string
	Status    string
	Error     error
}

const (
	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusRejected = "rejected"
)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithAuditSink wires the best-effort legacy dual-write target.
func WithAuditSink(sink AuditSink) EngineOption {
	return func(engine *Engine) {
		engine.audit = sink
	}
}

// AuditSink receives the non-critical legacy dual-write. Failures are
// swallowed by the engine and must never affect the primary result.
type AuditSink interface {
	InsertLegacyEntry(ctx context.Context, entry LedgerEntry) error
}

// ZapOperationLogger adapts a zap logger to the OperationLogger callback.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires a zap-backed operation logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation emits one structured line per engine operation.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if operationLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.Int64("amount_credits", entry.Amount),
		zap.String("scene", string(entry.Scene)),
		zap.String("source", string(entry.Source)),
		zap.String("status", entry.Status),
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("credit operation", fields...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}

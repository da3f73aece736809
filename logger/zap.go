package logger

import "go.uber.org/zap"

// zapLogger adapts a *zap.Logger (the structured logging library used by
// the sibling order-microservices system in this codebase's lineage) to
// the Logger contract, for hosts that want JSON logs in production
// instead of the slog default.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZap wraps z as a Logger.
func NewZap(z *zap.Logger) Logger {
	return &zapLogger{l: z.Sugar()}
}

func (z *zapLogger) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }
func (z *zapLogger) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
func (z *zapLogger) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }

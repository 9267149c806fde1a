package l3

import (
	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.Logger to the Logger interface so that services
// composed with duraplane can opt into structured, leveled, production
// logging without changing anything at the call site: code that only
// depends on l3.Logger keeps working whether it was wired with Get() or
// with a ZapLogger.
type ZapLogger struct {
	z *zap.SugaredLogger
}

// NewZapLogger wraps z as an l3.Logger. A nil z falls back to zap.NewNop().
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z.Sugar()}
}

func (l *ZapLogger) Error(a ...interface{}) { l.z.Error(a...) }

func (l *ZapLogger) ErrorF(f string, a ...interface{}) { l.z.Errorf(f, a...) }

func (l *ZapLogger) Warn(a ...interface{}) { l.z.Warn(a...) }

func (l *ZapLogger) WarnF(f string, a ...interface{}) { l.z.Warnf(f, a...) }

func (l *ZapLogger) Info(a ...interface{}) { l.z.Info(a...) }

func (l *ZapLogger) InfoF(f string, a ...interface{}) { l.z.Infof(f, a...) }

func (l *ZapLogger) Debug(a ...interface{}) { l.z.Debug(a...) }

func (l *ZapLogger) DebugF(f string, a ...interface{}) { l.z.Debugf(f, a...) }

func (l *ZapLogger) Trace(a ...interface{}) { l.z.Debug(a...) }

func (l *ZapLogger) TraceF(f string, a ...interface{}) { l.z.Debugf(f, a...) }

// Sync flushes any buffered log entries. Callers should defer Sync on the
// zap.Logger they constructed; this helper is for callers holding only the
// ZapLogger.
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}

// NewProductionLogger builds a ZapLogger using zap's production encoder
// config (JSON, ISO8601 timestamps, caller info), suitable as the default
// l3.Logger for a duraplane.Plane running outside local development.
func NewProductionLogger() (*ZapLogger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(z), nil
}

package worker

import (
	"fmt"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// Logger adapts zap to the Temporal SDK logger.
type Logger struct {
	z *zap.Logger
}

var _ log.Logger = (*Logger)(nil)

// NewLogger wraps z.
func NewLogger(z *zap.Logger) *Logger {
	return &Logger{z: z.WithOptions(zap.AddCallerSkip(1))}
}

func (l *Logger) Debug(msg string, keyvals ...any) { l.z.Debug(prefix(msg), fields(keyvals)...) }
func (l *Logger) Info(msg string, keyvals ...any)  { l.z.Info(prefix(msg), fields(keyvals)...) }
func (l *Logger) Warn(msg string, keyvals ...any)  { l.z.Warn(prefix(msg), fields(keyvals)...) }
func (l *Logger) Error(msg string, keyvals ...any) { l.z.Error(prefix(msg), fields(keyvals)...) }

// With returns a logger carrying keyvals on every entry.
func (l *Logger) With(keyvals ...any) log.Logger {
	return &Logger{z: l.z.With(fields(keyvals)...)}
}

func prefix(msg string) string {
	return "temporal: " + msg
}

// fields turns alternating key/value pairs into zap fields. A dangling key
// is kept under "extra".
func fields(keyvals []any) []zap.Field {
	out := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 >= len(keyvals) {
			out = append(out, zap.Any("extra", keyvals[i]))
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if err, ok := keyvals[i+1].(error); ok {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, keyvals[i+1]))
	}
	return out
}

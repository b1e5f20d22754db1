// Package logger defines the keyval logging interface the engine emits
// through, with adapters for log/slog and oarkflow/log.
package logger

type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

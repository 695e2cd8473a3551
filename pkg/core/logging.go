// pkg/core/logging.go
package core

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// NewLogger returns cfg.Logger, or builds a stderr logger honouring Debug
func NewLogger(cfg *Config) *log.Logger {
	if cfg != nil && cfg.Logger != nil {
		return cfg.Logger
	}
	opts := log.Options{Level: log.InfoLevel}
	if cfg != nil && cfg.Debug {
		opts.Level = log.DebugLevel
		opts.ReportTimestamp = true
	}
	return log.NewWithOptions(os.Stderr, opts)
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *log.Logger {
	return log.New(io.Discard)
}

// LoggerOr returns l, or a discard logger when l is nil
func LoggerOr(l *log.Logger) *log.Logger {
	if l == nil {
		return DiscardLogger()
	}
	return l
}

// LogNotifier writes events to a logger
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(e Event) {
	l := LoggerOr(n.Logger)
	kv := []any{"event", string(e.Type)}
	if e.Repository != "" {
		kv = append(kv, "repository", e.Repository)
	}
	if e.Package != "" {
		kv = append(kv, "package", e.Package)
	}
	if e.Err != nil {
		kv = append(kv, "err", e.Err)
	}
	switch e.Type {
	case EventSyncFailed, EventAuthFailure:
		l.Warn(e.Message, kv...)
	default:
		l.Debug(e.Message, kv...)
	}
}

// Package notify delivers short user-facing notifications raised by the
// session: task mutations, connection resets, breakdown progress.
//
// The session layers emit through the [Notifier] interface; the binary picks
// the sink (a structured log by default, a UI bridge in embedded use).
package notify

import "log/slog"

// Notifier receives notifications. Notify carries routine progress, Alert
// carries failures the user should see. Implementations must be safe for
// concurrent use and must not block.
type Notifier interface {
	Notify(message string)
	Alert(message string)
}

// Func adapts a plain function to the Notifier interface. Both severities
// invoke the same function.
type Func func(message string)

func (f Func) Notify(message string) { f(message) }
func (f Func) Alert(message string)  { f(message) }

// Discard drops every notification.
var Discard Notifier = Func(func(string) {})

// Logger emits notifications as structured log records, info level for
// Notify and warn level for Alert.
type Logger struct {
	log *slog.Logger
}

var _ Notifier = (*Logger)(nil)

// NewLogger returns a Notifier backed by log. A nil log uses slog.Default.
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log}
}

func (l *Logger) Notify(message string) {
	l.log.Info("notification", "message", message)
}

func (l *Logger) Alert(message string) {
	l.log.Warn("notification", "message", message)
}

package notify

import (
	"log/slog"
	"time"
)

// Notifier is the user-facing message surface of the supervisor.
type Notifier interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	// Progress shows a long-running operation; the returned func ends it.
	Progress(title, msg string) (done func())
}

// LogNotifier renders notifications as structured log records.
type LogNotifier struct {
	Logger *slog.Logger
}

func NewLogNotifier(l *slog.Logger) *LogNotifier {
	if l == nil {
		l = slog.Default()
	}
	return &LogNotifier{Logger: l}
}

func (n *LogNotifier) logger() *slog.Logger {
	if n == nil || n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

func (n *LogNotifier) Info(msg string)  { n.logger().Info(msg) }
func (n *LogNotifier) Warn(msg string)  { n.logger().Warn(msg) }
func (n *LogNotifier) Error(msg string) { n.logger().Error(msg) }

func (n *LogNotifier) Progress(title, msg string) func() {
	l := n.logger().With("progress", title)
	l.Info(msg)
	start := time.Now()
	done := false
	return func() {
		if done {
			return
		}
		done = true
		l.Debug("progress finished", "elapsed", time.Since(start).Round(time.Millisecond))
	}
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Info(string)                    {}
func (Nop) Warn(string)                    {}
func (Nop) Error(string)                   {}
func (Nop) Progress(string, string) func() { return func() {} }

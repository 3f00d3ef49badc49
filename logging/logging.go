// Package logging defines the minimal structured logging surface used across
// respcache. Adapters for common logging stacks live under log/.
package logging

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Provide an adapter around your logging
// stack. Components treat a nil Logger as disabled.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Debug(string, Fields) {}
func (Nop) Info(string, Fields)  {}
func (Nop) Warn(string, Fields)  {}
func (Nop) Error(string, Fields) {}

// OrNop returns l, or Nop when l is nil. Lets components hold a non-nil
// logger without forcing callers to supply one.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}

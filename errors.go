package respcache

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned when the breaker guards the store and
	// rejects the call without attempting it.
	ErrCircuitOpen = errors.New("respcache: circuit breaker open")

	// ErrClosed is returned by every operation after Shutdown.
	ErrClosed = errors.New("respcache: cache closed")

	// ErrStampedeTimeout is returned when a call waited longer than
	// StampedeTimeout for the in-flight execution of the same key.
	ErrStampedeTimeout = errors.New("respcache: stampede protection timeout")
)

// ConfigError reports an invalid or missing option at construction.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("respcache: invalid config: %s: %s", e.Field, e.Reason)
}

package respcache

import (
	"time"

	"github.com/psadesk/respcache/invalidate"
	"github.com/psadesk/respcache/metrics"
)

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths; wrap with hooks/async to decouple.
type Hooks interface {
	// Background work has started (Initialize or first use).
	Initialized()

	// A metrics threshold was breached.
	ThresholdExceeded(metrics.Alert)

	// An invalidation run completed, delayed and cascaded runs included.
	Invalidation(invalidate.Event)

	// A refresh-ahead fetch finished. err is nil on success.
	RefreshCompleted(key, entityType string, took time.Duration, err error)

	// A warmup pass finished.
	WarmupCompleted(WarmupResult)

	// Shutdown finished draining and closing.
	ShutdownCompleted()
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Initialized()                                          {}
func (NopHooks) ThresholdExceeded(metrics.Alert)                       {}
func (NopHooks) Invalidation(invalidate.Event)                         {}
func (NopHooks) RefreshCompleted(string, string, time.Duration, error) {}
func (NopHooks) WarmupCompleted(WarmupResult)                          {}
func (NopHooks) ShutdownCompleted()                                    {}

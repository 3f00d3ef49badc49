package respcache

import "time"

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

const (
	defaultNamespace            = "api"
	defaultStampedeTimeout      = 5 * time.Second
	defaultBreakerThreshold     = 5
	defaultBreakerCooldown      = 30 * time.Second
	defaultRefreshThreshold     = 0.8
	defaultMaxConcurrentRefresh = 5
	defaultRefreshTimeout       = 30 * time.Second
	defaultFlushInterval        = 5 * time.Second
	defaultBatchSize            = 50
	defaultMaxPendingWrites     = 1000
	defaultWarmupConcurrency    = 4
	defaultWarmupTimeout        = 30 * time.Second
)

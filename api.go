package respcache

import (
	"context"
	"time"

	"github.com/psadesk/respcache/codec"
	"github.com/psadesk/respcache/invalidate"
	"github.com/psadesk/respcache/keygen"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
	"github.com/psadesk/respcache/ttl"
)

// Strategy selects how Execute keeps the cache and the data source
// consistent.
type Strategy string

const (
	// StrategyWriteThrough always fetches and writes before returning.
	StrategyWriteThrough Strategy = "write-through"
	// StrategyLazyLoading serves hits and fetches only on miss. Default.
	StrategyLazyLoading Strategy = "lazy-loading"
	// StrategyRefreshAhead serves hits and refetches aging entries in
	// the background before they expire.
	StrategyRefreshAhead Strategy = "refresh-ahead"
	// StrategyWriteBehind returns fetched values immediately and
	// persists them in coalesced batches.
	StrategyWriteBehind Strategy = "write-behind"
	// StrategyNone bypasses the store entirely.
	StrategyNone Strategy = "none"
)

// Fetcher loads the value from the source of truth on miss or refresh.
type Fetcher[V any] func(ctx context.Context) (V, error)

// ExecOptions override per-call behavior of Execute.
type ExecOptions struct {
	Strategy     Strategy
	TTL          time.Duration
	Tags         []string
	ForceRefresh bool
}

// Result describes one Execute outcome.
type Result[V any] struct {
	Value V
	Key   string
	// Hit is true when the value came from the store.
	Hit bool
	// Cached is true when this execution wrote the value to the store.
	Cached   bool
	Strategy Strategy
	// Refreshed is true when a background refresh was spawned for the
	// served entry.
	Refreshed bool
	// Degraded is true when a store failure forced a direct fetch or
	// dropped the write.
	Degraded bool
	// Shared is true when this call joined another in-flight execution
	// of the same key.
	Shared   bool
	Duration time.Duration
}

// EntityConfig overrides cache behavior for one entity type.
type EntityConfig struct {
	// TTL fixes the entity's default TTL, bypassing the calculator.
	TTL    time.Duration
	MinTTL time.Duration
	MaxTTL time.Duration
	// Strategy applies when Execute gets no per-call override.
	Strategy Strategy
	// TTLStrategy picks the calculator strategy for this entity.
	TTLStrategy ttl.Strategy
	// CacheEmpty caches nil/empty results, which are skipped otherwise.
	CacheEmpty bool
	// MaxEntrySize skips caching encoded values above this many bytes.
	MaxEntrySize int64
	// Tags are attached to every write of this entity type.
	Tags []string
}

// BreakerConfig tunes the circuit breaker guarding the primary store.
type BreakerConfig struct {
	Disabled bool
	// FailureThreshold trips the breaker after this many consecutive
	// failures. Default 5.
	FailureThreshold uint32
	// Cooldown holds the breaker open before a half-open probe.
	// Default 30s.
	Cooldown time.Duration
}

// Options configure a Cache. Only Store is required.
type Options[V any] struct {
	// Required
	Store store.Store

	// Fallback serves reads when the primary fails or the breaker is
	// open; successful primary writes are mirrored to it.
	Fallback store.Store

	Codec     codec.Codec[V]     // nil => codec.JSON[V]
	Keys      *keygen.Generator  // nil => hierarchical keys under Namespace
	Namespace string             // keygen prefix; "" => "api"
	TTL       *ttl.Calculator    // nil => default calculator
	Metrics   *metrics.Collector // nil => fresh collector unless DisableMetrics
	Logger    Logger             // nil => NopLogger
	Hooks     Hooks              // nil => NopHooks

	DisableMetrics bool

	DefaultStrategy Strategy // "" => lazy-loading
	Entities        map[string]EntityConfig

	Rules               []invalidate.Rule
	Dependencies        []invalidate.Dependency
	DisableDefaultRules bool

	DisableStampede bool
	StampedeTimeout time.Duration // 0 => 5s

	Breaker BreakerConfig

	// Refresh-ahead tuning.
	RefreshThreshold     float64       // 0 => 0.8 of TTL
	MaxConcurrentRefresh int           // 0 => 5
	RefreshTimeout       time.Duration // 0 => 30s

	// Write-behind tuning.
	FlushInterval    time.Duration // 0 => 5s
	BatchSize        int           // 0 => 50
	MaxPendingWrites int           // 0 => 1000

	// Disabled turns every operation into a passthrough: reads miss,
	// writes are dropped, Execute always fetches.
	Disabled bool
}

// Cache is the high-level response cache for one value type V.
type Cache[V any] interface {
	// Initialize starts background work (metrics cron, write-behind
	// flusher). Operations start it lazily when skipped.
	Initialize(ctx context.Context) error

	Get(ctx context.Context, req keygen.Request) (V, bool, error)
	Set(ctx context.Context, req keygen.Request, value V, ttl time.Duration) error

	// Execute resolves the entity's strategy and runs the fetcher
	// through it, deduplicating concurrent executions per key.
	Execute(ctx context.Context, req keygen.Request, fetch Fetcher[V], opts ...ExecOptions) (Result[V], error)

	Invalidate(ctx context.Context, req invalidate.Request) (int, error)
	InvalidateByEntityChange(ctx context.Context, entityType string, data map[string]any, change invalidate.ChangeType, entityID string) (int, error)
	Invalidator() *invalidate.Invalidator

	Metrics() metrics.Stats
	Warmup(ctx context.Context, cfg WarmupConfig[V]) (WarmupResult, error)
	Health(ctx context.Context) HealthStatus

	Enabled() bool
	Shutdown(ctx context.Context) error
}

// New validates the options and builds a Cache. Configuration problems
// return a *ConfigError.
func New[V any](opts Options[V]) (Cache[V], error) {
	return newManager[V](opts)
}

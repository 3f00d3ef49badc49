package respcache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/psadesk/respcache/codec"
	"github.com/psadesk/respcache/invalidate"
	"github.com/psadesk/respcache/keygen"
	"github.com/psadesk/respcache/logging"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
	"github.com/psadesk/respcache/ttl"
)

// manager is the single Cache implementation. All strategy work is
// delegated to its executor; the manager owns stores, keys, TTLs,
// invalidation, metrics and lifecycle.
type manager[V any] struct {
	store    store.Store
	fallback store.Store
	codec    codec.Codec[V]
	keys     *keygen.Generator
	ttl      *ttl.Calculator
	met      *metrics.Collector
	log      Logger
	hooks    Hooks
	inv      *invalidate.Invalidator
	exec     *executor[V]
	breaker  *gobreaker.CircuitBreaker

	// readFlight collapses concurrent Get calls per key, execFlight
	// collapses concurrent Execute calls per key.
	readFlight singleflight.Group
	execFlight singleflight.Group

	entities        map[string]EntityConfig
	defaultStrategy Strategy

	stampede        bool
	stampedeTimeout time.Duration

	enabled bool

	// mirrorWG tracks in-flight fallback mirror writes so Shutdown can
	// drain them.
	mirrorWG  sync.WaitGroup
	initOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	started   time.Time
}

func newManager[V any](opts Options[V]) (*manager[V], error) {
	if opts.Store == nil {
		return nil, &ConfigError{Field: "Store", Reason: "required"}
	}
	if opts.RefreshThreshold < 0 || opts.RefreshThreshold > 1 {
		return nil, &ConfigError{Field: "RefreshThreshold", Reason: "must be in (0, 1]"}
	}
	if opts.BatchSize < 0 {
		return nil, &ConfigError{Field: "BatchSize", Reason: "must be >= 0"}
	}
	if opts.MaxPendingWrites < 0 {
		return nil, &ConfigError{Field: "MaxPendingWrites", Reason: "must be >= 0"}
	}
	switch opts.DefaultStrategy {
	case "", StrategyWriteThrough, StrategyLazyLoading, StrategyRefreshAhead, StrategyWriteBehind, StrategyNone:
	default:
		return nil, &ConfigError{Field: "DefaultStrategy", Reason: fmt.Sprintf("unknown strategy %q", opts.DefaultStrategy)}
	}

	log := logging.OrNop(opts.Logger)
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}

	var met *metrics.Collector
	switch {
	case opts.Metrics != nil:
		met = opts.Metrics
	case !opts.DisableMetrics:
		met = metrics.New(metrics.Config{})
	}

	keys := opts.Keys
	if keys == nil {
		keys = keygen.New(keygen.Config{Prefix: coalesce(opts.Namespace, defaultNamespace)})
	}

	calc := opts.TTL
	if calc == nil {
		calc = ttl.New(ttl.Config{})
	}

	cod := opts.Codec
	if cod == nil {
		cod = codec.JSON[V]{}
	}

	entities := make(map[string]EntityConfig, len(opts.Entities))
	for name, cfg := range opts.Entities {
		entities[name] = cfg
	}

	m := &manager[V]{
		store:           opts.Store,
		fallback:        opts.Fallback,
		codec:           cod,
		keys:            keys,
		ttl:             calc,
		met:             met,
		log:             log,
		hooks:           hooks,
		entities:        entities,
		defaultStrategy: coalesce(opts.DefaultStrategy, StrategyLazyLoading),
		stampede:        !opts.DisableStampede,
		stampedeTimeout: coalesce(opts.StampedeTimeout, defaultStampedeTimeout),
		enabled:         !opts.Disabled,
		started:         time.Now(),
	}

	if !opts.Breaker.Disabled {
		threshold := opts.Breaker.FailureThreshold
		if threshold == 0 {
			threshold = defaultBreakerThreshold
		}
		m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "respcache-store",
			MaxRequests: 1,
			Timeout:     coalesce(opts.Breaker.Cooldown, defaultBreakerCooldown),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("store breaker state change", Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		})
	}

	inv, err := invalidate.New(invalidate.Config{
		Store:           opts.Store,
		Keys:            keys,
		Metrics:         met,
		Logger:          log,
		OnInvalidation:  hooks.Invalidation,
		DisableDefaults: opts.DisableDefaultRules,
	})
	if err != nil {
		return nil, err
	}
	for _, r := range opts.Rules {
		inv.AddRule(r)
	}
	for _, d := range opts.Dependencies {
		inv.AddDependency(d)
	}
	m.inv = inv

	if met != nil {
		met.OnThreshold(hooks.ThresholdExceeded)
	}

	m.exec = newExecutor(m, opts)
	return m, nil
}

// Initialize starts the metrics aggregation cron and the write-behind
// flusher. It runs once; later calls return nil.
func (m *manager[V]) Initialize(ctx context.Context) error {
	var err error
	m.initOnce.Do(func() {
		if m.met != nil {
			if serr := m.met.Start(); serr != nil {
				err = serr
				m.log.Warn("metrics aggregation not started", Fields{"error": serr.Error()})
			}
		}
		m.exec.start()
		m.hooks.Initialized()
		m.log.Info("cache initialized", Fields{
			"strategy": string(m.defaultStrategy),
			"fallback": m.fallback != nil,
			"breaker":  m.breaker != nil,
		})
	})
	return err
}

func (m *manager[V]) lazyInit(ctx context.Context) {
	_ = m.Initialize(ctx)
}

// ==============================
// Reads
// ==============================

func (m *manager[V]) Get(ctx context.Context, req keygen.Request) (V, bool, error) {
	var zero V
	if m.closed.Load() {
		return zero, false, ErrClosed
	}
	if !m.enabled {
		return zero, false, nil
	}
	m.lazyInit(ctx)

	key := m.keys.Generate(req)
	start := time.Now()

	e, ok, err := m.lookup(ctx, key)
	if err != nil || !ok {
		m.met.Record(metrics.Point{Op: metrics.OpMiss, EntityType: req.EntityType, Key: key, Duration: time.Since(start)})
		return zero, false, err
	}
	v, ok := m.decode(ctx, key, e)
	if !ok {
		m.met.Record(metrics.Point{Op: metrics.OpMiss, EntityType: req.EntityType, Key: key, Duration: time.Since(start)})
		return zero, false, nil
	}
	m.met.Record(metrics.Point{Op: metrics.OpHit, EntityType: req.EntityType, Key: key, Duration: time.Since(start), Size: e.Size})
	return v, true, nil
}

type readResult struct {
	entry *store.Entry
	ok    bool
}

// lookup reads one key, collapsing concurrent reads of the same key.
// Waiters are released by the result, their own context, or the
// stampede timeout, whichever comes first.
func (m *manager[V]) lookup(ctx context.Context, key string) (*store.Entry, bool, error) {
	if !m.stampede {
		return m.storeGet(ctx, key)
	}
	ch := m.readFlight.DoChan(key, func() (any, error) {
		e, ok, err := m.storeGet(ctx, key)
		if err != nil {
			return nil, err
		}
		return readResult{e, ok}, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(readResult)
		return r.entry, r.ok, nil
	case <-time.After(m.stampedeTimeout):
		m.readFlight.Forget(key)
		return nil, false, ErrStampedeTimeout
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// storeGet reads through the breaker and degrades failures: a failed
// primary read falls back to the mirror store, and a failure there
// becomes a quiet miss so callers refetch from the source. Only an
// open breaker with no usable fallback surfaces as an error.
func (m *manager[V]) storeGet(ctx context.Context, key string) (*store.Entry, bool, error) {
	e, ok, err := m.primaryGet(ctx, key)
	if err == nil {
		return e, ok, nil
	}
	open := errors.Is(err, ErrCircuitOpen)
	if !open {
		m.log.Warn("primary store read failed", Fields{"key": key, "error": err.Error()})
		m.met.Record(metrics.Point{Op: metrics.OpError, Key: key})
	}
	if m.fallback != nil {
		fe, fok, ferr := m.fallback.Get(ctx, key)
		if ferr == nil {
			return fe, fok, nil
		}
		m.log.Warn("fallback store read failed", Fields{"key": key, "error": ferr.Error()})
		m.met.Record(metrics.Point{Op: metrics.OpError, Key: key})
	}
	if open {
		return nil, false, ErrCircuitOpen
	}
	return nil, false, nil
}

func (m *manager[V]) primaryGet(ctx context.Context, key string) (*store.Entry, bool, error) {
	if m.breaker == nil {
		return m.store.Get(ctx, key)
	}
	v, err := m.breaker.Execute(func() (any, error) {
		e, ok, gerr := m.store.Get(ctx, key)
		if gerr != nil {
			return nil, gerr
		}
		return readResult{e, ok}, nil
	})
	if err != nil {
		return nil, false, mapBreakerErr(err)
	}
	r := v.(readResult)
	return r.entry, r.ok, nil
}

// mapBreakerErr folds gobreaker sentinels into ErrCircuitOpen.
func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// decode unwraps an entry through the codec. Undecodable entries are
// deleted and reported as a miss so the next read refetches.
func (m *manager[V]) decode(ctx context.Context, key string, e *store.Entry) (V, bool) {
	v, err := m.codec.Decode(e.Value)
	if err == nil {
		return v, true
	}
	m.log.Warn("removing undecodable cache entry", Fields{"key": key, "error": err.Error()})
	if _, derr := m.store.Delete(ctx, key); derr != nil {
		m.log.Debug("undecodable entry delete failed", Fields{"key": key, "error": derr.Error()})
	}
	var zero V
	return zero, false
}

// ==============================
// Writes
// ==============================

func (m *manager[V]) Set(ctx context.Context, req keygen.Request, value V, ttlOverride time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.enabled {
		return nil
	}
	m.lazyInit(ctx)

	key := m.keys.Generate(req)
	data, err := m.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("respcache: encode %q: %w", key, err)
	}
	if !m.shouldCache(req.EntityType, value, int64(len(data))) {
		return nil
	}
	d := m.resolveTTL(req.EntityType, value, ttlOverride)
	_, err = m.rawSet(ctx, req.EntityType, key, data, d, m.buildTags(req, nil))
	return err
}

// rawSet writes through the breaker and mirrors successful writes to
// the fallback store in the background. It reports whether the write
// landed in the primary. Store failures degrade to a log line and an
// error metric; only an open breaker surfaces.
func (m *manager[V]) rawSet(ctx context.Context, entityType, key string, data []byte, d time.Duration, tags []string) (bool, error) {
	ok, err := m.primarySet(ctx, key, data, d, tags)
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return false, ErrCircuitOpen
		}
		m.log.Warn("primary store write failed", Fields{"key": key, "error": err.Error()})
		m.met.Record(metrics.Point{Op: metrics.OpError, EntityType: entityType, Key: key})
		return false, nil
	}
	if !ok {
		m.log.Debug("store rejected write under pressure", Fields{"key": key})
		return false, nil
	}
	if m.fallback != nil {
		m.mirrorWG.Add(1)
		go func() {
			defer m.mirrorWG.Done()
			if _, merr := m.fallback.Set(context.Background(), key, data, d, tags); merr != nil {
				m.log.Debug("fallback mirror write failed", Fields{"key": key, "error": merr.Error()})
			}
		}()
	}
	m.met.Record(metrics.Point{Op: metrics.OpSet, EntityType: entityType, Key: key, Size: int64(len(data)), TTL: d})
	return true, nil
}

func (m *manager[V]) primarySet(ctx context.Context, key string, data []byte, d time.Duration, tags []string) (bool, error) {
	if m.breaker == nil {
		return m.store.Set(ctx, key, data, d, tags)
	}
	v, err := m.breaker.Execute(func() (any, error) {
		ok, serr := m.store.Set(ctx, key, data, d, tags)
		if serr != nil {
			return nil, serr
		}
		return ok, nil
	})
	if err != nil {
		return false, mapBreakerErr(err)
	}
	return v.(bool), nil
}

// shouldCache filters writes: empty values are skipped unless the
// entity opts in, and encoded payloads above the entity's size cap are
// skipped. Zero scalars are never considered empty.
func (m *manager[V]) shouldCache(entityType string, value V, encoded int64) bool {
	cfg := m.entities[entityType]
	if !cfg.CacheEmpty && isEmptyValue(reflect.ValueOf(value)) {
		return false
	}
	if cfg.MaxEntrySize > 0 && encoded > cfg.MaxEntrySize {
		return false
	}
	return true
}

func isEmptyValue(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return true
		}
		return isEmptyValue(v.Elem())
	case reflect.Slice, reflect.Map:
		return v.IsNil() || v.Len() == 0
	case reflect.String, reflect.Array:
		return v.Len() == 0
	}
	return false
}

// resolveTTL picks the write TTL: per-call override, then the entity's
// fixed TTL, then the calculator. The entity's Min/Max bounds clamp
// every source, overrides included.
func (m *manager[V]) resolveTTL(entityType string, value V, override time.Duration) time.Duration {
	cfg := m.entities[entityType]
	if override > 0 {
		return clampTTL(override, cfg)
	}
	if cfg.TTL > 0 {
		return clampTTL(cfg.TTL, cfg)
	}
	res := m.ttl.Calculate(ttl.Request{EntityType: entityType, Data: value, Strategy: cfg.TTLStrategy})
	return clampTTL(res.TTL, cfg)
}

func clampTTL(d time.Duration, cfg EntityConfig) time.Duration {
	if cfg.MinTTL > 0 && d < cfg.MinTTL {
		d = cfg.MinTTL
	}
	if cfg.MaxTTL > 0 && d > cfg.MaxTTL {
		d = cfg.MaxTTL
	}
	return d
}

// buildTags derives a write's tags: the entity type, entity:id when
// the endpoint carries an ID, the entity's configured tags, then
// per-call tags. Order is kept, duplicates and blanks dropped.
func (m *manager[V]) buildTags(req keygen.Request, extra []string) []string {
	var tags []string
	if req.EntityType != "" {
		tags = append(tags, req.EntityType)
		if id := keygen.ExtractID(req.Endpoint); id != "" {
			tags = append(tags, req.EntityType+":"+id)
		}
	}
	tags = append(tags, m.entities[req.EntityType].Tags...)
	tags = append(tags, extra...)
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if _, dup := seen[t]; dup || t == "" {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ==============================
// Execute
// ==============================

func (m *manager[V]) Execute(ctx context.Context, req keygen.Request, fetch Fetcher[V], opts ...ExecOptions) (Result[V], error) {
	if fetch == nil {
		return Result[V]{}, errors.New("respcache: nil fetcher")
	}
	if m.closed.Load() {
		return Result[V]{}, ErrClosed
	}

	var eo ExecOptions
	if len(opts) > 0 {
		eo = opts[0]
	}
	strat := m.resolveStrategy(req.EntityType, eo.Strategy)

	if !m.enabled || strat == StrategyNone {
		start := time.Now()
		v, err := fetch(ctx)
		res := Result[V]{Value: v, Strategy: strat, Duration: time.Since(start)}
		if err != nil {
			return Result[V]{Strategy: strat, Duration: res.Duration}, err
		}
		return res, nil
	}

	m.lazyInit(ctx)
	key := m.keys.Generate(req)

	if !m.stampede || eo.ForceRefresh {
		res, err := m.exec.run(ctx, key, req, fetch, eo, strat)
		res.Key = key
		return res, err
	}

	ch := m.execFlight.DoChan(key, func() (any, error) {
		return m.exec.run(ctx, key, req, fetch, eo, strat)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result[V]{Key: key, Strategy: strat}, r.Err
		}
		res := r.Val.(Result[V])
		res.Key = key
		res.Shared = r.Shared
		return res, nil
	case <-time.After(m.stampedeTimeout):
		m.execFlight.Forget(key)
		return Result[V]{Key: key, Strategy: strat}, ErrStampedeTimeout
	case <-ctx.Done():
		return Result[V]{Key: key, Strategy: strat}, ctx.Err()
	}
}

// resolveStrategy picks the strategy: per-call override, then the
// entity's configured strategy, then the cache default.
func (m *manager[V]) resolveStrategy(entityType string, override Strategy) Strategy {
	if override != "" {
		return override
	}
	if cfg, ok := m.entities[entityType]; ok && cfg.Strategy != "" {
		return cfg.Strategy
	}
	return m.defaultStrategy
}

// ==============================
// Invalidation
// ==============================

func (m *manager[V]) Invalidate(ctx context.Context, req invalidate.Request) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if !m.enabled {
		return 0, nil
	}
	return m.inv.Invalidate(ctx, req)
}

// InvalidateByEntityChange also feeds the adaptive TTL tracker: every
// observed change tightens the entity's computed TTLs.
func (m *manager[V]) InvalidateByEntityChange(ctx context.Context, entityType string, data map[string]any, change invalidate.ChangeType, entityID string) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if !m.enabled {
		return 0, nil
	}
	m.ttl.TrackUpdate(entityType)
	return m.inv.InvalidateByEntityChange(ctx, entityType, data, change, entityID)
}

func (m *manager[V]) Invalidator() *invalidate.Invalidator { return m.inv }

// ==============================
// Introspection and lifecycle
// ==============================

func (m *manager[V]) Metrics() metrics.Stats {
	if m.met == nil {
		return metrics.Stats{}
	}
	return m.met.Snapshot()
}

func (m *manager[V]) Enabled() bool {
	return m.enabled && !m.closed.Load()
}

// Shutdown drains background work and closes both stores. It runs
// once; later calls return nil.
func (m *manager[V]) Shutdown(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		var errs []error
		if ferr := m.exec.close(ctx); ferr != nil {
			errs = append(errs, ferr)
		}
		if ierr := m.inv.Close(); ierr != nil {
			errs = append(errs, ierr)
		}
		if m.met != nil {
			m.met.Close()
		}
		m.mirrorWG.Wait()

		if serr := m.store.Close(ctx); serr != nil {
			errs = append(errs, fmt.Errorf("primary store: %w", serr))
		}
		if m.fallback != nil {
			if serr := m.fallback.Close(ctx); serr != nil {
				errs = append(errs, fmt.Errorf("fallback store: %w", serr))
			}
		}

		m.hooks.ShutdownCompleted()
		m.log.Info("cache shut down", nil)
		err = errors.Join(errs...)
	})
	return err
}

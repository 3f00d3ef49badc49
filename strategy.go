package respcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psadesk/respcache/keygen"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
)

// pendingWrite is one coalesced write-behind entry.
type pendingWrite struct {
	key        string
	entityType string
	data       []byte
	ttl        time.Duration
	tags       []string
}

// executor runs Execute calls through their consistency strategy. It
// owns the refresh-ahead slot table and the write-behind queue.
type executor[V any] struct {
	m *manager[V]

	refreshThreshold float64
	maxRefresh       int
	refreshTimeout   time.Duration

	// refreshing holds keys with a background refresh in flight.
	refreshMu  sync.Mutex
	refreshing map[string]struct{}

	flushInterval time.Duration
	batchSize     int
	maxPending    int

	// pending coalesces queued writes per key; order keeps flush FIFO.
	pendMu  sync.Mutex
	pending map[string]pendingWrite
	order   []string

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func newExecutor[V any](m *manager[V], opts Options[V]) *executor[V] {
	return &executor[V]{
		m:                m,
		refreshThreshold: coalesce(opts.RefreshThreshold, defaultRefreshThreshold),
		maxRefresh:       coalesce(opts.MaxConcurrentRefresh, defaultMaxConcurrentRefresh),
		refreshTimeout:   coalesce(opts.RefreshTimeout, defaultRefreshTimeout),
		flushInterval:    coalesce(opts.FlushInterval, defaultFlushInterval),
		batchSize:        coalesce(opts.BatchSize, defaultBatchSize),
		maxPending:       coalesce(opts.MaxPendingWrites, defaultMaxPendingWrites),
		refreshing:       make(map[string]struct{}),
		pending:          make(map[string]pendingWrite),
		stopCh:           make(chan struct{}),
	}
}

// start launches the write-behind flusher. Idempotent.
func (x *executor[V]) start() {
	x.startOnce.Do(func() {
		x.wg.Add(1)
		go x.flushLoop()
	})
}

func (x *executor[V]) run(ctx context.Context, key string, req keygen.Request, fetch Fetcher[V], eo ExecOptions, strat Strategy) (Result[V], error) {
	start := time.Now()
	var (
		res Result[V]
		err error
	)
	switch strat {
	case StrategyWriteThrough:
		res, err = x.fetchAndStore(ctx, key, req, fetch, eo, false)
	case StrategyRefreshAhead:
		res, err = x.refreshAhead(ctx, key, req, fetch, eo)
	case StrategyWriteBehind:
		res, err = x.writeBehind(ctx, key, req, fetch, eo)
	default:
		res, err = x.lazyLoad(ctx, key, req, fetch, eo)
	}
	res.Strategy = strat
	res.Duration = time.Since(start)
	return res, err
}

// ==============================
// Strategies
// ==============================

func (x *executor[V]) lazyLoad(ctx context.Context, key string, req keygen.Request, fetch Fetcher[V], eo ExecOptions) (Result[V], error) {
	if !eo.ForceRefresh {
		if v, _, ok := x.serve(ctx, key, req); ok {
			return Result[V]{Value: v, Hit: true}, nil
		}
	}
	return x.fetchAndStore(ctx, key, req, fetch, eo, false)
}

func (x *executor[V]) refreshAhead(ctx context.Context, key string, req keygen.Request, fetch Fetcher[V], eo ExecOptions) (Result[V], error) {
	if !eo.ForceRefresh {
		if v, e, ok := x.serve(ctx, key, req); ok {
			res := Result[V]{Value: v, Hit: true}
			if x.shouldRefresh(e) && x.beginRefresh(key) {
				res.Refreshed = true
				x.spawnRefresh(key, req, fetch, eo)
			}
			return res, nil
		}
	}
	return x.fetchAndStore(ctx, key, req, fetch, eo, false)
}

func (x *executor[V]) writeBehind(ctx context.Context, key string, req keygen.Request, fetch Fetcher[V], eo ExecOptions) (Result[V], error) {
	if !eo.ForceRefresh {
		if v, _, ok := x.serve(ctx, key, req); ok {
			return Result[V]{Value: v, Hit: true}, nil
		}
	}
	return x.fetchAndStore(ctx, key, req, fetch, eo, true)
}

// ==============================
// Shared plumbing
// ==============================

// serve returns a decoded hit, recording the hit or miss metric. Store
// errors, an open breaker, misses and undecodable entries all come
// back ok=false so the strategy falls through to its fetcher.
func (x *executor[V]) serve(ctx context.Context, key string, req keygen.Request) (V, *store.Entry, bool) {
	m := x.m
	var zero V
	start := time.Now()

	e, ok, err := m.storeGet(ctx, key)
	if err != nil || !ok {
		m.met.Record(metrics.Point{Op: metrics.OpMiss, EntityType: req.EntityType, Key: key, Duration: time.Since(start)})
		return zero, nil, false
	}
	v, ok := m.decode(ctx, key, e)
	if !ok {
		m.met.Record(metrics.Point{Op: metrics.OpMiss, EntityType: req.EntityType, Key: key, Duration: time.Since(start)})
		return zero, nil, false
	}
	m.met.Record(metrics.Point{Op: metrics.OpHit, EntityType: req.EntityType, Key: key, Duration: time.Since(start), Size: e.Size})
	return v, e, true
}

// fetchAndStore runs the fetcher and caches the result. Fetch errors
// propagate; encode and store failures degrade, returning the fetched
// value with Degraded set. behind routes the write through the
// write-behind queue, falling back to a synchronous write at capacity.
func (x *executor[V]) fetchAndStore(ctx context.Context, key string, req keygen.Request, fetch Fetcher[V], eo ExecOptions, behind bool) (Result[V], error) {
	m := x.m
	v, err := fetch(ctx)
	if err != nil {
		return Result[V]{}, err
	}
	res := Result[V]{Value: v}

	data, encErr := m.codec.Encode(v)
	if encErr != nil {
		m.log.Warn("encode failed, result not cached", Fields{"key": key, "error": encErr.Error()})
		res.Degraded = true
		return res, nil
	}
	if !m.shouldCache(req.EntityType, v, int64(len(data))) {
		return res, nil
	}
	d := m.resolveTTL(req.EntityType, v, eo.TTL)
	tags := m.buildTags(req, eo.Tags)

	if behind && x.enqueue(req.EntityType, key, data, d, tags) {
		res.Cached = true
		return res, nil
	}
	cached, werr := m.rawSet(ctx, req.EntityType, key, data, d, tags)
	res.Cached = cached
	if werr != nil || !cached {
		res.Degraded = true
	}
	return res, nil
}

// ==============================
// Refresh-ahead
// ==============================

// shouldRefresh reports whether the entry has aged past the refresh
// threshold of its TTL.
func (x *executor[V]) shouldRefresh(e *store.Entry) bool {
	if e == nil || e.TTL <= 0 {
		return false
	}
	return time.Since(e.CreatedAt) >= time.Duration(float64(e.TTL)*x.refreshThreshold)
}

// beginRefresh claims the key's refresh slot. It fails when the key is
// already refreshing or the concurrency cap is reached.
func (x *executor[V]) beginRefresh(key string) bool {
	x.refreshMu.Lock()
	defer x.refreshMu.Unlock()
	if _, busy := x.refreshing[key]; busy {
		return false
	}
	if len(x.refreshing) >= x.maxRefresh {
		return false
	}
	x.refreshing[key] = struct{}{}
	return true
}

func (x *executor[V]) endRefresh(key string) {
	x.refreshMu.Lock()
	delete(x.refreshing, key)
	x.refreshMu.Unlock()
}

// spawnRefresh refetches the key in the background and re-populates
// the store on success. The caller holds the refresh slot; the served
// request's context is gone by the time this runs, so the refresh gets
// its own deadline.
func (x *executor[V]) spawnRefresh(key string, req keygen.Request, fetch Fetcher[V], eo ExecOptions) {
	m := x.m
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer x.endRefresh(key)
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), x.refreshTimeout)
		defer cancel()

		v, err := fetch(ctx)
		if err == nil {
			data, encErr := m.codec.Encode(v)
			switch {
			case encErr != nil:
				err = encErr
			case m.shouldCache(req.EntityType, v, int64(len(data))):
				d := m.resolveTTL(req.EntityType, v, eo.TTL)
				_, err = m.rawSet(ctx, req.EntityType, key, data, d, m.buildTags(req, eo.Tags))
			}
		}
		if err != nil {
			m.log.Warn("background refresh failed", Fields{"key": key, "error": err.Error()})
		}
		m.hooks.RefreshCompleted(key, req.EntityType, time.Since(start), err)
	}()
}

// ==============================
// Write-behind queue
// ==============================

// enqueue queues a write for the next flush. A key already queued has
// its payload replaced but keeps its flush position. Returns false at
// capacity so the caller writes synchronously instead.
func (x *executor[V]) enqueue(entityType, key string, data []byte, d time.Duration, tags []string) bool {
	w := pendingWrite{key: key, entityType: entityType, data: data, ttl: d, tags: tags}

	x.pendMu.Lock()
	defer x.pendMu.Unlock()
	if _, queued := x.pending[key]; queued {
		x.pending[key] = w
		return true
	}
	if len(x.pending) >= x.maxPending {
		return false
	}
	x.pending[key] = w
	x.order = append(x.order, key)
	return true
}

// takeBatch removes up to n queued writes, oldest first.
func (x *executor[V]) takeBatch(n int) []pendingWrite {
	x.pendMu.Lock()
	defer x.pendMu.Unlock()
	if len(x.order) == 0 {
		return nil
	}
	if n <= 0 || n > len(x.order) {
		n = len(x.order)
	}
	batch := make([]pendingWrite, 0, n)
	for _, key := range x.order[:n] {
		if w, ok := x.pending[key]; ok {
			batch = append(batch, w)
			delete(x.pending, key)
		}
	}
	x.order = append(x.order[:0], x.order[n:]...)
	return batch
}

func (x *executor[V]) flushLoop() {
	defer x.wg.Done()
	ticker := time.NewTicker(x.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			x.flushBatch(context.Background())
		case <-x.stopCh:
			return
		}
	}
}

func (x *executor[V]) flushBatch(ctx context.Context) {
	for _, w := range x.takeBatch(x.batchSize) {
		if _, err := x.m.rawSet(ctx, w.entityType, w.key, w.data, w.ttl, w.tags); err != nil {
			x.m.log.Warn("write-behind flush failed", Fields{"key": w.key, "error": err.Error()})
		}
	}
}

// ==============================
// Lifecycle
// ==============================

// close stops the flusher, waits out in-flight refreshes, then drains
// the write-behind queue completely. The context bounds the drain.
func (x *executor[V]) close(ctx context.Context) error {
	var err error
	x.stopOnce.Do(func() {
		close(x.stopCh)

		done := make(chan struct{})
		go func() {
			defer close(done)
			x.wg.Wait()
			x.drain(ctx)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("respcache: shutdown flush interrupted: %w", ctx.Err())
		}
	})
	return err
}

func (x *executor[V]) drain(ctx context.Context) {
	for {
		batch := x.takeBatch(x.batchSize)
		if len(batch) == 0 {
			return
		}
		for _, w := range batch {
			if ctx.Err() != nil {
				return
			}
			if _, ferr := x.m.rawSet(ctx, w.entityType, w.key, w.data, w.ttl, w.tags); ferr != nil {
				x.m.log.Warn("shutdown flush failed", Fields{"key": w.key, "error": ferr.Error()})
			}
		}
	}
}

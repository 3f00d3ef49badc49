// Package ristretto adapts dgraph-io/ristretto as a cost-bounded
// in-process store. Ristretto cannot enumerate its contents, so the
// store keeps a mutex-guarded side index of key metadata for pattern,
// tag and size operations. Ristretto admits and evicts asynchronously;
// the index may briefly list entries the cache already dropped. Reads
// prune such entries lazily and Cleanup reconciles the rest.
package ristretto

import (
	"context"
	"sync"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/psadesk/respcache/internal/wire"
	"github.com/psadesk/respcache/logging"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
)

// Config for a ristretto store. Zero values take defaults.
type Config struct {
	// NumCounters sizes the admission sketch; ristretto recommends 10x
	// the expected entry count. Default 1_000_000.
	NumCounters int64
	// MaxCost bounds total value bytes. Default 256 MiB.
	MaxCost int64
	// BufferItems sizes the Get buffer. Default 64.
	BufferItems int64
	// EnableMetrics turns on ristretto's internal counters, exposed via
	// Metrics().
	EnableMetrics bool
	Logger        logging.Logger
	Metrics       *metrics.Collector
}

type indexEntry struct {
	expiresAt time.Time
	size      int64
	tags      []string
}

// Store is the ristretto-backed cache backend.
type Store struct {
	c   *rc.Cache
	log logging.Logger
	met *metrics.Collector

	mu    sync.Mutex
	index map[string]indexEntry

	closeOnce sync.Once
	closed    bool

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New builds the store. The ristretto cache is private to it.
func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1_000_000
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 256 << 20
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.EnableMetrics,
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		c:     c,
		log:   logging.OrNop(cfg.Logger),
		met:   cfg.Metrics,
		index: make(map[string]indexEntry),
		now:   time.Now,
	}, nil
}

func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		s.dropIndex(key)
		return nil, false, nil
	}
	blob, ok := v.([]byte)
	if !ok {
		// Unexpected entry shape: drop and miss.
		s.log.Warn("removing malformed ristretto entry", logging.Fields{"key": key})
		s.remove(key)
		return nil, false, nil
	}
	e, err := wire.DecodeEntry(blob)
	if err != nil {
		s.log.Warn("removing corrupt ristretto entry", logging.Fields{"key": key, "error": err})
		s.remove(key)
		return nil, false, nil
	}
	now := s.now()
	if e.Expired(now) {
		s.remove(key)
		return nil, false, nil
	}
	if e.Compressed {
		val, derr := wire.Decompress(e.Value)
		if derr != nil {
			s.log.Warn("removing undecompressable ristretto entry", logging.Fields{"key": key, "error": derr})
			s.remove(key)
			return nil, false, nil
		}
		e.Value = val
	}
	e.LastAccessed = now
	return e, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) (bool, error) {
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	now := s.now()
	blob := wire.EncodeEntry(&store.Entry{
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
		Tags:         tags,
		Size:         int64(len(value)),
		OriginalSize: int64(len(value)),
	})

	if !s.c.SetWithTTL(key, blob, int64(len(blob)), ttl) {
		// Admission policy rejected the write.
		return false, nil
	}
	s.mu.Lock()
	s.index[key] = indexEntry{
		expiresAt: now.Add(ttl),
		size:      int64(len(blob)),
		tags:      append([]string(nil), tags...),
	}
	s.mu.Unlock()
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	_, existed := s.c.Get(key)
	s.remove(key)
	return existed, nil
}

func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	var n int
	for _, k := range keys {
		ok, err := s.Delete(ctx, k)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeletePattern(ctx context.Context, pattern string) (int, error) {
	re, err := store.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}
	return s.DeleteMany(ctx, s.matching(func(key string, _ indexEntry) bool {
		return re.MatchString(key)
	}))
}

func (s *Store) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	return s.DeleteMany(ctx, s.matching(func(_ string, ie indexEntry) bool {
		for _, t := range ie.tags {
			if _, ok := want[t]; ok {
				return true
			}
		}
		return false
	}))
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		s.dropIndex(key)
		return false, nil
	}
	blob, ok := v.([]byte)
	if !ok {
		s.remove(key)
		return false, nil
	}
	e, err := wire.DecodeEntry(blob)
	if err != nil || e.Expired(s.now()) {
		s.remove(key)
		return false, nil
	}
	return true, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.c.Clear()
	s.mu.Lock()
	s.index = make(map[string]indexEntry)
	s.mu.Unlock()
	return nil
}

// Keys lists unexpired keys still resident in the cache, pruning index
// entries ristretto has dropped.
func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := store.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	now := s.now()
	candidates := s.matching(func(key string, ie indexEntry) bool {
		return re.MatchString(key) && now.Before(ie.expiresAt)
	})

	out := candidates[:0]
	for _, k := range candidates {
		if _, ok := s.c.Get(k); ok {
			out = append(out, k)
		} else {
			s.dropIndex(k)
		}
	}
	return out, nil
}

// Size reports the index view. Entries ristretto evicted but the index
// still lists inflate both numbers until the next Cleanup.
func (s *Store) Size(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytes int64
	for _, ie := range s.index {
		bytes += ie.size
	}
	return store.Stats{Entries: len(s.index), MemoryUsage: bytes}, nil
}

// Cleanup drops expired entries and reconciles the index against the
// cache, forgetting keys ristretto evicted on its own.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	now := s.now()
	expired := s.matching(func(_ string, ie indexEntry) bool {
		return !now.Before(ie.expiresAt)
	})
	var n int
	for _, k := range expired {
		s.remove(k)
		n++
		if s.met != nil {
			s.met.Record(metrics.Point{Op: metrics.OpEviction, Key: k, At: now})
		}
	}

	for _, k := range s.matching(func(string, indexEntry) bool { return true }) {
		if _, ok := s.c.Get(k); !ok {
			s.dropIndex(k)
		}
	}
	return n, nil
}

func (s *Store) Healthy(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close drains ristretto's buffers before releasing the cache. Safe to
// call repeatedly.
func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.index = nil
		s.mu.Unlock()
		s.c.Wait()
		s.c.Close()
	})
	return nil
}

// Metrics exposes ristretto's internal counters when EnableMetrics was
// set. Nil otherwise.
func (s *Store) Metrics() *rc.Metrics { return s.c.Metrics }

// remove deletes from both the cache and the index.
func (s *Store) remove(key string) {
	s.c.Del(key)
	s.dropIndex(key)
}

func (s *Store) dropIndex(key string) {
	s.mu.Lock()
	delete(s.index, key)
	s.mu.Unlock()
}

// matching snapshots index keys selected by the predicate.
func (s *Store) matching(pred func(key string, ie indexEntry) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k, ie := range s.index {
		if pred(k, ie) {
			out = append(out, k)
		}
	}
	return out
}

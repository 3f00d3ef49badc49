// Package memory provides the default in-process store: a mutex-guarded
// map with a pluggable eviction policy, an in-process tag index and a
// background expiry sweep.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/psadesk/respcache/logging"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
)

// Config for a memory store. The zero value is usable.
type Config struct {
	// MaxEntries bounds the entry count. Default 10000.
	MaxEntries int
	// MaxMemory bounds the estimated payload bytes. Default 100 MiB.
	MaxMemory int64
	// CleanupInterval paces the background expiry sweep. Default 1m;
	// negative disables the sweep.
	CleanupInterval time.Duration
	// Policy orders evictions. Default NewLRU().
	Policy Policy
	// Logger receives sweep and eviction logging. Default no-op.
	Logger logging.Logger
	// Metrics, when set, records evictions.
	Metrics *metrics.Collector
}

// Store is the in-process cache backend.
type Store struct {
	cfg Config
	log logging.Logger

	mu      sync.Mutex
	entries map[string]*store.Entry
	tags    map[string]map[string]struct{}
	memory  int64
	closed  bool

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New builds a memory store and starts its expiry sweep.
func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = 100 << 20
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Policy == nil {
		cfg.Policy = NewLRU()
	}

	s := &Store{
		cfg:     cfg,
		log:     logging.OrNop(cfg.Logger),
		entries: make(map[string]*store.Entry),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
	if cfg.CleanupInterval > 0 {
		s.ticker = time.NewTicker(cfg.CleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					if n, _ := s.Cleanup(context.Background()); n > 0 {
						s.log.Debug("expired entries swept", logging.Fields{"count": n})
					}
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.Expired(now) {
		s.removeLocked(key, e)
		s.mu.Unlock()
		return nil, false, nil
	}
	e.HitCount++
	e.LastAccessed = now
	s.cfg.Policy.Touched(key)
	out := e.Clone()
	s.mu.Unlock()
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) (bool, error) {
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	size := int64(len(value))
	if size > s.cfg.MaxMemory {
		// A value that alone exceeds the budget would only flush the
		// whole store; reject it instead.
		return false, nil
	}

	now := s.now()
	e := &store.Entry{
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
		Tags:         append([]string(nil), tags...),
		LastAccessed: now,
		Size:         size,
		OriginalSize: size,
	}

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.memory -= old.Size
		s.untagLocked(key, old.Tags)
	}
	s.entries[key] = e
	s.memory += size
	for _, t := range e.Tags {
		set, ok := s.tags[t]
		if !ok {
			set = make(map[string]struct{})
			s.tags[t] = set
		}
		set[key] = struct{}{}
	}
	s.cfg.Policy.Added(key)
	evicted := s.evictLocked()
	s.mu.Unlock()

	if evicted > 0 {
		s.log.Debug("evicted under pressure", logging.Fields{"count": evicted})
	}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		s.removeLocked(key, e)
	}
	s.mu.Unlock()
	return ok, nil
}

func (s *Store) DeleteMany(_ context.Context, keys []string) (int, error) {
	var n int
	s.mu.Lock()
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			s.removeLocked(k, e)
			n++
		}
	}
	s.mu.Unlock()
	return n, nil
}

func (s *Store) DeletePattern(_ context.Context, pattern string) (int, error) {
	re, err := store.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	var n int
	s.mu.Lock()
	for k, e := range s.entries {
		if re.MatchString(k) {
			s.removeLocked(k, e)
			n++
		}
	}
	s.mu.Unlock()
	return n, nil
}

func (s *Store) DeleteByTags(_ context.Context, tags []string) (int, error) {
	var n int
	s.mu.Lock()
	for _, t := range tags {
		for k := range s.tags[t] {
			if e, ok := s.entries[k]; ok {
				s.removeLocked(k, e)
				n++
			}
		}
	}
	s.mu.Unlock()
	return n, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	return ok && !e.Expired(now), nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	for k := range s.entries {
		s.cfg.Policy.Removed(k)
	}
	s.entries = make(map[string]*store.Entry)
	s.tags = make(map[string]map[string]struct{})
	s.memory = 0
	s.mu.Unlock()
	return nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := store.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.Expired(now) && re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	return keys, nil
}

func (s *Store) Size(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	st := store.Stats{Entries: len(s.entries), MemoryUsage: s.memory}
	s.mu.Unlock()
	return st, nil
}

func (s *Store) Cleanup(_ context.Context) (int, error) {
	now := s.now()
	var n int
	s.mu.Lock()
	for k, e := range s.entries {
		if e.Expired(now) {
			s.removeLocked(k, e)
			n++
		}
	}
	s.mu.Unlock()
	return n, nil
}

func (s *Store) Healthy(_ context.Context) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed
}

func (s *Store) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
			close(s.stopCh)
			s.wg.Wait()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

// removeLocked deletes key and keeps the memory estimate, tag index and
// eviction policy in sync. Caller holds s.mu.
func (s *Store) removeLocked(key string, e *store.Entry) {
	delete(s.entries, key)
	s.memory -= e.Size
	if s.memory < 0 {
		s.memory = 0
	}
	s.untagLocked(key, e.Tags)
	s.cfg.Policy.Removed(key)
}

func (s *Store) untagLocked(key string, tags []string) {
	for _, t := range tags {
		set, ok := s.tags[t]
		if !ok {
			continue
		}
		delete(set, key)
		if len(set) == 0 {
			delete(s.tags, t)
		}
	}
}

// evictLocked brings the store back under its limits, evicting down to
// 80% of each exceeded budget. Caller holds s.mu.
func (s *Store) evictLocked() int {
	if len(s.entries) <= s.cfg.MaxEntries && s.memory <= s.cfg.MaxMemory {
		return 0
	}
	targetEntries := s.cfg.MaxEntries * 8 / 10
	targetMemory := s.cfg.MaxMemory * 8 / 10

	var evicted int
	for len(s.entries) > targetEntries || s.memory > targetMemory {
		victims := s.cfg.Policy.Evict(16)
		if len(victims) == 0 {
			break
		}
		for _, k := range victims {
			e, ok := s.entries[k]
			if !ok {
				s.cfg.Policy.Removed(k)
				continue
			}
			s.removeLocked(k, e)
			evicted++
			s.cfg.Metrics.Record(metrics.Point{Op: metrics.OpEviction, Key: k, Size: e.Size})
			if len(s.entries) <= targetEntries && s.memory <= targetMemory {
				return evicted
			}
		}
	}
	return evicted
}

// Package bigcache adapts allegro/bigcache as a zero-GC in-process
// store. BigCache has no per-entry TTL, so entries carry their logical
// deadline in the wire envelope and expire on read; the LifeWindow is a
// physical upper bound after which bigcache reclaims entries on its
// own. Pattern, tag and cleanup operations walk the whole cache and are
// O(n) over resident entries.
package bigcache

import (
	"context"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/psadesk/respcache/internal/wire"
	"github.com/psadesk/respcache/logging"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
)

// Config for a bigcache store. Zero values take bigcache defaults.
type Config struct {
	// LifeWindow caps how long any entry physically survives. Logical
	// TTLs longer than this are cut short. Default 10m.
	LifeWindow time.Duration
	// CleanWindow is bigcache's own reclaim interval. Default 1m.
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	// HardMaxCacheSizeMB bounds total memory; 0 = unlimited.
	HardMaxCacheSizeMB int
	Logger             logging.Logger
	Metrics            *metrics.Collector
}

// Store is the bigcache-backed cache backend.
type Store struct {
	c   *bc.BigCache
	log logging.Logger
	met *metrics.Collector

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New builds the store. The bigcache instance is private to it.
func New(cfg Config) (*Store, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 10 * time.Minute
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.CleanWindow = time.Minute
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Store{
		c:   c,
		log: logging.OrNop(cfg.Logger),
		met: cfg.Metrics,
		now: time.Now,
	}, nil
}

func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	blob, err := s.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	e, err := wire.DecodeEntry(blob)
	if err != nil {
		s.log.Warn("removing corrupt bigcache entry", logging.Fields{"key": key, "error": err})
		s.c.Delete(key)
		return nil, false, nil
	}
	now := s.now()
	if e.Expired(now) {
		s.c.Delete(key)
		return nil, false, nil
	}
	if e.Compressed {
		v, derr := wire.Decompress(e.Value)
		if derr != nil {
			s.log.Warn("removing undecompressable bigcache entry", logging.Fields{"key": key, "error": derr})
			s.c.Delete(key)
			return nil, false, nil
		}
		e.Value = v
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
	if err := s.c.Set(key, blob); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	err := s.c.Delete(key)
	if err == bc.ErrEntryNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
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
	victims := s.collect(func(key string, _ *store.Entry) bool {
		return re.MatchString(key)
	})
	return s.DeleteMany(ctx, victims)
}

func (s *Store) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	victims := s.collect(func(_ string, e *store.Entry) bool {
		if e == nil {
			return false
		}
		for _, t := range e.Tags {
			if _, ok := want[t]; ok {
				return true
			}
		}
		return false
	})
	return s.DeleteMany(ctx, victims)
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	blob, err := s.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e, err := wire.DecodeEntry(blob)
	if err != nil || e.Expired(s.now()) {
		s.c.Delete(key)
		return false, nil
	}
	return true, nil
}

func (s *Store) Clear(_ context.Context) error {
	return s.c.Reset()
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := store.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	now := s.now()
	keys := s.collect(func(key string, e *store.Entry) bool {
		return re.MatchString(key) && e != nil && !e.Expired(now)
	})
	return keys, nil
}

// Size reports resident entries and bigcache's allocated capacity.
// Capacity is what the shards reserve, not live bytes, so the number
// overstates small caches.
func (s *Store) Size(_ context.Context) (store.Stats, error) {
	return store.Stats{
		Entries:     s.c.Len(),
		MemoryUsage: int64(s.c.Capacity()),
	}, nil
}

// Cleanup deletes logically expired entries ahead of the LifeWindow.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	now := s.now()
	victims := s.collect(func(_ string, e *store.Entry) bool {
		return e == nil || e.Expired(now)
	})
	var n int
	for _, k := range victims {
		if err := s.c.Delete(k); err == nil {
			n++
			if s.met != nil {
				s.met.Record(metrics.Point{Op: metrics.OpEviction, Key: k, At: now})
			}
		}
	}
	return n, nil
}

func (s *Store) Healthy(_ context.Context) bool { return s.c != nil }

func (s *Store) Close(_ context.Context) error { return s.c.Close() }

// collect walks every entry and returns the keys the predicate selects.
// Undecodable entries are passed as nil so sweeps can reap them. The
// walk finishes before any caller deletes, since removing entries
// mid-iteration races bigcache's shard bookkeeping.
func (s *Store) collect(pred func(key string, e *store.Entry) bool) []string {
	var out []string
	iter := s.c.Iterator()
	for iter.SetNext() {
		info, err := iter.Value()
		if err != nil {
			continue
		}
		e, derr := wire.DecodeEntry(info.Value())
		if derr != nil {
			e = nil
		}
		if pred(info.Key(), e) {
			out = append(out, info.Key())
		}
	}
	return out
}

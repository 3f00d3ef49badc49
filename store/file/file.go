// Package file provides a filesystem-backed store: one JSON envelope per
// key, fanned out across 256 hash-prefix subdirectories. Writes are
// atomic (temp file + rename). An in-memory index over the directory
// tree backs pattern and tag operations; it is rebuilt by scanning the
// tree at startup.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psadesk/respcache/internal/util"
	"github.com/psadesk/respcache/internal/wire"
	"github.com/psadesk/respcache/logging"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
)

// Config for a file store. Dir is required.
type Config struct {
	// Dir is the cache root directory, created if missing.
	Dir string
	// Extension names cache files. Default ".cache".
	Extension string
	// CompressionThreshold gzips values larger than this when the
	// compressed form is smaller. Default 1024 bytes.
	CompressionThreshold int
	// MaxTotalSize caps on-disk usage; the janitor evicts oldest-accessed
	// entries down to 80% when exceeded. Default 500 MiB.
	MaxTotalSize int64
	// CleanupInterval paces the janitor. Default 5m; negative disables.
	CleanupInterval time.Duration
	// Logger receives scan, sweep and corruption logging. Default no-op.
	Logger logging.Logger
	// Metrics, when set, records size-cap evictions.
	Metrics *metrics.Collector
}

// envelope is the on-disk JSON representation of one entry.
type envelope struct {
	Key          string        `json:"key"`
	Value        []byte        `json:"value"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	TTL          time.Duration `json:"ttl"`
	Tags         []string      `json:"tags,omitempty"`
	Compressed   bool          `json:"compressed,omitempty"`
	OriginalSize int64         `json:"originalSize,omitempty"`
}

// indexed is the in-memory record for one file. Hit accounting lives
// here only; reads never rewrite the file.
type indexed struct {
	path         string
	createdAt    time.Time
	expiresAt    time.Time
	size         int64
	tags         []string
	hitCount     int64
	lastAccessed time.Time
}

// Store is the filesystem cache backend.
type Store struct {
	cfg Config
	log logging.Logger

	mu        sync.Mutex
	index     map[string]*indexed
	tags      map[string]map[string]struct{}
	totalSize int64
	closed    bool

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New builds a file store rooted at cfg.Dir, scanning existing files to
// rebuild the index. Corrupted and expired files found during the scan
// are deleted.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("file store: Dir is required")
	}
	if cfg.Extension == "" {
		cfg.Extension = ".cache"
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = 500 << 20
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}

	s := &Store{
		cfg:   cfg,
		log:   logging.OrNop(cfg.Logger),
		index: make(map[string]*indexed),
		tags:  make(map[string]map[string]struct{}),
		now:   time.Now,
	}
	if err := s.scan(); err != nil {
		return nil, err
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
					if n, err := s.Cleanup(context.Background()); err != nil {
						s.log.Warn("janitor pass failed", logging.Fields{"error": err})
					} else if n > 0 {
						s.log.Debug("janitor removed files", logging.Fields{"count": n})
					}
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s, nil
}

// scan walks the cache tree rebuilding the index, deleting anything it
// cannot decode and anything already expired.
func (s *Store) scan() error {
	now := s.now()
	var scanned, dropped int

	err := filepath.WalkDir(s.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, s.cfg.Extension) {
			return nil
		}
		scanned++

		env, size, rerr := readEnvelope(path)
		if rerr != nil {
			dropped++
			s.log.Warn("removing unreadable cache file", logging.Fields{"path": path, "error": rerr})
			os.Remove(path)
			return nil
		}
		if !env.ExpiresAt.IsZero() && !now.Before(env.ExpiresAt) {
			dropped++
			os.Remove(path)
			return nil
		}

		s.indexLocked(env.Key, &indexed{
			path:         path,
			createdAt:    env.CreatedAt,
			expiresAt:    env.ExpiresAt,
			size:         size,
			tags:         env.Tags,
			lastAccessed: env.CreatedAt,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("file store: scan: %w", err)
	}

	s.log.Info("cache directory scanned", logging.Fields{
		"dir": s.cfg.Dir, "indexed": len(s.index), "scanned": scanned, "dropped": dropped,
	})
	return nil
}

func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	now := s.now()

	s.mu.Lock()
	idx, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return nil, false, nil
	}
	if !idx.expiresAt.IsZero() && !now.Before(idx.expiresAt) {
		s.removeLocked(key, idx, true)
		s.mu.Unlock()
		return nil, false, nil
	}
	path := idx.path
	s.mu.Unlock()

	env, _, err := readEnvelope(path)
	if err != nil {
		// Unreadable on disk: drop it and report a miss.
		s.log.Warn("removing corrupt cache file", logging.Fields{"key": key, "error": err})
		s.mu.Lock()
		if cur, ok := s.index[key]; ok && cur.path == path {
			s.removeLocked(key, cur, true)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	value := env.Value
	if env.Compressed {
		value, err = wire.Decompress(value)
		if err != nil {
			s.log.Warn("removing undecompressable cache file", logging.Fields{"key": key, "error": err})
			s.mu.Lock()
			if cur, ok := s.index[key]; ok && cur.path == path {
				s.removeLocked(key, cur, true)
			}
			s.mu.Unlock()
			return nil, false, nil
		}
	}

	s.mu.Lock()
	var hits int64
	if cur, ok := s.index[key]; ok {
		cur.hitCount++
		cur.lastAccessed = now
		hits = cur.hitCount
	}
	s.mu.Unlock()

	return &store.Entry{
		Value:        value,
		CreatedAt:    env.CreatedAt,
		ExpiresAt:    env.ExpiresAt,
		TTL:          env.TTL,
		Tags:         env.Tags,
		HitCount:     hits,
		LastAccessed: now,
		Size:         int64(len(value)),
		Compressed:   env.Compressed,
		OriginalSize: env.OriginalSize,
	}, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) (bool, error) {
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	now := s.now()

	payload, compressed := wire.Compress(value, s.cfg.CompressionThreshold)
	env := envelope{
		Key:          key,
		Value:        payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
		Tags:         tags,
		Compressed:   compressed,
		OriginalSize: int64(len(value)),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("file store: encode %q: %w", key, err)
	}

	path := s.pathFor(key)
	if err := writeAtomic(path, data); err != nil {
		return false, err
	}

	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.untagLocked(key, old.tags)
		s.totalSize -= old.size
	}
	s.indexLocked(key, &indexed{
		path:         path,
		createdAt:    now,
		expiresAt:    env.ExpiresAt,
		size:         int64(len(data)),
		tags:         append([]string(nil), tags...),
		lastAccessed: now,
	})
	s.mu.Unlock()
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	idx, ok := s.index[key]
	if ok {
		s.removeLocked(key, idx, true)
	}
	s.mu.Unlock()
	return ok, nil
}

func (s *Store) DeleteMany(_ context.Context, keys []string) (int, error) {
	var n int
	s.mu.Lock()
	for _, k := range keys {
		if idx, ok := s.index[k]; ok {
			s.removeLocked(k, idx, true)
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
	for k, idx := range s.index {
		if re.MatchString(k) {
			s.removeLocked(k, idx, true)
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
			if idx, ok := s.index[k]; ok {
				s.removeLocked(k, idx, true)
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
	idx, ok := s.index[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return idx.expiresAt.IsZero() || now.Before(idx.expiresAt), nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.cfg.Dir); err != nil {
		return fmt.Errorf("file store: clear: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("file store: recreate dir: %w", err)
	}
	s.index = make(map[string]*indexed)
	s.tags = make(map[string]map[string]struct{})
	s.totalSize = 0
	return nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	re, err := store.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	keys := make([]string, 0, len(s.index))
	for k, idx := range s.index {
		expired := !idx.expiresAt.IsZero() && !now.Before(idx.expiresAt)
		if !expired && re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	return keys, nil
}

func (s *Store) Size(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	st := store.Stats{Entries: len(s.index), MemoryUsage: s.totalSize}
	s.mu.Unlock()
	return st, nil
}

// Cleanup removes expired files, then enforces the size cap by evicting
// oldest-accessed entries down to 80% of MaxTotalSize.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	now := s.now()
	var removed int

	s.mu.Lock()
	for k, idx := range s.index {
		if !idx.expiresAt.IsZero() && !now.Before(idx.expiresAt) {
			s.removeLocked(k, idx, true)
			removed++
		}
	}

	if s.totalSize > s.cfg.MaxTotalSize {
		target := s.cfg.MaxTotalSize * 8 / 10
		type victim struct {
			key string
			idx *indexed
		}
		victims := make([]victim, 0, len(s.index))
		for k, idx := range s.index {
			victims = append(victims, victim{k, idx})
		}
		sort.Slice(victims, func(i, j int) bool {
			return victims[i].idx.lastAccessed.Before(victims[j].idx.lastAccessed)
		})
		for _, v := range victims {
			if s.totalSize <= target {
				break
			}
			s.removeLocked(v.key, v.idx, true)
			removed++
			s.cfg.Metrics.Record(metrics.Point{Op: metrics.OpEviction, Key: v.key, Size: v.idx.size})
		}
	}
	s.mu.Unlock()
	return removed, nil
}

func (s *Store) Healthy(_ context.Context) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	_, err := os.Stat(s.cfg.Dir)
	return err == nil
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

// ==============================
// internals
// ==============================

// pathFor fans keys out over 256 subdirectories by hash prefix, keeping
// directory listings short.
func (s *Store) pathFor(key string) string {
	h := util.HashKey(key)
	return filepath.Join(s.cfg.Dir, h[:2], h+s.cfg.Extension)
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("file store: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: rename: %w", err)
	}
	return nil
}

func readEnvelope(path string) (*envelope, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, err
	}
	if env.Key == "" {
		return nil, 0, errors.New("envelope missing key")
	}
	return &env, int64(len(data)), nil
}

// indexLocked inserts an index record and its tag references.
// Caller holds s.mu (or is constructing the store single-threaded).
func (s *Store) indexLocked(key string, idx *indexed) {
	s.index[key] = idx
	s.totalSize += idx.size
	for _, t := range idx.tags {
		set, ok := s.tags[t]
		if !ok {
			set = make(map[string]struct{})
			s.tags[t] = set
		}
		set[key] = struct{}{}
	}
}

// removeLocked drops key from the index and, when unlink is set, deletes
// its file. Caller holds s.mu.
func (s *Store) removeLocked(key string, idx *indexed, unlink bool) {
	delete(s.index, key)
	s.totalSize -= idx.size
	if s.totalSize < 0 {
		s.totalSize = 0
	}
	s.untagLocked(key, idx.tags)
	if unlink {
		if err := os.Remove(idx.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to unlink cache file", logging.Fields{"path": idx.path, "error": err})
		}
	}
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

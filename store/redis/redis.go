// Package redis provides the shared remote store on top of go-redis.
//
// Data keys live at <namespace>:<key>; tag membership lives in set keys
// at <namespace>:tag:<tag>, so "tag:" is reserved as a key prefix inside
// the namespace. Tag sets are given the member's TTL plus a buffer and
// are never shortened, which keeps them alive at least as long as any
// member they reference; stale members are pruned by Cleanup.
//
// Set-with-tags and delete-by-tags run as Lua scripts for atomicity.
// The scripts derive key names from arguments and are therefore not
// cluster-safe; set DisableScripts against Redis Cluster to use the
// pipelined client-side fallback instead.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/psadesk/respcache/internal/wire"
	"github.com/psadesk/respcache/logging"
	"github.com/psadesk/respcache/store"
)

// ErrNilClient is returned by New when no client is supplied.
var ErrNilClient = errors.New("redis store: nil client")

// Config for a redis store. Client is required.
type Config struct {
	Client goredis.UniversalClient
	// CloseClient releases the client on Close. Set only when this store
	// exclusively owns the client.
	CloseClient bool
	// Namespace prefixes every key. Default "respcache".
	Namespace string
	// TagTTLBuffer extends tag sets beyond their members. Default 1h.
	TagTTLBuffer time.Duration
	// DisableScripts switches tag maintenance to the pipelined fallback.
	// The fallback uses EXPIRE GT and needs Redis 7+.
	DisableScripts bool
	// ScanCount sizes SCAN batches. Default 500.
	ScanCount int64
	// CompressionThreshold gzips values larger than this when smaller
	// compressed. Zero disables compression.
	CompressionThreshold int
	// Logger receives self-heal and cleanup logging. Default no-op.
	Logger logging.Logger
}

// Store is the redis cache backend.
type Store struct {
	rdb goredis.UniversalClient
	cfg Config
	log logging.Logger
	ns  string

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// setWithTags stores the value and registers it in each tag set.
// KEYS[1] data key; ARGV: value, ttl ms, tag ttl ms, namespace, member
// key, tags...
var setWithTags = goredis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
for i = 6, #ARGV do
  local tagkey = ARGV[4] .. ':tag:' .. ARGV[i]
  redis.call('SADD', tagkey, ARGV[5])
  if redis.call('PTTL', tagkey) < tonumber(ARGV[3]) then
    redis.call('PEXPIRE', tagkey, ARGV[3])
  end
end
return 1
`)

// deleteByTags removes every member of each tag set, then the sets.
// ARGV: namespace, tags...
var deleteByTags = goredis.NewScript(`
local removed = 0
for i = 2, #ARGV do
  local tagkey = ARGV[1] .. ':tag:' .. ARGV[i]
  for _, m in ipairs(redis.call('SMEMBERS', tagkey)) do
    removed = removed + redis.call('DEL', ARGV[1] .. ':' .. m)
  end
  redis.call('DEL', tagkey)
end
return removed
`)

// New builds a redis store around an existing client.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "respcache"
	}
	if cfg.TagTTLBuffer <= 0 {
		cfg.TagTTLBuffer = time.Hour
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 500
	}
	return &Store{
		rdb: cfg.Client,
		cfg: cfg,
		log: logging.OrNop(cfg.Logger),
		ns:  cfg.Namespace,
		now: time.Now,
	}, nil
}

func (s *Store) key(k string) string    { return s.ns + ":" + k }
func (s *Store) tagKey(t string) string { return s.ns + ":tag:" + t }

func (s *Store) Get(ctx context.Context, key string) (*store.Entry, bool, error) {
	blob, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	e, err := wire.DecodeEntry(blob)
	if err != nil {
		// Foreign or torn bytes under our namespace: drop and miss.
		s.log.Warn("removing corrupt redis entry", logging.Fields{"key": key, "error": err})
		s.rdb.Del(ctx, s.key(key))
		return nil, false, nil
	}
	now := s.now()
	if e.Expired(now) {
		s.rdb.Del(ctx, s.key(key))
		return nil, false, nil
	}
	if e.Compressed {
		v, derr := wire.Decompress(e.Value)
		if derr != nil {
			s.log.Warn("removing undecompressable redis entry", logging.Fields{"key": key, "error": derr})
			s.rdb.Del(ctx, s.key(key))
			return nil, false, nil
		}
		e.Value = v
	}
	e.LastAccessed = now
	return e, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) (bool, error) {
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	now := s.now()

	payload := value
	compressed := false
	if s.cfg.CompressionThreshold > 0 {
		payload, compressed = wire.Compress(value, s.cfg.CompressionThreshold)
	}
	blob := wire.EncodeEntry(&store.Entry{
		Value:        payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		TTL:          ttl,
		Tags:         tags,
		Size:         int64(len(payload)),
		Compressed:   compressed,
		OriginalSize: int64(len(value)),
	})

	if len(tags) == 0 {
		if err := s.rdb.Set(ctx, s.key(key), blob, ttl).Err(); err != nil {
			return false, err
		}
		return true, nil
	}

	tagTTL := ttl + s.cfg.TagTTLBuffer
	if s.cfg.DisableScripts {
		return s.setFallback(ctx, key, blob, ttl, tagTTL, tags)
	}

	args := make([]any, 0, 5+len(tags))
	args = append(args, blob, ttl.Milliseconds(), tagTTL.Milliseconds(), s.ns, key)
	for _, t := range tags {
		args = append(args, t)
	}
	if err := setWithTags.Run(ctx, s.rdb, []string{s.key(key)}, args...).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// setFallback pipelines the write and tag maintenance. Not atomic: a
// crash between commands can leave a tag set missing one member until
// the next Set or Cleanup.
func (s *Store) setFallback(ctx context.Context, key string, blob []byte, ttl, tagTTL time.Duration, tags []string) (bool, error) {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, s.key(key), blob, ttl)
	for _, t := range tags {
		tk := s.tagKey(t)
		pipe.SAdd(ctx, tk, key)
		pipe.ExpireGT(ctx, tk, tagTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const delBatch = 512

func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	var total int64
	for start := 0; start < len(keys); start += delBatch {
		end := start + delBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := make([]string, 0, end-start)
		for _, k := range keys[start:end] {
			batch = append(batch, s.key(k))
		}
		n, err := s.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return int(total), err
		}
		total += n
	}
	return int(total), nil
}

func (s *Store) DeletePattern(ctx context.Context, pattern string) (int, error) {
	match := s.ns + ":" + escapeMatch(pattern)
	if pattern == "" {
		match = s.ns + ":*"
	}

	var total int64
	err := s.scan(ctx, match, func(keys []string) error {
		keys = s.dropTagKeys(keys)
		if len(keys) == 0 {
			return nil
		}
		n, err := s.rdb.Del(ctx, keys...).Result()
		total += n
		return err
	})
	return int(total), err
}

func (s *Store) DeleteByTags(ctx context.Context, tags []string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	if s.cfg.DisableScripts {
		return s.deleteByTagsFallback(ctx, tags)
	}

	args := make([]any, 0, 1+len(tags))
	args = append(args, s.ns)
	for _, t := range tags {
		args = append(args, t)
	}
	n, err := deleteByTags.Run(ctx, s.rdb, []string{}, args...).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) deleteByTagsFallback(ctx context.Context, tags []string) (int, error) {
	var total int64
	for _, t := range tags {
		tk := s.tagKey(t)
		members, err := s.rdb.SMembers(ctx, tk).Result()
		if err != nil {
			return int(total), err
		}
		for start := 0; start < len(members); start += delBatch {
			end := start + delBatch
			if end > len(members) {
				end = len(members)
			}
			batch := make([]string, 0, end-start)
			for _, m := range members[start:end] {
				batch = append(batch, s.key(m))
			}
			n, err := s.rdb.Del(ctx, batch...).Result()
			total += n
			if err != nil {
				return int(total), err
			}
		}
		if err := s.rdb.Del(ctx, tk).Err(); err != nil {
			return int(total), err
		}
	}
	return int(total), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear deletes every key under the namespace, tag sets included. It
// never flushes the database.
func (s *Store) Clear(ctx context.Context) error {
	return s.scan(ctx, s.ns+":*", func(keys []string) error {
		return s.rdb.Del(ctx, keys...).Err()
	})
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	match := s.ns + ":" + escapeMatch(pattern)
	if pattern == "" {
		match = s.ns + ":*"
	}

	var out []string
	prefix := s.ns + ":"
	err := s.scan(ctx, match, func(keys []string) error {
		for _, k := range s.dropTagKeys(keys) {
			out = append(out, k[len(prefix):])
		}
		return nil
	})
	return out, err
}

// Size counts namespace data keys and extrapolates memory usage from a
// sample of value lengths. Both numbers are best-effort.
func (s *Store) Size(ctx context.Context) (store.Stats, error) {
	const sampleLimit = 64

	var entries int
	sample := make([]string, 0, sampleLimit)
	err := s.scan(ctx, s.ns+":*", func(keys []string) error {
		data := s.dropTagKeys(keys)
		entries += len(data)
		for _, k := range data {
			if len(sample) < sampleLimit {
				sample = append(sample, k)
			}
		}
		return nil
	})
	if err != nil {
		return store.Stats{}, err
	}
	if entries == 0 || len(sample) == 0 {
		return store.Stats{Entries: entries}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.IntCmd, len(sample))
	for i, k := range sample {
		cmds[i] = pipe.StrLen(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Stats{Entries: entries}, err
	}
	var sampled int64
	for _, c := range cmds {
		sampled += c.Val()
	}
	avg := sampled / int64(len(sample))
	return store.Stats{Entries: entries, MemoryUsage: avg * int64(entries)}, nil
}

// Cleanup prunes tag-set members whose entries have expired, removing
// emptied sets. Native expiry reclaims the entries themselves; the
// returned count is pruned memberships.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	var pruned int
	err := s.scan(ctx, s.ns+":tag:*", func(tagKeys []string) error {
		for _, tk := range tagKeys {
			members, err := s.rdb.SMembers(ctx, tk).Result()
			if err != nil {
				return err
			}
			if len(members) == 0 {
				continue
			}

			pipe := s.rdb.Pipeline()
			checks := make([]*goredis.IntCmd, len(members))
			for i, m := range members {
				checks[i] = pipe.Exists(ctx, s.key(m))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}

			var stale []any
			for i, c := range checks {
				if c.Val() == 0 {
					stale = append(stale, members[i])
				}
			}
			if len(stale) > 0 {
				if err := s.rdb.SRem(ctx, tk, stale...).Err(); err != nil {
					return err
				}
				pruned += len(stale)
			}
			card, err := s.rdb.SCard(ctx, tk).Result()
			if err != nil {
				return err
			}
			if card == 0 {
				if err := s.rdb.Del(ctx, tk).Err(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if pruned > 0 {
		s.log.Debug("pruned stale tag members", logging.Fields{"count": pruned})
	}
	return pruned, err
}

func (s *Store) Healthy(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}

// Close releases the client only when this store owns it. Safe to call
// repeatedly.
func (s *Store) Close(context.Context) error {
	if s.cfg.CloseClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// ==============================
// helpers
// ==============================

func (s *Store) scan(ctx context.Context, match string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, s.cfg.ScanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// dropTagKeys filters out tag-set keys from a scan batch.
func (s *Store) dropTagKeys(keys []string) []string {
	tagPrefix := s.ns + ":tag:"
	out := keys[:0]
	for _, k := range keys {
		if len(k) >= len(tagPrefix) && k[:len(tagPrefix)] == tagPrefix {
			continue
		}
		out = append(out, k)
	}
	return out
}

// escapeMatch quotes redis glob metacharacters other than '*', which is
// the only wildcard the store contract exposes.
func escapeMatch(pattern string) string {
	var b []byte
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '?', '[', ']', '^', '\\':
			b = append(b, '\\', c)
		default:
			b = append(b, c)
		}
	}
	return string(b)
}

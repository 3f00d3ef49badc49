// Package store defines the storage abstraction used by respcache and the
// entry envelope shared by all backends.
//
// Implementations must be safe for concurrent use. They return errors to the
// caller instead of logging-and-swallowing: the cache manager owns the
// degrade-to-miss policy. Background work inside a store (sweeps, janitors)
// logs through the store's own logger and never panics the process.
package store

import (
	"context"
	"time"
)

// DefaultTTL applies when Set is called with a non-positive TTL.
const DefaultTTL = 24 * time.Hour

// Entry is the unit of storage. Stores own their entries; Get returns a
// snapshot and callers must not mutate Value.
type Entry struct {
	Value        []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
	TTL          time.Duration
	Tags         []string
	HitCount     int64
	LastAccessed time.Time
	Size         int64
	Compressed   bool
	OriginalSize int64
}

// Expired reports whether the entry is logically absent at now.
// ExpiresAt == CreatedAt + TTL; a zero ExpiresAt never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Clone returns a shallow snapshot safe to hand out (Value is shared).
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	return &cp
}

// Stats reports a store's current footprint.
type Stats struct {
	Entries     int
	MemoryUsage int64
}

// Store is a tagged, pattern-addressable byte store with TTLs.
type Store interface {
	// Get returns (entry, true, nil) on hit; (nil, false, nil) on miss.
	// A logically expired entry is removed and reported as a miss.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores value with the given TTL (<=0 means DefaultTTL) and tags.
	// Returns ok=false when the backend rejected the write under pressure.
	// Tag indices are updated together with the write.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) (ok bool, err error)

	// Delete removes a key, reporting whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteMany removes a batch of keys and returns the removed count.
	DeleteMany(ctx context.Context, keys []string) (int, error)

	// DeletePattern removes all keys matching a glob ('*' wildcard; all
	// other characters literal) and returns the removed count.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// DeleteByTags removes all keys carrying any of the given tags.
	DeleteByTags(ctx context.Context, tags []string) (int, error)

	// Exists reports physical-and-logical presence without touching
	// hit accounting.
	Exists(ctx context.Context, key string) (bool, error)

	// Clear removes every entry owned by this store.
	Clear(ctx context.Context) error

	// Keys lists keys matching the glob pattern ("" means all).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Size reports entry count and estimated memory usage.
	Size(ctx context.Context) (Stats, error)

	// Cleanup proactively purges expired entries, returning the count.
	Cleanup(ctx context.Context) (int, error)

	// Healthy reports whether the backend is currently reachable/usable.
	Healthy(ctx context.Context) bool

	// Close releases resources and stops background work.
	Close(ctx context.Context) error
}

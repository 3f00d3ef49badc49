package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/psadesk/respcache/metrics"
)

var ctx = context.Background()

func newTestStore(cfg Config) *Store {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = -1 // deterministic: sweep manually
	}
	return New(cfg)
}

func mustSet(t *testing.T, s *Store, key, value string, ttl time.Duration, tags ...string) {
	t.Helper()
	ok, err := s.Set(ctx, key, []byte(value), ttl, tags)
	if err != nil || !ok {
		t.Fatalf("Set(%q) = %v, %v", key, ok, err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	mustSet(t, s, "k1", "hello", time.Minute, "ticket", "ticket:9")

	e, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if string(e.Value) != "hello" {
		t.Fatalf("value = %q", e.Value)
	}
	if e.TTL != time.Minute || len(e.Tags) != 2 {
		t.Fatalf("metadata %+v", e)
	}
	if e.HitCount != 1 {
		t.Fatalf("hit count = %d", e.HitCount)
	}
}

func TestMissOnAbsentKey(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	if _, ok, err := s.Get(ctx, "nope"); ok || err != nil {
		t.Fatalf("Get absent = %v, %v", ok, err)
	}
}

func TestExpiredEntryRemovedOnGet(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)
	base := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	mustSet(t, s, "k1", "v", 100*time.Millisecond)

	s.now = func() time.Time { return base.Add(150 * time.Millisecond) }
	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Fatal("expired entry served")
	}

	keys, _ := s.Keys(ctx, "")
	if len(keys) != 0 {
		t.Fatalf("keys after expiry = %v", keys)
	}
	st, _ := s.Size(ctx)
	if st.Entries != 0 {
		t.Fatalf("size after expiry = %d", st.Entries)
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	mustSet(t, s, "k1", "v", 0)
	e, ok, _ := s.Get(ctx, "k1")
	if !ok || e.TTL != 24*time.Hour {
		t.Fatalf("ttl = %v", e.TTL)
	}
}

// ==============================
// eviction
// ==============================

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(Config{MaxEntries: 10})
	defer s.Close(ctx)

	for i := 0; i < 10; i++ {
		mustSet(t, s, fmt.Sprintf("k%d", i), "v", time.Minute)
	}
	// Refresh k0-k4 so k5-k7 become the coldest keys.
	for i := 0; i < 5; i++ {
		if _, ok, _ := s.Get(ctx, fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("warm get k%d missed", i)
		}
	}
	mustSet(t, s, "k10", "v", time.Minute)

	st, _ := s.Size(ctx)
	if st.Entries != 8 {
		t.Fatalf("entries after eviction = %d, want 8 (80%% of 10)", st.Entries)
	}
	for _, gone := range []string{"k5", "k6", "k7"} {
		if ok, _ := s.Exists(ctx, gone); ok {
			t.Errorf("%s survived eviction", gone)
		}
	}
	for _, kept := range []string{"k0", "k4", "k8", "k10"} {
		if ok, _ := s.Exists(ctx, kept); !ok {
			t.Errorf("%s was evicted", kept)
		}
	}
}

func TestFIFOEvictionIgnoresReads(t *testing.T) {
	s := newTestStore(Config{MaxEntries: 10, Policy: NewFIFO()})
	defer s.Close(ctx)

	for i := 0; i < 10; i++ {
		mustSet(t, s, fmt.Sprintf("k%d", i), "v", time.Minute)
	}
	for i := 0; i < 20; i++ {
		s.Get(ctx, "k0")
	}
	mustSet(t, s, "k10", "v", time.Minute)

	if ok, _ := s.Exists(ctx, "k0"); ok {
		t.Fatal("k0 survived FIFO eviction despite being oldest")
	}
}

func TestMemoryPressureEvictsToTarget(t *testing.T) {
	col := metrics.New(metrics.Config{})
	s := newTestStore(Config{MaxEntries: 1 << 20, MaxMemory: 1000, Metrics: col})
	defer s.Close(ctx)

	payload := make([]byte, 300)
	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		if ok, err := s.Set(ctx, k, payload, time.Minute, nil); !ok || err != nil {
			t.Fatalf("Set(%s) = %v, %v", k, ok, err)
		}
	}

	st, _ := s.Size(ctx)
	if st.MemoryUsage > 800 {
		t.Fatalf("memory %d above 80%% target", st.MemoryUsage)
	}
	for _, gone := range []string{"k1", "k2"} {
		if ok, _ := s.Exists(ctx, gone); ok {
			t.Errorf("%s survived memory eviction", gone)
		}
	}
	if got := col.Snapshot().Evictions; got != 2 {
		t.Fatalf("recorded evictions = %d, want 2", got)
	}
}

func TestOversizeValueRejected(t *testing.T) {
	s := newTestStore(Config{MaxMemory: 100})
	defer s.Close(ctx)

	ok, err := s.Set(ctx, "big", make([]byte, 200), time.Minute, nil)
	if err != nil {
		t.Fatalf("Set err = %v", err)
	}
	if ok {
		t.Fatal("oversize value accepted")
	}
}

// ==============================
// deletion
// ==============================

func TestDeletePattern(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	mustSet(t, s, "api:ticket:get:list", "v", time.Minute)
	mustSet(t, s, "api:ticket:get:single", "v", time.Minute)
	mustSet(t, s, "api:company:get:list", "v", time.Minute)

	n, err := s.DeletePattern(ctx, "api:ticket:*")
	if err != nil || n != 2 {
		t.Fatalf("DeletePattern = %d, %v", n, err)
	}
	if ok, _ := s.Exists(ctx, "api:company:get:list"); !ok {
		t.Fatal("unrelated key deleted")
	}
}

func TestDeleteByTagsKeepsIndexConsistent(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	mustSet(t, s, "k1", "v", time.Minute, "company:1")
	mustSet(t, s, "k2", "v", time.Minute, "company:1", "shared")
	mustSet(t, s, "k3", "v", time.Minute, "shared")

	n, err := s.DeleteByTags(ctx, []string{"company:1"})
	if err != nil || n != 2 {
		t.Fatalf("DeleteByTags = %d, %v", n, err)
	}
	if ok, _ := s.Exists(ctx, "k1"); ok {
		t.Fatal("k1 survived")
	}
	// k2 must also be gone from the shared tag set.
	n, _ = s.DeleteByTags(ctx, []string{"shared"})
	if n != 1 {
		t.Fatalf("shared tag removed %d keys, want 1", n)
	}
	// Repeat deletions are counted as zero, never an error.
	n, err = s.DeleteByTags(ctx, []string{"company:1", "shared"})
	if err != nil || n != 0 {
		t.Fatalf("idempotent DeleteByTags = %d, %v", n, err)
	}
}

func TestTagsReplacedOnOverwrite(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	mustSet(t, s, "k1", "v1", time.Minute, "old")
	mustSet(t, s, "k1", "v2", time.Minute, "new")

	if n, _ := s.DeleteByTags(ctx, []string{"old"}); n != 0 {
		t.Fatalf("stale tag still indexed, removed %d", n)
	}
	if n, _ := s.DeleteByTags(ctx, []string{"new"}); n != 1 {
		t.Fatalf("new tag not indexed, removed %d", n)
	}
}

func TestDeleteManyCountsOnlyPresent(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	mustSet(t, s, "k1", "v", time.Minute)
	n, err := s.DeleteMany(ctx, []string{"k1", "ghost"})
	if err != nil || n != 1 {
		t.Fatalf("DeleteMany = %d, %v", n, err)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)

	mustSet(t, s, "k1", "v", time.Minute, "t")
	mustSet(t, s, "k2", "v", time.Minute)
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	st, _ := s.Size(ctx)
	if st.Entries != 0 || st.MemoryUsage != 0 {
		t.Fatalf("after clear: %+v", st)
	}
	if n, _ := s.DeleteByTags(ctx, []string{"t"}); n != 0 {
		t.Fatal("tag index survived clear")
	}
}

// ==============================
// maintenance
// ==============================

func TestCleanupSweepsOnlyExpired(t *testing.T) {
	s := newTestStore(Config{})
	defer s.Close(ctx)
	base := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	mustSet(t, s, "short", "v", time.Second)
	mustSet(t, s, "long", "v", time.Hour)

	s.now = func() time.Time { return base.Add(2 * time.Second) }
	n, err := s.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Cleanup = %d, %v", n, err)
	}
	if ok, _ := s.Exists(ctx, "long"); !ok {
		t.Fatal("live entry swept")
	}
}

func TestCloseIsIdempotentAndUnhealthy(t *testing.T) {
	s := New(Config{CleanupInterval: 10 * time.Millisecond})
	if !s.Healthy(ctx) {
		t.Fatal("fresh store unhealthy")
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.Healthy(ctx) {
		t.Fatal("closed store still healthy")
	}
}

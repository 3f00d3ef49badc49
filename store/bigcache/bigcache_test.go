package bigcache

import (
	"context"
	"testing"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

func newTestStore(t *testing.T) (*Store, func(d time.Duration)) {
	t.Helper()
	s, err := New(Config{LifeWindow: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })

	now := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, func(d time.Duration) { now = now.Add(d) }
}

func mustSet(t *testing.T, s *Store, key, value string, ttl time.Duration, tags ...string) {
	t.Helper()
	ok, err := s.Set(context.Background(), key, []byte(value), ttl, tags)
	if err != nil || !ok {
		t.Fatalf("Set(%q) = %v, %v", key, ok, err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, "k1", "hello", time.Minute, "team:9")

	e, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if string(e.Value) != "hello" {
		t.Fatalf("Value = %q", e.Value)
	}
	if e.TTL != time.Minute {
		t.Fatalf("TTL = %v", e.TTL)
	}
	if len(e.Tags) != 1 || e.Tags[0] != "team:9" {
		t.Fatalf("Tags = %v", e.Tags)
	}
}

func TestLogicalExpiryBeforeLifeWindow(t *testing.T) {
	s, advance := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, "k1", "v", time.Minute)
	advance(2 * time.Minute)

	if _, ok, err := s.Get(ctx, "k1"); ok || err != nil {
		t.Fatalf("Get after expiry = %v, %v", ok, err)
	}
	if ok, _ := s.Exists(ctx, "k1"); ok {
		t.Fatal("Exists reported an expired entry")
	}
}

func TestDeleteMissingReturnsFalse(t *testing.T) {
	s, _ := newTestStore(t)

	ok, err := s.Delete(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok {
		t.Fatal("Delete reported removing a missing key")
	}
}

func TestDeleteByTagsWalksEntries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, "k1", "v1", time.Minute, "team:9")
	mustSet(t, s, "k2", "v2", time.Minute, "team:9", "region:eu")
	mustSet(t, s, "k3", "v3", time.Minute, "region:eu")

	n, err := s.DeleteByTags(ctx, []string{"team:9"})
	if err != nil {
		t.Fatalf("DeleteByTags: %v", err)
	}
	if n != 2 {
		t.Fatalf("DeleteByTags removed %d, want 2", n)
	}
	if _, ok, _ := s.Get(ctx, "k3"); !ok {
		t.Fatal("untagged survivor was removed")
	}
}

func TestDeletePattern(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, "api:company:1", "a", time.Minute)
	mustSet(t, s, "api:company:2", "b", time.Minute)
	mustSet(t, s, "api:contact:1", "c", time.Minute)

	n, err := s.DeletePattern(ctx, "api:company:*")
	if err != nil {
		t.Fatalf("DeletePattern: %v", err)
	}
	if n != 2 {
		t.Fatalf("DeletePattern removed %d, want 2", n)
	}
	keys, err := s.Keys(ctx, "")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "api:contact:1" {
		t.Fatalf("Keys = %v", keys)
	}
}

func TestCleanupReapsExpired(t *testing.T) {
	s, advance := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, "old1", "v", time.Minute)
	mustSet(t, s, "old2", "v", time.Minute)
	mustSet(t, s, "fresh", "v", time.Hour)
	advance(5 * time.Minute)

	n, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("Cleanup removed %d, want 2", n)
	}
	stats, err := s.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if stats.Entries != 1 {
		t.Fatalf("Entries = %d, want 1", stats.Entries)
	}
}

func TestCorruptEntrySelfHealsOnGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.c.Set("bad", []byte("not an envelope")); err != nil {
		t.Fatalf("raw set: %v", err)
	}

	if _, ok, err := s.Get(ctx, "bad"); ok || err != nil {
		t.Fatalf("Get(corrupt) = %v, %v; want quiet miss", ok, err)
	}
	if _, err := s.c.Get("bad"); err != bc.ErrEntryNotFound {
		t.Fatalf("corrupt entry still present: %v", err)
	}
}

func TestKeysSkipExpired(t *testing.T) {
	s, advance := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, "short", "v", time.Minute)
	mustSet(t, s, "long", "v", time.Hour)
	advance(10 * time.Minute)

	keys, err := s.Keys(ctx, "")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "long" {
		t.Fatalf("Keys = %v", keys)
	}
}

package store

import (
	"testing"
	"time"
)

func TestCompilePattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"api:ticket:*", "api:ticket:get:list", true},
		{"api:ticket:*", "api:company:get:list", false},
		{"*ticket*list*", "api:ticket:get:list:p1", true},
		{"*ticket*list*", "api:ticket:get:single", false},
		{"exact", "exact", true},
		{"exact", "exact-no", false},
		// regex metacharacters in keys are literal
		{"a.b*", "a.b:c", true},
		{"a.b*", "aXb:c", false},
		{"a{id}*", "a{id}:7", true},
	}
	for _, tc := range cases {
		re, err := CompilePattern(tc.pattern)
		if err != nil {
			t.Fatalf("CompilePattern(%q): %v", tc.pattern, err)
		}
		if got := re.MatchString(tc.key); got != tc.want {
			t.Fatalf("pattern %q vs key %q: got %v want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestMatchPatternEmptyMatchesAll(t *testing.T) {
	ok, err := MatchPattern("", "any:key:at:all")
	if err != nil || !ok {
		t.Fatalf("empty pattern should match everything, got ok=%v err=%v", ok, err)
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	e := &Entry{CreatedAt: now, ExpiresAt: now.Add(100 * time.Millisecond), TTL: 100 * time.Millisecond}

	if e.Expired(now) {
		t.Fatalf("entry should be live at creation")
	}
	if !e.Expired(now.Add(100 * time.Millisecond)) {
		t.Fatalf("entry should be expired exactly at ExpiresAt")
	}
	if !e.Expired(now.Add(time.Second)) {
		t.Fatalf("entry should be expired after ExpiresAt")
	}

	forever := &Entry{CreatedAt: now}
	if forever.Expired(now.Add(1000 * time.Hour)) {
		t.Fatalf("zero ExpiresAt must never expire")
	}
}

func TestEntryCloneIsolatesTags(t *testing.T) {
	e := &Entry{Tags: []string{"a", "b"}}
	cp := e.Clone()
	cp.Tags[0] = "mutated"
	if e.Tags[0] != "a" {
		t.Fatalf("Clone must copy the tag slice")
	}
}

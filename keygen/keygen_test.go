package keygen

import (
	"strings"
	"testing"
	"time"
)

// ==============================
// determinism
// ==============================

func TestGenerateIsDeterministic(t *testing.T) {
	req := Request{
		EntityType: "ticket",
		Method:     "GET",
		Endpoint:   "/v1/tickets",
		Params:     map[string]any{"status": "open", "page": 2},
	}
	for _, s := range []Strategy{StrategySimple, StrategyHash, StrategyHierarchical, StrategySemantic} {
		g := New(Config{Strategy: s})
		a := g.Generate(req)
		b := g.Generate(req)
		if a != b {
			t.Fatalf("%s: same request produced %q then %q", s, a, b)
		}
		if a == "" {
			t.Fatalf("%s: empty key", s)
		}
	}
}

func TestDifferingRequestsDiffer(t *testing.T) {
	base := Request{
		EntityType: "company",
		Method:     "GET",
		Endpoint:   "/v1/companies",
		Params:     map[string]any{"page": 1},
	}
	variants := map[string]Request{
		"entity":   {EntityType: "contact", Method: "GET", Endpoint: "/v1/companies", Params: map[string]any{"page": 1}},
		"method":   {EntityType: "company", Method: "POST", Endpoint: "/v1/companies", Params: map[string]any{"page": 1}, Body: 1},
		"endpoint": {EntityType: "company", Method: "GET", Endpoint: "/v1/companies/search", Params: map[string]any{"page": 1}},
		"params":   {EntityType: "company", Method: "GET", Endpoint: "/v1/companies", Params: map[string]any{"page": 2}},
	}
	for _, s := range []Strategy{StrategySimple, StrategyHash, StrategyHierarchical} {
		g := New(Config{Strategy: s})
		want := g.Generate(base)
		for name, v := range variants {
			if got := g.Generate(v); got == want {
				t.Errorf("%s: changing %s did not change the key (%q)", s, name, got)
			}
		}
	}
}

// ==============================
// hierarchical layout
// ==============================

func TestNumericIDsCollapse(t *testing.T) {
	g := New(Config{})
	a := g.Generate(Request{EntityType: "company", Method: "GET", Endpoint: "/v1/companies/123"})
	b := g.Generate(Request{EntityType: "company", Method: "GET", Endpoint: "/companies/456"})
	if a != b {
		t.Fatalf("expected ID collapse: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "api:company:get:companies:") {
		t.Fatalf("unexpected layout: %q", a)
	}
}

func TestUUIDsCollapse(t *testing.T) {
	g := New(Config{})
	a := g.Generate(Request{EntityType: "contact", Method: "GET",
		Endpoint: "/contacts/8f14e45f-ceea-467f-a0e6-b4a59a3c0f11"})
	b := g.Generate(Request{EntityType: "contact", Method: "GET",
		Endpoint: "/contacts/00000000-0000-0000-0000-000000000000"})
	if a != b {
		t.Fatalf("expected UUID collapse: %q vs %q", a, b)
	}
}

func TestIgnoredParamsDoNotAffectKey(t *testing.T) {
	g := New(Config{})
	a := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets",
		Params: map[string]any{"status": "open", "timestamp": 1111, "nonce": "x", "_": 9}})
	b := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets",
		Params: map[string]any{"status": "open", "timestamp": 2222, "nonce": "y", "_": 1}})
	if a != b {
		t.Fatalf("ignored params leaked into key: %q vs %q", a, b)
	}
}

func TestBodyOnlyFoldsIntoWriteMethods(t *testing.T) {
	g := New(Config{})
	get1 := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets", Body: map[string]any{"a": 1}})
	get2 := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets"})
	if get1 != get2 {
		t.Fatalf("GET body changed the key: %q vs %q", get1, get2)
	}

	post1 := g.Generate(Request{EntityType: "ticket", Method: "POST", Endpoint: "/tickets", Body: map[string]any{"a": 1}})
	post2 := g.Generate(Request{EntityType: "ticket", Method: "POST", Endpoint: "/tickets", Body: map[string]any{"a": 2}})
	if post1 == post2 {
		t.Fatalf("POST bodies did not differentiate keys: %q", post1)
	}
}

func TestUserContextSegment(t *testing.T) {
	req := Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets",
		UserContext: map[string]any{"tenant": "acme"}}

	off := New(Config{})
	if a, b := off.Generate(req), off.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets"}); a != b {
		t.Fatalf("user context folded in while disabled: %q vs %q", a, b)
	}

	on := New(Config{IncludeUserContext: true})
	a := on.Generate(req)
	b := on.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets",
		UserContext: map[string]any{"tenant": "globex"}})
	if a == b {
		t.Fatalf("user context ignored while enabled: %q", a)
	}
}

func TestTimeWindowRollsKeys(t *testing.T) {
	g := New(Config{TimeWindow: 5 * time.Minute})
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	g.now = func() time.Time { return base }
	a := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets"})

	g.now = func() time.Time { return base.Add(time.Minute) } // same window
	b := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets"})
	if a != b {
		t.Fatalf("key rolled inside one window: %q vs %q", a, b)
	}

	g.now = func() time.Time { return base.Add(6 * time.Minute) } // next window
	c := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets"})
	if a == c {
		t.Fatalf("key did not roll across windows: %q", a)
	}
	if !strings.Contains(a, ":w") {
		t.Fatalf("missing window segment: %q", a)
	}
}

// ==============================
// cleaning
// ==============================

func TestCleaning(t *testing.T) {
	g := New(Config{})
	cases := []struct {
		in, want string
	}{
		{"api:company:get", "api:company:get"},
		{"a b/c", "a_b_c"},
		{"a___b", "a_b"},
		{"__edge__", "edge"},
		{"keep.:-_chars", "keep.:-_chars"},
		{"tab\tand\nnewline", "tab_and_newline"},
	}
	for _, c := range cases {
		if got := g.clean(c.in); got != c.want {
			t.Errorf("clean(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLongKeysTruncateWithSuffix(t *testing.T) {
	g := New(Config{MaxLength: 64})
	// Identical up to the cutoff, so only the hash suffix can keep them apart.
	a := g.clean(strings.Repeat("k", 100) + "a")
	b := g.clean(strings.Repeat("k", 100) + "b")

	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("truncated lengths %d/%d, want 64", len(a), len(b))
	}
	if a == b {
		t.Fatal("distinct long keys collided after truncation")
	}
	if !g.IsValid(a) {
		t.Fatalf("truncated key invalid: %q", a)
	}
	if a[len(a)-9] != '_' {
		t.Fatalf("missing hash suffix separator: %q", a)
	}
}

func TestIsValid(t *testing.T) {
	g := New(Config{MaxLength: 32})
	cases := []struct {
		key  string
		want bool
	}{
		{"api:company:get:list", true},
		{"", false},
		{"has space", false},
		{"double__under", false},
		{strings.Repeat("k", 33), false},
		{"Ok.key-1:x_y", true},
	}
	for _, c := range cases {
		if got := g.IsValid(c.key); got != c.want {
			t.Errorf("IsValid(%q) = %v, want %v", c.key, got, c.want)
		}
	}
}

// ==============================
// semantic strategy
// ==============================

func TestSemanticTokens(t *testing.T) {
	g := New(Config{Strategy: StrategySemantic})
	cases := []struct {
		name string
		req  Request
		want []string
	}{
		{"search", Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets/search"}, []string{"search"}},
		{"single", Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets/42"}, []string{"single"}},
		{"list", Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets"}, []string{"list"}},
		{"filtered sorted", Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets",
			Params: map[string]any{"filter": "open", "sort": "createdAt"}}, []string{"list", "filtered", "sorted"}},
		{"topN paged", Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets",
			Params: map[string]any{"top": 25, "page": 3}}, []string{"top25", "paged"}},
		{"byCompany status", Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets",
			Params: map[string]any{"companyId": 7, "status": "open"}}, []string{"byCompany", "status"}},
	}
	for _, c := range cases {
		key := g.Generate(c.req)
		for _, tok := range c.want {
			if !strings.Contains(key, tok) {
				t.Errorf("%s: key %q missing token %q", c.name, key, tok)
			}
		}
	}
}

func TestSemanticStatusValuesDiffer(t *testing.T) {
	g := New(Config{Strategy: StrategySemantic})
	a := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets", Params: map[string]any{"status": "open"}})
	b := g.Generate(Request{EntityType: "ticket", Method: "GET", Endpoint: "/tickets", Params: map[string]any{"status": "closed"}})
	if a == b {
		t.Fatalf("status values collided: %q", a)
	}
}

// ==============================
// helpers around keys
// ==============================

func TestPatternKey(t *testing.T) {
	g := New(Config{})
	if got := g.PatternKey("company", ""); got != "api:company:*" {
		t.Fatalf("PatternKey empty = %q", got)
	}
	if got := g.PatternKey("company", "*list*"); got != "api:company:*list*" {
		t.Fatalf("PatternKey glob = %q", got)
	}
}

func TestTagKeyNormalizes(t *testing.T) {
	g := New(Config{})
	if got := g.TagKey("company 123"); got != "company_123" {
		t.Fatalf("TagKey = %q", got)
	}
	if got := g.TagKey("company:123"); got != "company:123" {
		t.Fatalf("TagKey = %q", got)
	}
}

func TestExtractEntityType(t *testing.T) {
	g := New(Config{})
	key := g.Generate(Request{EntityType: "project", Method: "GET", Endpoint: "/v1/projects/9"})
	if got := g.ExtractEntityType(key); got != "project" {
		t.Fatalf("ExtractEntityType(%q) = %q", key, got)
	}
	if got := g.ExtractEntityType("garbage"); got != "" {
		t.Fatalf("ExtractEntityType(garbage) = %q", got)
	}
	if got := g.ExtractEntityType("other:project:get"); got != "" {
		t.Fatalf("foreign prefix accepted: %q", got)
	}
}

func TestExtractID(t *testing.T) {
	cases := []struct {
		endpoint, want string
	}{
		{"/v1/companies/123", "123"},
		{"/contacts/8f14e45f-ceea-467f-a0e6-b4a59a3c0f11", "8f14e45f-ceea-467f-a0e6-b4a59a3c0f11"},
		{"/v1/companies/123/contacts", "123"},
		{"/companies", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := ExtractID(c.endpoint); got != c.want {
			t.Errorf("ExtractID(%q) = %q, want %q", c.endpoint, got, c.want)
		}
	}
}

// Package keygen derives deterministic cache keys from request context.
//
// A Generator is a pure function of its configuration: the same Request
// always yields the same key, and two requests that differ in any
// significant field yield different keys. Four strategies are supported;
// hierarchical is the default and produces readable colon-separated keys
// that the rest of the library (pattern invalidation, entity extraction)
// understands.
package keygen

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/psadesk/respcache/internal/util"
)

// Strategy selects the key layout produced by Generate.
type Strategy string

const (
	// StrategySimple joins normalized request parts with underscores.
	StrategySimple Strategy = "simple"
	// StrategyHash digests the whole request into a short opaque key.
	StrategyHash Strategy = "hash"
	// StrategyHierarchical produces colon-separated segment keys (default).
	StrategyHierarchical Strategy = "hierarchical"
	// StrategySemantic produces human-readable keys describing the query shape.
	StrategySemantic Strategy = "semantic"
)

// Request describes one API call to be cached. It is transient: built per
// call, never persisted.
type Request struct {
	// EntityType is the logical resource name, e.g. "company" or "ticket".
	EntityType string
	// Method is the HTTP verb. Matching is case-insensitive.
	Method string
	// Endpoint is the request path. Query strings are ignored; pass
	// parameters through Params instead.
	Endpoint string
	// Params are the significant request parameters.
	Params map[string]any
	// Body is the request payload, if any. Only write methods fold the
	// body into hierarchical keys.
	Body any
	// UserContext carries per-user fields (tenant, role). Folded into the
	// key only when Config.IncludeUserContext is set.
	UserContext map[string]any
}

// Config controls key layout. The zero value is usable: hierarchical
// strategy, "api" prefix, 250-char cap and the standard ignore list.
type Config struct {
	Strategy Strategy
	// Prefix is the first key segment. Default "api".
	Prefix string
	// MaxLength caps generated keys. Longer keys are truncated and
	// suffixed with a hash of the untruncated form. Default 250.
	MaxLength int
	// IgnoreParams are parameter names excluded from key derivation.
	// Default: timestamp, nonce, _.
	IgnoreParams []string
	// IncludeUserContext folds Request.UserContext into the key.
	IncludeUserContext bool
	// TimeWindow, when > 0, appends a window segment so keys roll over
	// every TimeWindow. Zero disables windowing.
	TimeWindow time.Duration
}

// Generator produces cache keys. Safe for concurrent use.
type Generator struct {
	cfg    Config
	ignore map[string]struct{}
	now    func() time.Time
}

// New builds a Generator, applying defaults for unset Config fields.
func New(cfg Config) *Generator {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHierarchical
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "api"
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 250
	}
	if cfg.IgnoreParams == nil {
		cfg.IgnoreParams = []string{"timestamp", "nonce", "_"}
	}
	ignore := make(map[string]struct{}, len(cfg.IgnoreParams))
	for _, p := range cfg.IgnoreParams {
		ignore[p] = struct{}{}
	}
	return &Generator{cfg: cfg, ignore: ignore, now: time.Now}
}

// Generate derives the cache key for r using the configured strategy.
func (g *Generator) Generate(r Request) string {
	var key string
	switch g.cfg.Strategy {
	case StrategySimple:
		key = g.simpleKey(r)
	case StrategyHash:
		key = g.hashKey(r)
	case StrategySemantic:
		key = g.semanticKey(r)
	default:
		key = g.hierarchicalKey(r)
	}
	return g.clean(key)
}

// PatternKey returns an entity-scoped glob for pattern invalidation.
// An empty pattern matches every key of the entity type.
func (g *Generator) PatternKey(entityType, pattern string) string {
	if pattern == "" {
		pattern = "*"
	}
	return g.cfg.Prefix + ":" + g.clean(entityType) + ":" + pattern
}

// TagKey normalizes a tag through the same cleaning rules as keys, so tag
// lookups always match what Set recorded.
func (g *Generator) TagKey(tag string) string {
	return g.clean(tag)
}

// ExtractEntityType parses the entity segment out of a hierarchical or
// hash-strategy key. Returns "" when the key does not follow the
// prefix:entity:... layout.
func (g *Generator) ExtractEntityType(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 3 || parts[0] != g.cfg.Prefix {
		return ""
	}
	return parts[1]
}

// ExtractID returns the trailing numeric or UUID path segment of an
// endpoint, or "" when the endpoint does not address a single entity.
func ExtractID(endpoint string) string {
	segs := splitPath(endpoint)
	for i := len(segs) - 1; i >= 0; i-- {
		if numericSeg.MatchString(segs[i]) || uuidSeg.MatchString(segs[i]) {
			return segs[i]
		}
	}
	return ""
}

// IsValid reports whether key respects the generator's length cap, the
// key charset, and contains no doubled underscores.
func (g *Generator) IsValid(key string) bool {
	if key == "" || len(key) > g.cfg.MaxLength {
		return false
	}
	if strings.Contains(key, "__") {
		return false
	}
	return !invalidChars.MatchString(key)
}

// ==============================
// strategies
// ==============================

func (g *Generator) simpleKey(r Request) string {
	parts := []string{r.EntityType, strings.ToLower(r.Method)}
	parts = append(parts, splitNormalized(r.Endpoint)...)
	if s := g.serializeParams(r.Params); s != "" {
		parts = append(parts, s)
	}
	if r.Body != nil {
		parts = append(parts, util.ShortHash(marshalStable(r.Body), 12))
	}
	return joinNonEmpty(parts, "_")
}

// hashContext is the reduced request folded into hash-strategy keys.
// encoding/json writes map keys in sorted order, which keeps the digest
// stable across calls.
type hashContext struct {
	Entity   string         `json:"entity"`
	Method   string         `json:"method"`
	Endpoint string         `json:"endpoint"`
	Params   map[string]any `json:"params,omitempty"`
	Body     any            `json:"body,omitempty"`
	User     map[string]any `json:"user,omitempty"`
}

func (g *Generator) hashKey(r Request) string {
	hc := hashContext{
		Entity:   r.EntityType,
		Method:   strings.ToLower(r.Method),
		Endpoint: joinNonEmpty(splitNormalized(r.Endpoint), "/"),
		Params:   g.significantParams(r.Params),
		Body:     r.Body,
	}
	if g.cfg.IncludeUserContext {
		hc.User = r.UserContext
	}
	digest := util.ShortHash(marshalStable(hc), 16)
	return joinNonEmpty([]string{g.cfg.Prefix, r.EntityType, digest}, ":")
}

func (g *Generator) hierarchicalKey(r Request) string {
	segs := []string{g.cfg.Prefix, r.EntityType, strings.ToLower(r.Method)}

	ep := splitNormalized(r.Endpoint)
	if len(ep) > 2 {
		ep = ep[:2]
	}
	segs = append(segs, ep...)

	if sig := g.paramSignature(r.Params); sig != "" {
		segs = append(segs, sig)
	}
	if r.Body != nil && isWriteMethod(r.Method) {
		segs = append(segs, "b"+util.ShortHash(marshalStable(r.Body), 12))
	}
	if g.cfg.IncludeUserContext && len(r.UserContext) > 0 {
		segs = append(segs, "u"+util.ShortHash(marshalStable(r.UserContext), 12))
	}
	if g.cfg.TimeWindow > 0 {
		w := g.now().UnixNano() / int64(g.cfg.TimeWindow)
		segs = append(segs, "w"+strconv.FormatInt(w, 10))
	}
	return joinNonEmpty(segs, ":")
}

func (g *Generator) semanticKey(r Request) string {
	segs := []string{g.cfg.Prefix, r.EntityType, strings.ToLower(r.Method)}
	segs = append(segs, endpointShape(r.Endpoint))
	segs = append(segs, g.paramTokens(r.Params)...)
	return joinNonEmpty(segs, ":")
}

// endpointShape classifies a path as a search, a single-entity fetch, or a
// collection listing.
func endpointShape(endpoint string) string {
	segs := splitPath(endpoint)
	for _, s := range segs {
		if strings.EqualFold(s, "search") {
			return "search"
		}
	}
	if n := len(segs); n > 0 {
		last := segs[n-1]
		if numericSeg.MatchString(last) || uuidSeg.MatchString(last) {
			return "single"
		}
	}
	return "list"
}

// paramTokens emits readable tokens in a fixed order so that key equality
// does not depend on map iteration.
func (g *Generator) paramTokens(params map[string]any) []string {
	sig := g.significantParams(params)
	if len(sig) == 0 {
		return nil
	}
	var toks []string
	if hasAny(sig, "filter", "filters", "query", "q") {
		toks = append(toks, "filtered")
	}
	if hasAny(sig, "sort", "sortBy", "orderBy") {
		toks = append(toks, "sorted")
	}
	if v, ok := first(sig, "top", "limit", "pageSize"); ok {
		toks = append(toks, "top"+fmt.Sprintf("%v", v))
	}
	if hasAny(sig, "page", "offset", "skip") {
		toks = append(toks, "paged")
	}
	if hasAny(sig, "companyId", "companyID", "company_id") {
		toks = append(toks, "byCompany")
	}
	if v, ok := sig["status"]; ok {
		toks = append(toks, "status"+util.ShortHash(fmt.Sprintf("%v", v), 6))
	}
	return toks
}

// ==============================
// normalization
// ==============================

var (
	invalidChars = regexp.MustCompile(`[^A-Za-z0-9:_.\-]`)
	multiUnder   = regexp.MustCompile(`_{2,}`)
	versionSeg   = regexp.MustCompile(`^[vV]\d+$`)
	numericSeg   = regexp.MustCompile(`^\d+$`)
	uuidSeg      = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// clean maps arbitrary input onto the key charset and enforces MaxLength.
// Truncated keys keep a hash of the untruncated form so distinct long keys
// stay distinct.
func (g *Generator) clean(key string) string {
	k := invalidChars.ReplaceAllString(key, "_")
	k = multiUnder.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if len(k) > g.cfg.MaxLength {
		k = k[:g.cfg.MaxLength-9] + "_" + util.ShortHash(k, 8)
	}
	return k
}

// splitPath returns non-empty path segments with any query string dropped.
func splitPath(endpoint string) []string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	raw := strings.Split(endpoint, "/")
	segs := raw[:0]
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// splitNormalized strips API version segments and replaces entity
// identifiers with placeholders, so every instance of a resource shares
// one key shape.
func splitNormalized(endpoint string) []string {
	segs := splitPath(endpoint)
	out := segs[:0]
	for _, s := range segs {
		switch {
		case versionSeg.MatchString(s):
			// dropped
		case numericSeg.MatchString(s):
			out = append(out, "{id}")
		case uuidSeg.MatchString(s):
			out = append(out, "{uuid}")
		default:
			out = append(out, s)
		}
	}
	return out
}

// significantParams filters out ignored parameters. Returns nil when
// nothing significant remains.
func (g *Generator) significantParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	sig := make(map[string]any, len(params))
	for k, v := range params {
		if _, skip := g.ignore[k]; skip {
			continue
		}
		sig[k] = v
	}
	if len(sig) == 0 {
		return nil
	}
	return sig
}

// paramSignature digests significant params into a short stable segment.
func (g *Generator) paramSignature(params map[string]any) string {
	s := g.serializeParams(params)
	if s == "" {
		return ""
	}
	return util.ShortHash(s, 12)
}

// serializeParams renders significant params as sorted k=v pairs.
func (g *Generator) serializeParams(params map[string]any) string {
	sig := g.significantParams(params)
	if len(sig) == 0 {
		return ""
	}
	keys := make([]string, 0, len(sig))
	for k := range sig {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", sig[k])
	}
	return b.String()
}

func marshalStable(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable bodies (channels, funcs) still need a stable
		// stand-in; the type name is the best available.
		return fmt.Sprintf("!%T", v)
	}
	return string(b)
}

func isWriteMethod(m string) bool {
	switch strings.ToUpper(m) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

func joinNonEmpty(parts []string, sep string) string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func first(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

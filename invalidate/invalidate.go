// Package invalidate turns entity changes into cache deletions. An
// Invalidator executes explicit requests (single key, batch, glob
// pattern, tag, expired-entry sweep), evaluates registered rules
// against changed entities, and cascades changes to dependent entity
// key-spaces. Delayed work runs on tracked timers that Close cancels
// as a group; completions surface through invalidation events.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psadesk/respcache/keygen"
	"github.com/psadesk/respcache/logging"
	"github.com/psadesk/respcache/metrics"
	"github.com/psadesk/respcache/store"
)

// Pattern selects the invalidation mechanism.
type Pattern string

const (
	PatternSingle Pattern = "single"
	PatternBatch  Pattern = "batch"
	PatternMatch  Pattern = "pattern"
	PatternTag    Pattern = "tag"
	PatternTTL    Pattern = "ttl"
)

// Request describes one invalidation. Target carries the key, glob or
// tag depending on Pattern; batch and tag requests may list several
// Targets. DryRun counts without deleting. Delay > 0 schedules the run
// and returns immediately. Cascade additionally fans out to dependents
// of EntityType.
type Request struct {
	Pattern    Pattern
	Target     string
	Targets    []string
	EntityType string
	DryRun     bool
	Delay      time.Duration
	Cascade    bool
}

// Operation is one entry of a batch request.
type Operation = Request

// Event records a completed invalidation run. Delayed runs and cascades
// report here since their counts are not returned to the caller.
type Event struct {
	Pattern    Pattern
	Target     string
	EntityType string
	Rule       string
	Count      int
	Delayed    bool
	DryRun     bool
	Err        error
	At         time.Time
	Took       time.Duration
}

// BatchRequest executes several operations as a unit. Parallel runs
// them all concurrently and reports every failure; sequential stops at
// the first failure unless ContinueOnError.
type BatchRequest struct {
	Operations      []Operation
	Parallel        bool
	ContinueOnError bool
}

// BatchResult summarizes a batch run. Operations skipped after a
// sequential failure count as neither completed nor failed.
type BatchResult struct {
	Completed        int
	Failed           int
	TotalInvalidated int
}

// BatchError aggregates the failures of a batch run.
type BatchError struct {
	Total int
	Errs  []error
}

func (e *BatchError) Error() string {
	switch len(e.Errs) {
	case 0:
		return "invalidation batch failed"
	case 1:
		return fmt.Sprintf("invalidation batch: 1 of %d operations failed: %v", e.Total, e.Errs[0])
	default:
		return fmt.Sprintf("invalidation batch: %d of %d operations failed: first: %v", len(e.Errs), e.Total, e.Errs[0])
	}
}

func (e *BatchError) Unwrap() []error { return e.Errs }

// Stats are running totals since construction or the last ResetStats.
type Stats struct {
	Total       int64
	Keys        int64
	Errors      int64
	ByPattern   map[Pattern]int64
	ByEntity    map[string]int64
	AvgDuration time.Duration
	LastRun     time.Time
}

// Config wires an Invalidator. Store is required.
type Config struct {
	Store   store.Store
	Keys    *keygen.Generator
	Metrics *metrics.Collector
	Logger  logging.Logger
	// OnInvalidation observes every completed run, including delayed
	// ones. Called synchronously; keep it fast or hand off.
	OnInvalidation func(Event)
	// DisableDefaults skips the seeded PSA rules and dependencies.
	DisableDefaults bool
}

// Invalidator executes invalidation requests against one store.
type Invalidator struct {
	store store.Store
	keys  *keygen.Generator
	met   *metrics.Collector
	log   logging.Logger
	onInv func(Event)

	mu     sync.Mutex
	rules  map[string]Rule
	deps   map[string]Dependency
	stats  Stats
	timers map[*time.Timer]struct{}
	closed bool

	wg  sync.WaitGroup
	now func() time.Time
}

const (
	statsAlpha = 0.3
	// delayedRunTimeout bounds store work for runs whose originating
	// context is long gone.
	delayedRunTimeout = time.Minute
	// dryRunSampleDivisor scales the entry count for tag and ttl dry
	// runs, which no store can answer exactly without executing.
	dryRunSampleDivisor = 10
)

// New builds an Invalidator over the given store.
func New(cfg Config) (*Invalidator, error) {
	if cfg.Store == nil {
		return nil, errors.New("invalidate: Store is required")
	}
	keys := cfg.Keys
	if keys == nil {
		keys = keygen.New(keygen.Config{})
	}
	inv := &Invalidator{
		store:  cfg.Store,
		keys:   keys,
		met:    cfg.Metrics,
		log:    logging.OrNop(cfg.Logger),
		onInv:  cfg.OnInvalidation,
		rules:  make(map[string]Rule),
		deps:   make(map[string]Dependency),
		timers: make(map[*time.Timer]struct{}),
		now:    time.Now,
	}
	inv.stats.ByPattern = make(map[Pattern]int64)
	inv.stats.ByEntity = make(map[string]int64)
	if !cfg.DisableDefaults {
		for _, r := range defaultRules() {
			inv.rules[r.Name] = r
		}
		for _, d := range defaultDependencies() {
			inv.deps[d.Source] = d
		}
	}
	return inv, nil
}

// Invalidate runs one request. Delayed requests return (0, nil) at once
// and report their count through the invalidation event.
func (inv *Invalidator) Invalidate(ctx context.Context, req Request) (int, error) {
	if req.Delay > 0 {
		later := req
		later.Delay = 0
		inv.schedule(req.Delay, func() {
			dctx, cancel := context.WithTimeout(context.Background(), delayedRunTimeout)
			defer cancel()
			inv.execute(dctx, later, true, "")
		})
		return 0, nil
	}
	return inv.execute(ctx, req, false, "")
}

func (inv *Invalidator) execute(ctx context.Context, req Request, delayed bool, rule string) (int, error) {
	start := inv.now()
	n, err := inv.apply(ctx, req)
	took := inv.now().Sub(start)

	inv.trackStats(req, n, took, err)
	if inv.met != nil {
		p := metrics.Point{Op: metrics.OpDelete, EntityType: req.EntityType, Duration: took, At: start}
		if err != nil {
			p.Op = metrics.OpError
		}
		inv.met.Record(p)
	}
	inv.emit(Event{
		Pattern:    req.Pattern,
		Target:     req.Target,
		EntityType: req.EntityType,
		Rule:       rule,
		Count:      n,
		Delayed:    delayed,
		DryRun:     req.DryRun,
		Err:        err,
		At:         start,
		Took:       took,
	})
	if err != nil {
		return n, err
	}
	if req.Cascade && req.EntityType != "" {
		inv.cascade(req.EntityType, nil)
	}
	return n, nil
}

func (inv *Invalidator) apply(ctx context.Context, req Request) (int, error) {
	switch req.Pattern {
	case PatternSingle:
		if req.DryRun {
			ok, err := inv.store.Exists(ctx, req.Target)
			return boolCount(ok), err
		}
		ok, err := inv.store.Delete(ctx, req.Target)
		return boolCount(ok), err

	case PatternBatch:
		targets := req.Targets
		if len(targets) == 0 && req.Target != "" {
			targets = []string{req.Target}
		}
		if req.DryRun {
			var n int
			for _, k := range targets {
				ok, err := inv.store.Exists(ctx, k)
				if err != nil {
					return n, err
				}
				if ok {
					n++
				}
			}
			return n, nil
		}
		return inv.store.DeleteMany(ctx, targets)

	case PatternMatch:
		if req.DryRun {
			keys, err := inv.store.Keys(ctx, req.Target)
			return len(keys), err
		}
		return inv.store.DeletePattern(ctx, req.Target)

	case PatternTag:
		if req.DryRun {
			return inv.dryRunEstimate(ctx)
		}
		tags := req.Targets
		if len(tags) == 0 && req.Target != "" {
			tags = []string{req.Target}
		}
		return inv.store.DeleteByTags(ctx, tags)

	case PatternTTL:
		if req.DryRun {
			return inv.dryRunEstimate(ctx)
		}
		return inv.store.Cleanup(ctx)

	default:
		return 0, fmt.Errorf("invalidate: unknown pattern %q", req.Pattern)
	}
}

// dryRunEstimate guesses how many entries a tag or ttl run would touch.
// Stores cannot answer this without executing, so a fixed share of the
// entry count stands in.
func (inv *Invalidator) dryRunEstimate(ctx context.Context) (int, error) {
	stats, err := inv.store.Size(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Entries / dryRunSampleDivisor, nil
}

// InvalidateByEntityChange evaluates rules for a changed entity and
// then cascades to its dependents. Returns the count invalidated
// immediately; delayed rules report through events. Rule failures are
// logged and never stop later rules.
func (inv *Invalidator) InvalidateByEntityChange(ctx context.Context, entityType string, data map[string]any, change ChangeType, entityID string) (int, error) {
	eval := make(map[string]any, len(data)+1)
	for k, v := range data {
		eval[k] = v
	}
	eval[changeTypeField] = string(change)

	var total int
	for _, r := range inv.matchingRules(entityType, eval) {
		req := Request{
			Pattern:    r.Pattern,
			Target:     expandTarget(r.Target, entityID),
			EntityType: entityType,
			Delay:      r.Delay,
		}
		if req.Delay > 0 {
			later := req
			later.Delay = 0
			name := r.Name
			inv.schedule(req.Delay, func() {
				dctx, cancel := context.WithTimeout(context.Background(), delayedRunTimeout)
				defer cancel()
				inv.execute(dctx, later, true, name)
			})
			continue
		}
		n, err := inv.execute(ctx, req, false, r.Name)
		total += n
		if err != nil {
			inv.log.Warn("invalidation rule failed", logging.Fields{
				"rule":   r.Name,
				"entity": entityType,
				"error":  err,
			})
		}
	}

	inv.cascade(entityType, fieldNames(data))
	return total, nil
}

// matchingRules snapshots enabled rules that match the change, highest
// priority first, name-ordered on ties so evaluation is deterministic.
func (inv *Invalidator) matchingRules(entityType string, data map[string]any) []Rule {
	inv.mu.Lock()
	matched := make([]Rule, 0, len(inv.rules))
	for _, r := range inv.rules {
		if r.matches(entityType, data) {
			matched = append(matched, r)
		}
	}
	inv.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].Name < matched[j].Name
	})
	return matched
}

// cascade schedules pattern invalidation of every dependent key-space.
// changedFields narrows the fan-out when the dependency lists fields.
func (inv *Invalidator) cascade(entityType string, changedFields []string) {
	inv.mu.Lock()
	dep, ok := inv.deps[entityType]
	inv.mu.Unlock()
	if !ok {
		return
	}
	if len(dep.Fields) > 0 && len(changedFields) > 0 && !intersects(dep.Fields, changedFields) {
		return
	}
	for _, dependent := range dep.Dependents {
		req := Request{
			Pattern:    PatternMatch,
			Target:     inv.keys.PatternKey(dependent, ""),
			EntityType: dependent,
		}
		inv.schedule(dep.Delay, func() {
			dctx, cancel := context.WithTimeout(context.Background(), delayedRunTimeout)
			defer cancel()
			inv.execute(dctx, req, true, "")
		})
	}
}

// ExecuteBatch runs several operations, all-settled when Parallel.
// Failures aggregate into a *BatchError.
func (inv *Invalidator) ExecuteBatch(ctx context.Context, batch BatchRequest) (BatchResult, error) {
	counts := make([]int, len(batch.Operations))
	errs := make([]error, len(batch.Operations))
	attempted := make([]bool, len(batch.Operations))

	if batch.Parallel {
		var wg sync.WaitGroup
		for i, op := range batch.Operations {
			attempted[i] = true
			wg.Add(1)
			go func(i int, op Operation) {
				defer wg.Done()
				counts[i], errs[i] = inv.Invalidate(ctx, op)
			}(i, op)
		}
		wg.Wait()
	} else {
		for i, op := range batch.Operations {
			attempted[i] = true
			counts[i], errs[i] = inv.Invalidate(ctx, op)
			if errs[i] != nil && !batch.ContinueOnError {
				break
			}
		}
	}

	var res BatchResult
	var failures []error
	for i := range batch.Operations {
		if !attempted[i] {
			continue
		}
		if errs[i] != nil {
			res.Failed++
			failures = append(failures, fmt.Errorf("operation %d (%s %q): %w", i, batch.Operations[i].Pattern, batch.Operations[i].Target, errs[i]))
			continue
		}
		res.Completed++
		res.TotalInvalidated += counts[i]
	}
	if len(failures) > 0 {
		return res, &BatchError{Total: len(batch.Operations), Errs: failures}
	}
	return res, nil
}

// ==============================
// rules and dependencies
// ==============================

// AddRule registers a rule; a rule with the same name is replaced.
func (inv *Invalidator) AddRule(r Rule) {
	inv.mu.Lock()
	inv.rules[r.Name] = r
	inv.mu.Unlock()
}

// RemoveRule drops a rule by name.
func (inv *Invalidator) RemoveRule(name string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.rules[name]; !ok {
		return false
	}
	delete(inv.rules, name)
	return true
}

// Rules lists registered rules, highest priority first.
func (inv *Invalidator) Rules() []Rule {
	inv.mu.Lock()
	out := make([]Rule, 0, len(inv.rules))
	for _, r := range inv.rules {
		out = append(out, r)
	}
	inv.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// AddDependency registers a cascade; same source replaces.
func (inv *Invalidator) AddDependency(d Dependency) {
	inv.mu.Lock()
	inv.deps[d.Source] = d
	inv.mu.Unlock()
}

// RemoveDependency drops the cascade for a source entity type.
func (inv *Invalidator) RemoveDependency(source string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, ok := inv.deps[source]; !ok {
		return false
	}
	delete(inv.deps, source)
	return true
}

// Dependencies lists registered cascades sorted by source.
func (inv *Invalidator) Dependencies() []Dependency {
	inv.mu.Lock()
	out := make([]Dependency, 0, len(inv.deps))
	for _, d := range inv.deps {
		out = append(out, d)
	}
	inv.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// ==============================
// stats and lifecycle
// ==============================

// Stats returns a copy of the running totals.
func (inv *Invalidator) Stats() Stats {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := inv.stats
	out.ByPattern = make(map[Pattern]int64, len(inv.stats.ByPattern))
	for k, v := range inv.stats.ByPattern {
		out.ByPattern[k] = v
	}
	out.ByEntity = make(map[string]int64, len(inv.stats.ByEntity))
	for k, v := range inv.stats.ByEntity {
		out.ByEntity[k] = v
	}
	return out
}

// ResetStats zeroes the running totals.
func (inv *Invalidator) ResetStats() {
	inv.mu.Lock()
	inv.stats = Stats{
		ByPattern: make(map[Pattern]int64),
		ByEntity:  make(map[string]int64),
	}
	inv.mu.Unlock()
}

func (inv *Invalidator) trackStats(req Request, n int, took time.Duration, err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.stats.Total++
	inv.stats.Keys += int64(n)
	inv.stats.ByPattern[req.Pattern]++
	if req.EntityType != "" {
		inv.stats.ByEntity[req.EntityType]++
	}
	if err != nil {
		inv.stats.Errors++
	}
	if inv.stats.AvgDuration == 0 {
		inv.stats.AvgDuration = took
	} else {
		inv.stats.AvgDuration = time.Duration(float64(inv.stats.AvgDuration)*(1-statsAlpha) + float64(took)*statsAlpha)
	}
	inv.stats.LastRun = inv.now()
}

// schedule runs fn after d on a tracked timer. Close cancels pending
// timers and waits for running callbacks.
func (inv *Invalidator) schedule(d time.Duration, fn func()) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return
	}
	inv.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer inv.wg.Done()
		inv.mu.Lock()
		if inv.timers != nil {
			delete(inv.timers, t)
		}
		closed := inv.closed
		inv.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
	inv.timers[t] = struct{}{}
}

// Close cancels pending delayed invalidations and waits for in-flight
// ones. Safe to call repeatedly.
func (inv *Invalidator) Close() error {
	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return nil
	}
	inv.closed = true
	timers := inv.timers
	inv.timers = nil
	inv.mu.Unlock()

	for t := range timers {
		if t.Stop() {
			// Timer never fired; release its slot.
			inv.wg.Done()
		}
	}
	inv.wg.Wait()
	return nil
}

func (inv *Invalidator) emit(ev Event) {
	if inv.onInv != nil {
		inv.onInv(ev)
	}
}

// ==============================
// helpers
// ==============================

// expandTarget substitutes the changed entity's id into a rule target.
// Without an id the trailing ":{id}" segment is dropped so tag targets
// degrade to their entity-wide form.
func expandTarget(target, entityID string) string {
	if entityID != "" {
		return strings.ReplaceAll(target, "{id}", entityID)
	}
	return strings.TrimSuffix(target, ":{id}")
}

func fieldNames(data map[string]any) []string {
	out := make([]string, 0, len(data))
	for k := range data {
		out = append(out, k)
	}
	return out
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

func boolCount(ok bool) int {
	if ok {
		return 1
	}
	return 0
}

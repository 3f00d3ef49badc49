// Package metrics collects cache operation telemetry.
//
// A Collector keeps a bounded ring of raw points plus cheap incremental
// aggregates: global counters, per-entity summaries, a rolling
// response-time window and an operations-per-second window. Thresholds
// are evaluated after every recorded point against the current aggregate
// values; breaches fan out to OnThreshold subscribers.
//
// Record and UpdateMemoryUsage are nil-receiver safe so components can
// hold an optional *Collector without branching.
package metrics

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/psadesk/respcache/logging"
)

// Op classifies a recorded cache operation.
type Op string

const (
	OpHit      Op = "hit"
	OpMiss     Op = "miss"
	OpSet      Op = "set"
	OpDelete   Op = "delete"
	OpEviction Op = "eviction"
	OpError    Op = "error"
)

// Point is one observed cache operation.
type Point struct {
	Op         Op
	EntityType string
	Key        string
	// Duration is the end-to-end time of the operation, when measured.
	Duration time.Duration
	// Size is the entry payload size in bytes. Sets grow the memory
	// gauge; deletes and evictions shrink it.
	Size int64
	// TTL accompanies set operations.
	TTL time.Duration
	// At defaults to now when zero.
	At time.Time
}

// Metric names understood by thresholds.
const (
	MetricHitRate       = "hit_rate"
	MetricAvgResponseMs = "avg_response_time_ms"
	MetricErrorCount    = "error_count"
	MetricMemoryBytes   = "memory_usage_bytes"
)

// Threshold triggers an Alert when its metric crosses Value in the
// direction given by Cmp ("lt" or "gt").
type Threshold struct {
	Metric  string
	Cmp     string
	Value   float64
	Enabled bool
}

// Alert reports a threshold breach.
type Alert struct {
	Threshold Threshold
	Value     float64
	At        time.Time
}

// DefaultThresholds returns the standard alerting set: hit rate below
// 50%, average response time above 100ms, more than 10 errors, memory
// above 100 MiB.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Metric: MetricHitRate, Cmp: "lt", Value: 0.5, Enabled: true},
		{Metric: MetricAvgResponseMs, Cmp: "gt", Value: 100, Enabled: true},
		{Metric: MetricErrorCount, Cmp: "gt", Value: 10, Enabled: true},
		{Metric: MetricMemoryBytes, Cmp: "gt", Value: 100 << 20, Enabled: true},
	}
}

// EntityStats aggregates activity for one entity type.
type EntityStats struct {
	Hits         int64
	Misses       int64
	HitRate      float64
	Entries      int64
	MemoryUsage  int64
	AvgTTL       time.Duration
	LastAccessed time.Time
}

// Stats is a point-in-time snapshot of the collector.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
	Errors    int64
	// HitRate is hits / (hits + misses), 0 before any lookup.
	HitRate float64
	// AvgResponseTime covers the configured response window.
	AvgResponseTime time.Duration
	// OpsPerSecond covers the configured rate window.
	OpsPerSecond float64
	MemoryUsage  int64
	Entities     map[string]EntityStats
	Uptime       time.Duration
}

// Hourly is one aggregated snapshot kept for trend queries.
type Hourly struct {
	At    time.Time
	Stats Stats
}

// Config for a Collector. The zero value is usable.
type Config struct {
	// Capacity bounds the raw point ring. Default 10000.
	Capacity int
	// ResponseWindow sizes the rolling response-time average. Default 60s.
	ResponseWindow time.Duration
	// RateWindow sizes the operations-per-second window. Default 1s.
	RateWindow time.Duration
	// HistoryLimit bounds the hourly snapshots. Default 168 (7 days).
	HistoryLimit int
	// AggregationSchedule is a cron spec for snapshot aggregation.
	// Default "@hourly".
	AggregationSchedule string
	// Thresholds to evaluate. Nil means DefaultThresholds.
	Thresholds []Threshold
	// AlertCooldown suppresses repeat alerts per metric. Default 1m.
	AlertCooldown time.Duration
	// Logger receives aggregation and alert logging. Default no-op.
	Logger logging.Logger
	// Observers receive every recorded point synchronously. Observers
	// must be fast; slow ones belong behind their own queue.
	Observers []func(Point)
}

type entityAgg struct {
	hits         int64
	misses       int64
	entries      int64
	memory       int64
	avgTTL       float64 // seconds, exponentially weighted
	lastAccessed time.Time
}

// Collector accumulates metrics. Safe for concurrent use.
type Collector struct {
	cfg Config
	log logging.Logger

	mu        sync.Mutex
	ring      []Point
	ringNext  int
	ringFull  bool
	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
	errors    int64
	memory    int64
	entities  map[string]*entityAgg
	resp      rollingWindow
	rate      rollingWindow
	history   []Hourly
	lastAlert map[string]time.Time
	onAlert   []func(Alert)

	cron    *cron.Cron
	started bool
	start   time.Time
	now     func() time.Time
}

// New builds a Collector, applying defaults for unset Config fields.
// Call Start to enable scheduled hourly aggregation.
func New(cfg Config) *Collector {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10_000
	}
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = 60 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 168
	}
	if cfg.AggregationSchedule == "" {
		cfg.AggregationSchedule = "@hourly"
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.AlertCooldown == 0 {
		cfg.AlertCooldown = time.Minute
	}
	log := logging.OrNop(cfg.Logger)

	c := &Collector{
		cfg:       cfg,
		log:       log,
		ring:      make([]Point, cfg.Capacity),
		entities:  make(map[string]*entityAgg),
		resp:      rollingWindow{span: cfg.ResponseWindow},
		rate:      rollingWindow{span: cfg.RateWindow},
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
	c.start = c.now()
	c.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{log})))
	return c
}

// Record ingests one operation point.
func (c *Collector) Record(p Point) {
	if c == nil {
		return
	}
	if p.At.IsZero() {
		p.At = c.now()
	}

	c.mu.Lock()
	c.ring[c.ringNext] = p
	c.ringNext++
	if c.ringNext == len(c.ring) {
		c.ringNext = 0
		c.ringFull = true
	}

	switch p.Op {
	case OpHit:
		c.hits++
	case OpMiss:
		c.misses++
	case OpSet:
		c.sets++
		c.memory += p.Size
	case OpDelete:
		c.deletes++
		c.memory -= p.Size
	case OpEviction:
		c.evictions++
		c.memory -= p.Size
	case OpError:
		c.errors++
	}
	if c.memory < 0 {
		c.memory = 0
	}

	if p.EntityType != "" {
		c.recordEntity(p)
	}
	if p.Duration > 0 {
		c.resp.add(p.At, float64(p.Duration))
	}
	c.rate.add(p.At, 1)

	alerts := c.checkThresholds(p.At)
	subs := c.onAlert
	c.mu.Unlock()

	for _, a := range alerts {
		for _, fn := range subs {
			fn(a)
		}
	}
	for _, obs := range c.cfg.Observers {
		obs(p)
	}
}

func (c *Collector) recordEntity(p Point) {
	e, ok := c.entities[p.EntityType]
	if !ok {
		e = &entityAgg{}
		c.entities[p.EntityType] = e
	}
	switch p.Op {
	case OpHit:
		e.hits++
		e.lastAccessed = p.At
	case OpMiss:
		e.misses++
		e.lastAccessed = p.At
	case OpSet:
		e.entries++
		e.memory += p.Size
		e.lastAccessed = p.At
		if ttl := p.TTL.Seconds(); ttl > 0 {
			if e.avgTTL == 0 {
				e.avgTTL = ttl
			} else {
				e.avgTTL += 0.3 * (ttl - e.avgTTL)
			}
		}
	case OpDelete, OpEviction:
		e.entries--
		e.memory -= p.Size
	}
	if e.entries < 0 {
		e.entries = 0
	}
	if e.memory < 0 {
		e.memory = 0
	}
}

// UpdateMemoryUsage replaces the approximate memory gauge with an
// authoritative number, typically from store Size() results.
func (c *Collector) UpdateMemoryUsage(bytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if bytes >= 0 {
		c.memory = bytes
	}
	c.mu.Unlock()
}

// OnThreshold subscribes fn to threshold breach alerts.
func (c *Collector) OnThreshold(fn func(Alert)) {
	c.mu.Lock()
	c.onAlert = append(c.onAlert, fn)
	c.mu.Unlock()
}

// Snapshot derives current Stats.
func (c *Collector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.now())
}

func (c *Collector) snapshotLocked(now time.Time) Stats {
	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		Sets:         c.sets,
		Deletes:      c.deletes,
		Evictions:    c.evictions,
		Errors:       c.errors,
		MemoryUsage:  c.memory,
		OpsPerSecond: c.rate.rate(now),
		Uptime:       now.Sub(c.start),
		Entities:     make(map[string]EntityStats, len(c.entities)),
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
	}
	s.AvgResponseTime = time.Duration(c.resp.avg(now))
	for name, e := range c.entities {
		es := EntityStats{
			Hits:         e.hits,
			Misses:       e.misses,
			Entries:      e.entries,
			MemoryUsage:  e.memory,
			AvgTTL:       time.Duration(e.avgTTL * float64(time.Second)),
			LastAccessed: e.lastAccessed,
		}
		if lookups := e.hits + e.misses; lookups > 0 {
			es.HitRate = float64(e.hits) / float64(lookups)
		}
		s.Entities[name] = es
	}
	return s
}

// Recent returns up to n of the most recently recorded points, oldest
// first.
func (c *Collector) Recent(n int) []Point {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.ringNext
	if c.ringFull {
		size = len(c.ring)
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Point, 0, n)
	start := c.ringNext - n
	if start < 0 {
		start += len(c.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, c.ring[(start+i)%len(c.ring)])
	}
	return out
}

// History returns the aggregated hourly snapshots, oldest first.
func (c *Collector) History() []Hourly {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hourly, len(c.history))
	copy(out, c.history)
	return out
}

// Start schedules the aggregation job. Safe to call once; subsequent
// calls are no-ops.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	_, err := c.cron.AddFunc(c.cfg.AggregationSchedule, c.aggregate)
	if err != nil {
		return err
	}
	c.cron.Start()
	c.started = true
	return nil
}

// Close stops the aggregation scheduler and waits for a running job.
func (c *Collector) Close() {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()
	if started {
		<-c.cron.Stop().Done()
	}
}

// aggregate appends one hourly snapshot, dropping the oldest beyond the
// history limit.
func (c *Collector) aggregate() {
	c.mu.Lock()
	now := c.now()
	h := Hourly{At: now, Stats: c.snapshotLocked(now)}
	c.history = append(c.history, h)
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
	c.mu.Unlock()

	c.log.Debug("metrics aggregated", logging.Fields{
		"hit_rate": h.Stats.HitRate,
		"entries":  len(h.Stats.Entities),
	})
}

// minLookupsForHitRate avoids alerting on the hit rate before the sample
// is meaningful.
const minLookupsForHitRate = 10

func (c *Collector) checkThresholds(now time.Time) []Alert {
	var alerts []Alert
	for _, th := range c.cfg.Thresholds {
		if !th.Enabled {
			continue
		}
		var value float64
		switch th.Metric {
		case MetricHitRate:
			lookups := c.hits + c.misses
			if lookups < minLookupsForHitRate {
				continue
			}
			value = float64(c.hits) / float64(lookups)
		case MetricAvgResponseMs:
			value = c.resp.avg(now) / float64(time.Millisecond)
		case MetricErrorCount:
			value = float64(c.errors)
		case MetricMemoryBytes:
			value = float64(c.memory)
		default:
			continue
		}

		breached := (th.Cmp == "lt" && value < th.Value) ||
			(th.Cmp == "gt" && value > th.Value)
		if !breached {
			continue
		}
		if last, ok := c.lastAlert[th.Metric]; ok && now.Sub(last) < c.cfg.AlertCooldown {
			continue
		}
		c.lastAlert[th.Metric] = now
		alerts = append(alerts, Alert{Threshold: th, Value: value, At: now})
	}
	return alerts
}

// ==============================
// rolling window
// ==============================

type wpoint struct {
	at time.Time
	v  float64
}

// rollingWindow keeps a time-bounded FIFO of values with an incremental
// sum. Expired points are evicted on every access, so reads and writes
// stay amortized O(1).
type rollingWindow struct {
	span time.Duration
	pts  []wpoint
	head int
	sum  float64
}

func (w *rollingWindow) add(at time.Time, v float64) {
	w.evict(at)
	w.pts = append(w.pts, wpoint{at: at, v: v})
	w.sum += v
}

func (w *rollingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.head < len(w.pts) && w.pts[w.head].at.Before(cutoff) {
		w.sum -= w.pts[w.head].v
		w.pts[w.head] = wpoint{}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.pts) {
		n := copy(w.pts, w.pts[w.head:])
		w.pts = w.pts[:n]
		w.head = 0
	}
}

func (w *rollingWindow) avg(now time.Time) float64 {
	w.evict(now)
	n := len(w.pts) - w.head
	if n == 0 {
		return 0
	}
	return w.sum / float64(n)
}

func (w *rollingWindow) rate(now time.Time) float64 {
	w.evict(now)
	n := len(w.pts) - w.head
	if n == 0 {
		return 0
	}
	return float64(n) / w.span.Seconds()
}

// cronLogger adapts logging.Logger to the cron scheduler's interface.
type cronLogger struct {
	log logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, kvFields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	f := kvFields(keysAndValues)
	f["error"] = err
	l.log.Error(msg, f)
}

func kvFields(kv []any) logging.Fields {
	f := make(logging.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[k] = kv[i+1]
	}
	return f
}

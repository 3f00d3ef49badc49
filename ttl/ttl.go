// Package ttl computes time-to-live values for cache entries.
//
// A Calculator combines static per-entity limits with dynamic signals: an
// exponentially weighted tracker of observed update intervals, business
// hours, a per-entity volatility classification, and caller-supplied
// business rules. Every Result is clamped to the entity's [Min, Max]
// window and carries the reason the chosen branch fired, so callers and
// tests can see why a TTL came out the way it did.
package ttl

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Strategy selects how Calculate derives a TTL.
type Strategy string

const (
	// StrategyFixed uses the per-entity static configuration (default).
	StrategyFixed Strategy = "fixed"
	// StrategyAdaptive derives TTL from observed update intervals.
	StrategyAdaptive Strategy = "adaptive"
	// StrategyTimeAware shortens TTL during business hours.
	StrategyTimeAware Strategy = "timeaware"
	// StrategyVolatility maps the entity's volatility level to a TTL range.
	StrategyVolatility Strategy = "volatility"
	// StrategyBusiness consults caller-registered rules first.
	StrategyBusiness Strategy = "business"
)

// Level classifies how frequently an entity type changes.
type Level string

const (
	VeryLow  Level = "very_low"
	Low      Level = "low"
	Medium   Level = "medium"
	High     Level = "high"
	VeryHigh Level = "very_high"
)

// EntityTTL bounds the TTLs produced for one entity type.
type EntityTTL struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// BusinessHours describes when data is expected to change quickly.
type BusinessHours struct {
	// StartHour and EndHour bound the busy window, [StartHour, EndHour).
	StartHour int
	EndHour   int
	// WorkingDays lists the weekdays the window applies to.
	WorkingDays []time.Weekday
	// Location resolves wall-clock hours. Defaults to UTC.
	Location *time.Location
}

// Rule is a caller-supplied TTL override. It returns the TTL, a
// human-readable reason and true when it applies to the given entity data.
type Rule func(entityType string, data any) (time.Duration, string, bool)

// Config for a Calculator. The zero value is usable.
type Config struct {
	// Entities holds per-entity limits; entities not listed use Fallback.
	Entities map[string]EntityTTL
	// Fallback applies when an entity has no explicit limits.
	// Default 15m/1m/24h.
	Fallback EntityTTL
	// Hours configures the timeaware strategy. Default 8-18 Mon-Fri UTC.
	Hours BusinessHours
	// Volatility overrides the built-in entity volatility seed.
	Volatility map[string]Level
	// Rules are checked in order by the business strategy.
	Rules []Rule
}

// Request describes one TTL computation.
type Request struct {
	EntityType string
	// Data is the response payload, made available to business rules.
	Data any
	// Strategy to apply. Empty means fixed.
	Strategy Strategy
}

// Result is a computed TTL with its provenance. Never persisted.
type Result struct {
	TTL        time.Duration
	Strategy   Strategy
	Confidence float64
	Reason     string
	MinTTL     time.Duration
	MaxTTL     time.Duration
}

// updateStats tracks exponentially weighted update intervals for one
// entity type. Intervals and variance are kept in seconds.
type updateStats struct {
	last     time.Time
	avg      float64
	variance float64
	samples  int
}

const (
	// ewmaAlpha weights the newest interval in the moving average.
	ewmaAlpha = 0.3
	// statsRetention drops entities that stopped reporting updates.
	statsRetention = 24 * time.Hour
	pruneEvery     = time.Hour
)

// Calculator computes TTLs. Safe for concurrent use.
type Calculator struct {
	cfg Config

	mu         sync.RWMutex
	volatility map[string]Level
	stats      map[string]*updateStats
	lastPrune  time.Time

	now func() time.Time
}

// New builds a Calculator, applying defaults for unset Config fields.
func New(cfg Config) *Calculator {
	if cfg.Fallback == (EntityTTL{}) {
		cfg.Fallback = EntityTTL{Default: 15 * time.Minute, Min: time.Minute, Max: 24 * time.Hour}
	}
	if cfg.Hours.StartHour == 0 && cfg.Hours.EndHour == 0 {
		cfg.Hours.StartHour, cfg.Hours.EndHour = 8, 18
	}
	if cfg.Hours.WorkingDays == nil {
		cfg.Hours.WorkingDays = []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		}
	}
	if cfg.Hours.Location == nil {
		cfg.Hours.Location = time.UTC
	}

	vol := make(map[string]Level, len(defaultVolatility)+len(cfg.Volatility))
	for k, v := range defaultVolatility {
		vol[k] = v
	}
	for k, v := range cfg.Volatility {
		vol[k] = v
	}

	c := &Calculator{
		cfg:        cfg,
		volatility: vol,
		stats:      make(map[string]*updateStats),
		now:        time.Now,
	}
	c.lastPrune = c.now()
	return c
}

// Calculate derives a TTL for r. The result is always clamped to the
// entity's [Min, Max] window.
func (c *Calculator) Calculate(r Request) Result {
	lim := c.limits(r.EntityType)
	switch r.Strategy {
	case StrategyAdaptive:
		return c.adaptive(r, lim)
	case StrategyTimeAware:
		return c.timeAware(lim)
	case StrategyVolatility:
		return c.volatile(r)
	case StrategyBusiness:
		return c.business(r, lim)
	default:
		return c.fixed(lim)
	}
}

// TrackUpdate records that entityType's data just changed. Feeds the
// adaptive strategy.
func (c *Calculator) TrackUpdate(entityType string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.stats[entityType]
	if !ok {
		c.stats[entityType] = &updateStats{last: now}
		return
	}
	interval := now.Sub(st.last).Seconds()
	st.last = now
	if st.samples == 0 {
		st.avg = interval
	} else {
		diff := interval - st.avg
		st.avg += ewmaAlpha * diff
		st.variance = (1 - ewmaAlpha) * (st.variance + ewmaAlpha*diff*diff)
	}
	st.samples++

	if now.Sub(c.lastPrune) >= pruneEvery {
		cutoff := now.Add(-statsRetention)
		for k, s := range c.stats {
			if s.last.Before(cutoff) {
				delete(c.stats, k)
			}
		}
		c.lastPrune = now
	}
}

// SetVolatility reclassifies an entity type at runtime.
func (c *Calculator) SetVolatility(entityType string, l Level) {
	c.mu.Lock()
	c.volatility[entityType] = l
	c.mu.Unlock()
}

// Volatility returns the entity's current level, Medium when unknown.
func (c *Calculator) Volatility(entityType string) Level {
	c.mu.RLock()
	l, ok := c.volatility[entityType]
	c.mu.RUnlock()
	if !ok {
		return Medium
	}
	return l
}

// ==============================
// strategies
// ==============================

func (c *Calculator) fixed(lim EntityTTL) Result {
	return Result{
		TTL:        clamp(lim.Default, lim),
		Strategy:   StrategyFixed,
		Confidence: 1.0,
		Reason:     "fixed entity configuration",
		MinTTL:     lim.Min,
		MaxTTL:     lim.Max,
	}
}

func (c *Calculator) adaptive(r Request, lim EntityTTL) Result {
	c.mu.RLock()
	st, ok := c.stats[r.EntityType]
	var avg, variance float64
	var samples int
	if ok {
		avg, variance, samples = st.avg, st.variance, st.samples
	}
	c.mu.RUnlock()

	if samples < 2 || avg <= 0 {
		res := c.fixed(lim)
		res.Strategy = StrategyAdaptive
		res.Confidence = 0.3
		res.Reason = "insufficient update history, using fixed default"
		return res
	}

	// Half the mean inter-update time keeps entries fresh through roughly
	// one update cycle.
	ttl := time.Duration(avg / 2 * float64(time.Second))
	stddev := math.Sqrt(variance)
	conf := math.Min(1, float64(samples)/10) * clampFloat(1-stddev/avg, 0.1, 1)

	return Result{
		TTL:        clamp(ttl, lim),
		Strategy:   StrategyAdaptive,
		Confidence: conf,
		Reason:     fmt.Sprintf("avg update interval %.0fs over %d samples", avg, samples),
		MinTTL:     lim.Min,
		MaxTTL:     lim.Max,
	}
}

func (c *Calculator) timeAware(lim EntityTTL) Result {
	now := c.now().In(c.cfg.Hours.Location)

	var ttl time.Duration
	var reason string
	switch {
	case !c.workingDay(now.Weekday()):
		ttl = lim.Default * 3
		reason = "outside working days"
	case now.Hour() >= c.cfg.Hours.StartHour && now.Hour() < c.cfg.Hours.EndHour:
		ttl = lim.Default / 2
		reason = "inside business hours"
	default:
		ttl = lim.Default * 2
		reason = "working day off-hours"
	}

	return Result{
		TTL:        clamp(ttl, lim),
		Strategy:   StrategyTimeAware,
		Confidence: 0.8,
		Reason:     reason,
		MinTTL:     lim.Min,
		MaxTTL:     lim.Max,
	}
}

func (c *Calculator) volatile(r Request) Result {
	c.mu.RLock()
	level, known := c.volatility[r.EntityType]
	c.mu.RUnlock()

	conf := 0.85
	if !known {
		level = Medium
		conf = 0.5
	}
	lim := levelRanges[level]

	return Result{
		TTL:        clamp(lim.Default, lim),
		Strategy:   StrategyVolatility,
		Confidence: conf,
		Reason:     fmt.Sprintf("volatility level %s", level),
		MinTTL:     lim.Min,
		MaxTTL:     lim.Max,
	}
}

func (c *Calculator) business(r Request, lim EntityTTL) Result {
	for _, rule := range c.cfg.Rules {
		d, reason, ok := rule(r.EntityType, r.Data)
		if !ok {
			continue
		}
		return Result{
			TTL:        clamp(d, lim),
			Strategy:   StrategyBusiness,
			Confidence: 0.95,
			Reason:     reason,
			MinTTL:     lim.Min,
			MaxTTL:     lim.Max,
		}
	}
	res := c.fixed(lim)
	res.Strategy = StrategyBusiness
	res.Reason = "no business rule matched, using fixed default"
	return res
}

// ==============================
// helpers
// ==============================

// levelRanges maps each volatility level to its TTL window.
var levelRanges = map[Level]EntityTTL{
	VeryLow:  {Default: 6 * time.Hour, Min: time.Hour, Max: 24 * time.Hour},
	Low:      {Default: 2 * time.Hour, Min: 30 * time.Minute, Max: 12 * time.Hour},
	Medium:   {Default: 30 * time.Minute, Min: 5 * time.Minute, Max: 2 * time.Hour},
	High:     {Default: 5 * time.Minute, Min: time.Minute, Max: 30 * time.Minute},
	VeryHigh: {Default: time.Minute, Min: 30 * time.Second, Max: 5 * time.Minute},
}

// defaultVolatility seeds the classification for the standard PSA entity
// types. Config.Volatility entries override these.
var defaultVolatility = map[string]Level{
	"company":     VeryLow,
	"configitem":  VeryLow,
	"contract":    Low,
	"contact":     Medium,
	"project":     Medium,
	"task":        High,
	"ticket":      VeryHigh,
	"opportunity": VeryHigh,
}

func (c *Calculator) limits(entityType string) EntityTTL {
	lim, ok := c.cfg.Entities[entityType]
	if !ok {
		return c.cfg.Fallback
	}
	if lim.Default == 0 {
		lim.Default = c.cfg.Fallback.Default
	}
	if lim.Min == 0 {
		lim.Min = c.cfg.Fallback.Min
	}
	if lim.Max == 0 {
		lim.Max = c.cfg.Fallback.Max
	}
	return lim
}

func (c *Calculator) workingDay(d time.Weekday) bool {
	for _, w := range c.cfg.Hours.WorkingDays {
		if w == d {
			return true
		}
	}
	return false
}

func clamp(d time.Duration, lim EntityTTL) time.Duration {
	if d < lim.Min {
		return lim.Min
	}
	if d > lim.Max {
		return lim.Max
	}
	return d
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

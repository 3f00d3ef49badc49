// Package prom mirrors collector points into Prometheus metrics.
//
// The Observer is wired as a metrics.Config Observer; every recorded
// point increments the corresponding vector. Collectors register against
// an injected prometheus.Registerer, never a process-global registry.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psadesk/respcache/metrics"
)

// Observer exports cache activity as Prometheus metrics.
type Observer struct {
	ops      *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration prometheus.Histogram
	memory   prometheus.Gauge
}

// New builds an Observer and registers its collectors with reg.
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	o := &Observer{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Cache operations by kind and entity type",
			},
			[]string{"op", "entity"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Cache operation errors by entity type",
			},
			[]string{"entity"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_op_duration_seconds",
				Help:      "End-to-end duration of measured cache operations",
				Buckets:   prometheus.DefBuckets,
			},
		),
		memory: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_memory_bytes",
				Help:      "Approximate cached payload bytes",
			},
		),
	}

	for _, c := range []prometheus.Collector{o.ops, o.errors, o.duration, o.memory} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Observe ingests one point. Safe for concurrent use.
func (o *Observer) Observe(p metrics.Point) {
	entity := p.EntityType
	if entity == "" {
		entity = "unknown"
	}

	o.ops.WithLabelValues(string(p.Op), entity).Inc()
	switch p.Op {
	case metrics.OpError:
		o.errors.WithLabelValues(entity).Inc()
	case metrics.OpSet:
		o.memory.Add(float64(p.Size))
	case metrics.OpDelete, metrics.OpEviction:
		o.memory.Sub(float64(p.Size))
	}
	if p.Duration > 0 {
		o.duration.Observe(p.Duration.Seconds())
	}
}

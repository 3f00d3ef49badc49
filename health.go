package respcache

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// StoreHealth is one store's view at check time.
type StoreHealth struct {
	Healthy     bool
	Entries     int
	MemoryUsage int64
}

// BreakerStatus is the circuit breaker's view at check time. State is
// "closed", "half-open", "open", or "disabled".
type BreakerStatus struct {
	State               string
	Requests            uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
}

// HealthStatus is one point-in-time health check.
type HealthStatus struct {
	// Healthy is true when the primary store is reachable and the
	// breaker is not open.
	Healthy  bool
	Primary  StoreHealth
	Fallback *StoreHealth

	Breaker BreakerStatus

	HitRate         float64
	AvgResponseTime time.Duration
	ErrorCount      int64

	Uptime    time.Duration
	CheckedAt time.Time
}

// Health probes both stores and snapshots breaker and metrics state.
// The primary store's reported memory usage corrects the metrics
// gauge, which otherwise drifts on evictions the collector never sees.
func (m *manager[V]) Health(ctx context.Context) HealthStatus {
	hs := HealthStatus{
		CheckedAt: time.Now(),
		Uptime:    time.Since(m.started),
	}

	hs.Primary.Healthy = m.store.Healthy(ctx)
	if st, err := m.store.Size(ctx); err == nil {
		hs.Primary.Entries = st.Entries
		hs.Primary.MemoryUsage = st.MemoryUsage
		m.met.UpdateMemoryUsage(st.MemoryUsage)
	}

	if m.fallback != nil {
		fh := StoreHealth{Healthy: m.fallback.Healthy(ctx)}
		if st, err := m.fallback.Size(ctx); err == nil {
			fh.Entries = st.Entries
			fh.MemoryUsage = st.MemoryUsage
		}
		hs.Fallback = &fh
	}

	open := false
	if m.breaker != nil {
		state := m.breaker.State()
		counts := m.breaker.Counts()
		hs.Breaker = BreakerStatus{
			State:               state.String(),
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		}
		open = state == gobreaker.StateOpen
	} else {
		hs.Breaker.State = "disabled"
	}

	if m.met != nil {
		snap := m.met.Snapshot()
		hs.HitRate = snap.HitRate
		hs.AvgResponseTime = snap.AvgResponseTime
		hs.ErrorCount = snap.Errors
	}

	hs.Healthy = hs.Primary.Healthy && !open
	return hs
}

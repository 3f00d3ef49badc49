package prom

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/psadesk/respcache/metrics"
)

func TestObserveMirrorsPoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg, "respcache")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	o.Observe(metrics.Point{Op: metrics.OpHit, EntityType: "ticket", Duration: 5 * time.Millisecond})
	o.Observe(metrics.Point{Op: metrics.OpHit, EntityType: "ticket"})
	o.Observe(metrics.Point{Op: metrics.OpSet, EntityType: "ticket", Size: 2048})
	o.Observe(metrics.Point{Op: metrics.OpDelete, EntityType: "ticket", Size: 1024})
	o.Observe(metrics.Point{Op: metrics.OpError})

	if got := testutil.ToFloat64(o.ops.WithLabelValues("hit", "ticket")); got != 2 {
		t.Fatalf("hit counter = %v", got)
	}
	if got := testutil.ToFloat64(o.errors.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("error counter = %v", got)
	}
	if got := testutil.ToFloat64(o.memory); got != 1024 {
		t.Fatalf("memory gauge = %v", got)
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg, "respcache"); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(reg, "respcache"); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

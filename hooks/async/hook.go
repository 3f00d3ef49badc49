// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/psadesk/respcache"
//	"github.com/psadesk/respcache/hooks/async"
//	"github.com/psadesk/respcache/sloghooks"
//	"github.com/psadesk/respcache/store/memory"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    InvalidationEvery: 10, // sample logs: ~every 10th invalidation
//	    RefreshEvery:      1,  // log every background refresh
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := respcache.New[Ticket](respcache.Options[Ticket]{
//	    Store: memory.New(memory.Config{}),
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"time"

	"github.com/psadesk/respcache"
	"github.com/psadesk/respcache/invalidate"
	"github.com/psadesk/respcache/metrics"
)

type Hooks struct {
	inner respcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ respcache.Hooks = (*Hooks)(nil)

func New(inner respcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) Initialized()       { h.try(func() { h.inner.Initialized() }) }
func (h *Hooks) ShutdownCompleted() { h.try(func() { h.inner.ShutdownCompleted() }) }
func (h *Hooks) ThresholdExceeded(a metrics.Alert) {
	h.try(func() { h.inner.ThresholdExceeded(a) })
}
func (h *Hooks) Invalidation(ev invalidate.Event) {
	h.try(func() { h.inner.Invalidation(ev) })
}
func (h *Hooks) RefreshCompleted(key, entityType string, took time.Duration, err error) {
	h.try(func() { h.inner.RefreshCompleted(key, entityType, took, err) })
}
func (h *Hooks) WarmupCompleted(r respcache.WarmupResult) {
	h.try(func() { h.inner.WarmupCompleted(r) })
}

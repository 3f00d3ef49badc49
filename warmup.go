package respcache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/psadesk/respcache/keygen"
)

// WarmupItem is one entry to preload.
type WarmupItem[V any] struct {
	// Name identifies the item in logs. Empty defaults to the key.
	Name    string
	Request keygen.Request
	Fetch   Fetcher[V]
	// TTL overrides the computed TTL for this item.
	TTL  time.Duration
	Tags []string
}

// WarmupConfig describes one preload run.
type WarmupConfig[V any] struct {
	Items []WarmupItem[V]
	// Concurrency bounds parallel fetches. Default 4.
	Concurrency int
	// Timeout bounds each item's fetch. Default 30s.
	Timeout time.Duration
}

// WarmupResult summarizes a preload run.
type WarmupResult struct {
	Total     int
	Succeeded int
	Failed    int
	// Skipped counts items never attempted because the run's context
	// ended first.
	Skipped int
	Took    time.Duration
}

// Warmup preloads the cache write-through. Item failures are logged
// and counted, never returned; the returned error is non-nil only when
// ctx ended the run early.
func (m *manager[V]) Warmup(ctx context.Context, cfg WarmupConfig[V]) (WarmupResult, error) {
	if m.closed.Load() {
		return WarmupResult{}, ErrClosed
	}
	res := WarmupResult{Total: len(cfg.Items)}
	if !m.enabled || len(cfg.Items) == 0 {
		return res, nil
	}
	m.lazyInit(ctx)

	timeout := coalesce(cfg.Timeout, defaultWarmupTimeout)
	start := time.Now()

	// Plain group: one failed item must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(coalesce(cfg.Concurrency, defaultWarmupConcurrency))

	var succeeded, failed, skipped atomic.Int64
	for _, item := range cfg.Items {
		item := item
		g.Go(func() error {
			if ctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			key := m.keys.Generate(item.Request)
			name := coalesce(item.Name, key)
			if item.Fetch == nil {
				failed.Add(1)
				m.log.Warn("warmup item has no fetcher", Fields{"item": name})
				return nil
			}

			ictx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			_, err := m.exec.run(ictx, key, item.Request, item.Fetch, ExecOptions{TTL: item.TTL, Tags: item.Tags}, StrategyWriteThrough)
			if err != nil {
				failed.Add(1)
				m.log.Warn("warmup item failed", Fields{"item": name, "error": err.Error()})
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Succeeded = int(succeeded.Load())
	res.Failed = int(failed.Load())
	res.Skipped = int(skipped.Load())
	res.Took = time.Since(start)

	m.hooks.WarmupCompleted(res)
	m.log.Info("warmup completed", Fields{
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	})
	return res, ctx.Err()
}

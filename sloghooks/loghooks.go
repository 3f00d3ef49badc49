package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/psadesk/respcache"
	"github.com/psadesk/respcache/invalidate"
	"github.com/psadesk/respcache/metrics"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	InvalidationEvery uint64
	RefreshEvery      uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	invalidationCtr atomic.Uint64
	refreshCtr      atomic.Uint64
}

var _ respcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Initialized() {
	if h.l == nil {
		return
	}
	h.l.Debug("respcache.initialized")
}

func (h *Hooks) ThresholdExceeded(a metrics.Alert) {
	if h.l == nil {
		return
	}
	h.l.Warn("respcache.threshold_exceeded",
		"metric", a.Threshold.Metric,
		"limit", a.Threshold.Value,
		"value", a.Value)
}

func (h *Hooks) Invalidation(ev invalidate.Event) {
	if h.l == nil {
		return
	}
	if ev.Err != nil {
		h.l.Error("respcache.invalidation_failed",
			"pattern", string(ev.Pattern),
			"target", h.redact(ev.Target),
			"err", ev.Err)
		return
	}
	if !sample(h.opts.InvalidationEvery, &h.invalidationCtr) {
		return
	}
	h.l.Info("respcache.invalidation",
		"pattern", string(ev.Pattern),
		"target", h.redact(ev.Target),
		"entity", ev.EntityType,
		"rule", ev.Rule,
		"count", ev.Count,
		"dry_run", ev.DryRun)
}

func (h *Hooks) RefreshCompleted(key, entityType string, took time.Duration, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Warn("respcache.refresh_failed",
			"key", h.redact(key),
			"entity", entityType,
			"took", took,
			"err", err)
		return
	}
	if !sample(h.opts.RefreshEvery, &h.refreshCtr) {
		return
	}
	h.l.Debug("respcache.refresh_completed",
		"key", h.redact(key),
		"entity", entityType,
		"took", took)
}

func (h *Hooks) WarmupCompleted(r respcache.WarmupResult) {
	if h.l == nil {
		return
	}
	h.l.Info("respcache.warmup_completed",
		"total", r.Total,
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"skipped", r.Skipped,
		"took", r.Took)
}

func (h *Hooks) ShutdownCompleted() {
	if h.l == nil {
		return
	}
	h.l.Debug("respcache.shutdown_completed")
}

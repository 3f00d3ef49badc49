package respcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	value ticket
	err   error
	delay time.Duration
}

func (f *countingFetcher) fetch(ctx context.Context) (ticket, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ticket{}, ctx.Err()
		}
	}
	return f.value, f.err
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ==============================
// Lazy loading and write-through
// ==============================

func TestExecuteLazyLoadingFetchesOnceThenServesHits(t *testing.T) {
	c, st := newTicketCache(t, Options[ticket]{})
	m := c.(*manager[ticket])
	ctx := context.Background()
	req := ticketReq("/tickets/42")
	f := &countingFetcher{value: ticket{ID: 42, Title: "vpn flaky"}}

	res, err := c.Execute(ctx, req, f.fetch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Hit || !res.Cached || res.Value.ID != 42 {
		t.Fatalf("first Execute = %+v, want fetched and cached", res)
	}
	if res.Key != m.keys.Generate(req) {
		t.Fatalf("result key = %q", res.Key)
	}
	if res.Strategy != StrategyLazyLoading {
		t.Fatalf("strategy = %q, want lazy-loading", res.Strategy)
	}

	res, err = c.Execute(ctx, req, f.fetch)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !res.Hit || res.Cached {
		t.Fatalf("second Execute = %+v, want a hit", res)
	}
	if f.count() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.count())
	}
	if st.setCount() != 1 {
		t.Fatalf("store sets = %d, want 1", st.setCount())
	}
}

func TestExecuteWriteThroughAlwaysFetches(t *testing.T) {
	c, st := newTicketCache(t, Options[ticket]{})
	ctx := context.Background()
	req := ticketReq("/tickets/8")
	f := &countingFetcher{value: ticket{ID: 8, Title: "w"}}

	for i := 0; i < 2; i++ {
		res, err := c.Execute(ctx, req, f.fetch, ExecOptions{Strategy: StrategyWriteThrough})
		if err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		if res.Hit || !res.Cached {
			t.Fatalf("Execute %d = %+v, want fetched and cached", i, res)
		}
	}
	if f.count() != 2 {
		t.Fatalf("fetch calls = %d, want 2", f.count())
	}
	if st.setCount() != 2 {
		t.Fatalf("store sets = %d, want 2", st.setCount())
	}
}

func TestExecuteNoneStrategyBypassesStore(t *testing.T) {
	c, st := newTicketCache(t, Options[ticket]{
		Entities: map[string]EntityConfig{"ticket": {Strategy: StrategyNone}},
	})
	ctx := context.Background()
	f := &countingFetcher{value: ticket{ID: 1, Title: "n"}}

	for i := 0; i < 2; i++ {
		if _, err := c.Execute(ctx, ticketReq("/tickets/1"), f.fetch); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if f.count() != 2 {
		t.Fatalf("fetch calls = %d, want 2", f.count())
	}
	if st.getCount() != 0 || st.setCount() != 0 {
		t.Fatalf("none strategy touched the store: gets=%d sets=%d", st.getCount(), st.setCount())
	}
}

func TestExecuteForceRefreshBypassesCache(t *testing.T) {
	c, _ := newTicketCache(t, Options[ticket]{})
	ctx := context.Background()
	req := ticketReq("/tickets/3")
	f := &countingFetcher{value: ticket{ID: 3, Title: "f"}}

	if _, err := c.Execute(ctx, req, f.fetch); err != nil {
		t.Fatalf("prime: %v", err)
	}
	res, err := c.Execute(ctx, req, f.fetch, ExecOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("force refresh: %v", err)
	}
	if res.Hit {
		t.Fatal("force refresh served from cache")
	}
	if f.count() != 2 {
		t.Fatalf("fetch calls = %d, want 2", f.count())
	}

	res, err = c.Execute(ctx, req, f.fetch)
	if err != nil {
		t.Fatalf("Execute after refresh: %v", err)
	}
	if !res.Hit || f.count() != 2 {
		t.Fatalf("refresh did not repopulate: hit=%v calls=%d", res.Hit, f.count())
	}
}

func TestExecuteFetchErrorPropagates(t *testing.T) {
	c, st := newTicketCache(t, Options[ticket]{})
	boom := errors.New("upstream 502")
	f := &countingFetcher{err: boom}

	_, err := c.Execute(context.Background(), ticketReq("/tickets/1"), f.fetch)
	if !errors.Is(err, boom) {
		t.Fatalf("Execute = %v, want fetch error", err)
	}
	if st.setCount() != 0 {
		t.Fatal("failed fetch was cached")
	}
}

func TestExecuteDegradesWhenStoreWriteFails(t *testing.T) {
	st := newStubStore()
	st.setErr = errors.New("disk full")
	c, _ := newTicketCache(t, Options[ticket]{Store: st})
	f := &countingFetcher{value: ticket{ID: 6, Title: "d"}}

	res, err := c.Execute(context.Background(), ticketReq("/tickets/6"), f.fetch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Degraded || res.Cached {
		t.Fatalf("Execute = %+v, want degraded and uncached", res)
	}
	if res.Value.ID != 6 {
		t.Fatalf("degraded Execute lost the value: %+v", res.Value)
	}
}

// ==============================
// Stampede protection
// ==============================

func TestExecuteCollapsesConcurrentFetches(t *testing.T) {
	c, _ := newTicketCache(t, Options[ticket]{})
	req := ticketReq("/tickets/99")
	f := &countingFetcher{value: ticket{ID: 99, Title: "hot key"}, delay: 50 * time.Millisecond}

	const callers = 20
	start := make(chan struct{})
	results := make(chan Result[ticket], callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := c.Execute(context.Background(), req, f.fetch)
			results <- res
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	shared := 0
	for res := range results {
		if res.Value.ID != 99 {
			t.Fatalf("caller got %+v", res.Value)
		}
		if res.Shared {
			shared++
		}
	}
	if f.count() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.count())
	}
	if shared == 0 {
		t.Fatal("no caller reported a shared result")
	}
}

func TestExecuteStampedeTimeout(t *testing.T) {
	c, _ := newTicketCache(t, Options[ticket]{StampedeTimeout: 30 * time.Millisecond})
	gate := make(chan struct{})
	defer close(gate)

	stuck := func(ctx context.Context) (ticket, error) {
		<-gate
		return ticket{ID: 1}, nil
	}
	_, err := c.Execute(context.Background(), ticketReq("/tickets/1"), stuck)
	if !errors.Is(err, ErrStampedeTimeout) {
		t.Fatalf("Execute = %v, want ErrStampedeTimeout", err)
	}
}

func TestGetStampedeTimeout(t *testing.T) {
	st := newStubStore()
	gate := make(chan struct{})
	defer close(gate)
	st.blockGet = gate

	c, _ := newTicketCache(t, Options[ticket]{Store: st, StampedeTimeout: 30 * time.Millisecond})
	_, _, err := c.Get(context.Background(), ticketReq("/tickets/1"))
	if !errors.Is(err, ErrStampedeTimeout) {
		t.Fatalf("Get = %v, want ErrStampedeTimeout", err)
	}
}

// ==============================
// Write-behind
// ==============================

func TestWriteBehindFlushesQueuedWrites(t *testing.T) {
	c, st := newTicketCache(t, Options[ticket]{
		FlushInterval: 20 * time.Millisecond,
		Entities:      map[string]EntityConfig{"ticket": {Strategy: StrategyWriteBehind}},
	})
	ctx := context.Background()
	req := ticketReq("/tickets/11")
	f := &countingFetcher{value: ticket{ID: 11, Title: "wb"}}

	res, err := c.Execute(ctx, req, f.fetch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Cached || res.Hit {
		t.Fatalf("Execute = %+v, want queued write", res)
	}
	if st.setCount() != 0 {
		t.Fatal("write-behind wrote synchronously")
	}

	waitFor(t, 2*time.Second, "flush", func() bool { return st.setCount() == 1 })

	res, err = c.Execute(ctx, req, f.fetch)
	if err != nil {
		t.Fatalf("Execute after flush: %v", err)
	}
	if !res.Hit {
		t.Fatal("flushed write not served as a hit")
	}
	if f.count() != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.count())
	}
}

func TestWriteBehindFallsBackToSyncWriteAtCapacity(t *testing.T) {
	c, st := newTicketCache(t, Options[ticket]{
		FlushInterval:    time.Hour,
		MaxPendingWrites: 1,
		Entities:         map[string]EntityConfig{"ticket": {Strategy: StrategyWriteBehind}},
	})
	ctx := context.Background()

	if _, err := c.Execute(ctx, ticketReq("/tickets/1"), (&countingFetcher{value: ticket{ID: 1, Title: "a"}}).fetch); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if st.setCount() != 0 {
		t.Fatal("first write bypassed the queue")
	}

	if _, err := c.Execute(ctx, ticketReq("/tickets/2"), (&countingFetcher{value: ticket{ID: 2, Title: "b"}}).fetch); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if st.setCount() != 1 {
		t.Fatalf("store sets = %d, want 1 sync write at capacity", st.setCount())
	}
}

func TestWriteBehindShutdownDrainsQueue(t *testing.T) {
	st := newStubStore()
	c, err := New(Options[ticket]{
		Store:         st,
		FlushInterval: time.Hour,
		Entities:      map[string]EntityConfig{"ticket": {Strategy: StrategyWriteBehind}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := c.Execute(ctx, ticketReq("/tickets/5"), (&countingFetcher{value: ticket{ID: 5, Title: "drain"}}).fetch); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if st.setCount() != 0 {
		t.Fatal("write landed before shutdown")
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st.setCount() != 1 {
		t.Fatalf("store sets after drain = %d, want 1", st.setCount())
	}
}

// ==============================
// Refresh-ahead
// ==============================

func TestRefreshAheadSpawnsBackgroundRefresh(t *testing.T) {
	hooks := &testHooks{refreshed: make(chan string, 4)}
	c, _ := newTicketCache(t, Options[ticket]{
		Hooks:            hooks,
		RefreshThreshold: 0.1,
		Entities: map[string]EntityConfig{
			"ticket": {TTL: 500 * time.Millisecond, Strategy: StrategyRefreshAhead},
		},
	})
	ctx := context.Background()
	req := ticketReq("/tickets/77")
	f := &countingFetcher{value: ticket{ID: 77, Title: "aging"}}

	if _, err := c.Execute(ctx, req, f.fetch); err != nil {
		t.Fatalf("prime: %v", err)
	}
	time.Sleep(100 * time.Millisecond) // age past 10% of the TTL

	res, err := c.Execute(ctx, req, f.fetch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Hit || !res.Refreshed {
		t.Fatalf("Execute = %+v, want hit with refresh spawned", res)
	}

	select {
	case key := <-hooks.refreshed:
		if key == "" {
			t.Fatal("refresh hook fired with empty key")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh hook never fired")
	}
	if f.count() != 2 {
		t.Fatalf("fetch calls = %d, want 2 after refresh", f.count())
	}

	// The refreshed entry is young again.
	res, err = c.Execute(ctx, req, f.fetch)
	if err != nil {
		t.Fatalf("Execute after refresh: %v", err)
	}
	if !res.Hit || res.Refreshed {
		t.Fatalf("Execute after refresh = %+v, want plain hit", res)
	}
}

func TestRefreshAheadRespectsConcurrencyCap(t *testing.T) {
	c, _ := newTicketCache(t, Options[ticket]{
		RefreshThreshold:     0.1,
		MaxConcurrentRefresh: 1,
		Entities: map[string]EntityConfig{
			"ticket": {TTL: 500 * time.Millisecond, Strategy: StrategyRefreshAhead},
		},
	})
	ctx := context.Background()
	reqA, reqB := ticketReq("/tickets/1"), ticketReq("/tickets/2")

	if _, err := c.Execute(ctx, reqA, (&countingFetcher{value: ticket{ID: 1, Title: "a"}}).fetch); err != nil {
		t.Fatalf("prime A: %v", err)
	}
	if _, err := c.Execute(ctx, reqB, (&countingFetcher{value: ticket{ID: 2, Title: "b"}}).fetch); err != nil {
		t.Fatalf("prime B: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	gate := make(chan struct{})
	defer close(gate)
	parked := func(ctx context.Context) (ticket, error) {
		select {
		case <-gate:
			return ticket{ID: 1, Title: "a2"}, nil
		case <-ctx.Done():
			return ticket{}, ctx.Err()
		}
	}

	res, err := c.Execute(ctx, reqA, parked)
	if err != nil {
		t.Fatalf("Execute A: %v", err)
	}
	if !res.Refreshed {
		t.Fatal("first stale key did not spawn a refresh")
	}

	res, err = c.Execute(ctx, reqB, (&countingFetcher{value: ticket{ID: 2, Title: "b2"}}).fetch)
	if err != nil {
		t.Fatalf("Execute B: %v", err)
	}
	if !res.Hit {
		t.Fatal("second stale key missed")
	}
	if res.Refreshed {
		t.Fatal("refresh cap was not enforced")
	}
}

// ==============================
// Warmup
// ==============================

func TestWarmupPopulatesCache(t *testing.T) {
	hooks := &testHooks{warmed: make(chan WarmupResult, 1)}
	c, st := newTicketCache(t, Options[ticket]{Hooks: hooks})
	ctx := context.Background()

	items := []WarmupItem[ticket]{
		{Request: ticketReq("/tickets/1"), Fetch: (&countingFetcher{value: ticket{ID: 1, Title: "a"}}).fetch},
		{Request: ticketReq("/tickets/2"), Fetch: (&countingFetcher{value: ticket{ID: 2, Title: "b"}}).fetch},
		{Name: "broken", Request: ticketReq("/tickets/3"), Fetch: (&countingFetcher{err: errors.New("out to lunch")}).fetch},
	}
	res, err := c.Warmup(ctx, WarmupConfig[ticket]{Items: items, Concurrency: 2})
	if err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if res.Total != 3 || res.Succeeded != 2 || res.Failed != 1 || res.Skipped != 0 {
		t.Fatalf("warmup result = %+v", res)
	}
	if st.entryCount() != 2 {
		t.Fatalf("store entries = %d, want 2", st.entryCount())
	}

	select {
	case hr := <-hooks.warmed:
		if hr.Succeeded != 2 {
			t.Fatalf("hook result = %+v", hr)
		}
	default:
		t.Fatal("warmup hook never fired")
	}
}

func TestWarmupHonorsConcurrencyLimit(t *testing.T) {
	c, _ := newTicketCache(t, Options[ticket]{})
	ctx := context.Background()

	var mu sync.Mutex
	inFlight, peak := 0, 0
	gated := func(id int) Fetcher[ticket] {
		return func(context.Context) (ticket, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return ticket{ID: id}, nil
		}
	}

	items := make([]WarmupItem[ticket], 4)
	for i := range items {
		items[i] = WarmupItem[ticket]{Request: ticketReq("/tickets/" + string(rune('1'+i))), Fetch: gated(i + 1)}
	}
	res, err := c.Warmup(ctx, WarmupConfig[ticket]{Items: items, Concurrency: 1})
	if err != nil || res.Succeeded != 4 {
		t.Fatalf("Warmup = %+v, %v", res, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("peak in-flight fetches = %d, want 1", peak)
	}
}

func TestWarmupCanceledContextSkipsItems(t *testing.T) {
	c, st := newTicketCache(t, Options[ticket]{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []WarmupItem[ticket]{
		{Request: ticketReq("/tickets/1"), Fetch: (&countingFetcher{value: ticket{ID: 1}}).fetch},
		{Request: ticketReq("/tickets/2"), Fetch: (&countingFetcher{value: ticket{ID: 2}}).fetch},
	}
	res, err := c.Warmup(ctx, WarmupConfig[ticket]{Items: items})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Warmup = %v, want context.Canceled", err)
	}
	if res.Skipped != 2 || res.Succeeded != 0 {
		t.Fatalf("warmup result = %+v", res)
	}
	if st.entryCount() != 0 {
		t.Fatal("canceled warmup still wrote entries")
	}
}

package requery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var keyComparer = cmp.Comparer(func(a, b Key) bool { return a.Equal(b) })

func TestFetchLoadsOnceWhileFresh(t *testing.T) {
	var calls atomic.Int64
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			calls.Add(1)
			return "v1", nil
		}),
		Defaults: Profile{StaleAfter: time.Minute},
	})
	ctx := context.Background()
	key := NewKey("users", "42")

	got, err := cache.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != "v1" {
		t.Fatalf("unexpected value: %v", got)
	}
	got, err = cache.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got != "v1" {
		t.Fatalf("unexpected cached value: %v", got)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one remote load, got %d", n)
	}

	snap := cache.Read(key)
	if !snap.HasValue || snap.Status != StatusFresh {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFetchServesStaleThenRevalidates(t *testing.T) {
	var calls atomic.Int64
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			return fmt.Sprintf("v%d", calls.Add(1)), nil
		}),
		// StaleAfter zero: every value is servable but immediately due for
		// revalidation.
		Defaults: Profile{},
	})
	ctx := context.Background()
	key := NewKey("feed")

	got, err := cache.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	if got != "v1" {
		t.Fatalf("unexpected initial value: %v", got)
	}

	// the stale read returns the old value instantly and refreshes behind it
	got, err = cache.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("stale fetch: %v", err)
	}
	if got != "v1" {
		t.Fatalf("expected stale value v1, got %v", got)
	}
	waitFor(t, time.Second, "background revalidation", func() bool {
		return cache.Read(key).Value == "v2"
	})
}

func TestReadPeeksWithoutFetching(t *testing.T) {
	var calls atomic.Int64
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			calls.Add(1)
			return nil, nil
		}),
	})

	snap := cache.Read(NewKey("never", "loaded"))
	if snap.Status != StatusEmpty || snap.HasValue {
		t.Fatalf("unexpected snapshot for unknown key: %+v", snap)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("read must not fetch, saw %d calls", n)
	}
}

func TestFetchDeduplicatesConcurrentLoads(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int64
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			calls.Add(1)
			<-gate
			return "shared", nil
		}),
		Defaults: Profile{StaleAfter: time.Minute},
	})
	ctx := context.Background()
	key := NewKey("users", "42")

	const waiters = 25
	values := make([]any, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = cache.Fetch(ctx, key)
		}(i)
	}
	waitFor(t, time.Second, "flight to start", func() bool {
		return calls.Load() == 1
	})
	close(gate)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d: %v", i, errs[i])
		}
		if values[i] != "shared" {
			t.Fatalf("waiter %d got %v", i, values[i])
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single deduplicated load, got %d", n)
	}
}

func TestSeedWinsOverInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			<-gate
			return "from-network", nil
		}),
		Defaults: Profile{StaleAfter: time.Minute},
	})
	ctx := context.Background()
	key := NewKey("users", "42")

	done := make(chan struct{})
	var got any
	var err error
	go func() {
		defer close(done)
		got, err = cache.Fetch(ctx, key)
	}()
	waitFor(t, time.Second, "flight to start", func() bool {
		return cache.Read(key).Status == StatusFetching
	})

	cache.Seed(key, "seeded")
	close(gate)
	<-done

	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != "seeded" {
		t.Fatalf("expected seeded value to win, got %v", got)
	}
	waitFor(t, time.Second, "network result to be discarded", func() bool {
		snap := cache.Read(key)
		return snap.Value == "seeded" && snap.Status == StatusFresh && !snap.IsFetching
	})
}

func TestFetchHonorsCallerContext(t *testing.T) {
	gate := make(chan struct{})
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			<-gate
			return "late", nil
		}),
		Defaults: Profile{StaleAfter: time.Minute},
	})
	t.Cleanup(func() { close(gate) })
	key := NewKey("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Fetch(ctx, key)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	// the flight itself keeps running for the next caller
	if snap := cache.Read(key); !snap.IsFetching {
		t.Fatalf("expected flight to survive caller cancellation: %+v", snap)
	}
}

func TestFetchRejectsEmptyKey(t *testing.T) {
	cache := newTestCache(t, Config{})
	if _, err := cache.Fetch(context.Background(), Key{}); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestCloseIsIdempotentAndRejectsWork(t *testing.T) {
	cache := newTestCache(t, Config{})
	ctx := context.Background()

	if err := cache.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cache.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := cache.Fetch(ctx, NewKey("a")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from fetch, got %v", err)
	}
	if _, err := cache.Subscribe(NewKey("a"), func(Snapshot) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from subscribe, got %v", err)
	}
	if _, err := cache.Mutate(ctx, func(context.Context) (any, error) { return nil, nil }, MutationOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from mutate, got %v", err)
	}
	if n := cache.Invalidate(Key{}); n != 0 {
		t.Fatalf("expected invalidate on closed cache to touch nothing, got %d", n)
	}
}

func TestStatsCounts(t *testing.T) {
	cache := newTestCache(t, Config{
		Defaults: Profile{StaleAfter: time.Minute},
	})
	cache.Seed(NewKey("a"), 1)
	cache.Seed(NewKey("b"), 2)
	sub, err := cache.Subscribe(NewKey("a"), func(Snapshot) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	st := cache.Stats()
	if st.Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", st.Entries)
	}
	if st.Observers != 1 {
		t.Fatalf("expected 1 observer, got %d", st.Observers)
	}
	if st.ByStatus["fresh"] != 2 {
		t.Fatalf("unexpected status counts: %v", st.ByStatus)
	}

	cache.Unsubscribe(sub)
	if st := cache.Stats(); st.Observers != 0 {
		t.Fatalf("expected observers to drop, got %d", st.Observers)
	}
}

func TestProfileLongestPrefixWins(t *testing.T) {
	var calls atomic.Int64
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			return calls.Add(1), nil
		}),
		Defaults: Profile{StaleAfter: time.Minute},
		Profiles: []ProfileRule{
			// everything under live/ is always stale
			{Prefix: NewKey("live"), Profile: Profile{}},
		},
	})
	ctx := context.Background()

	if _, err := cache.Fetch(ctx, NewKey("static", "1")); err != nil {
		t.Fatalf("fetch static: %v", err)
	}
	if _, err := cache.Fetch(ctx, NewKey("static", "1")); err != nil {
		t.Fatalf("refetch static: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("default profile should keep static fresh, got %d calls", n)
	}

	if _, err := cache.Fetch(ctx, NewKey("live", "ticker")); err != nil {
		t.Fatalf("fetch live: %v", err)
	}
	if _, err := cache.Fetch(ctx, NewKey("live", "ticker")); err != nil {
		t.Fatalf("refetch live: %v", err)
	}
	waitFor(t, time.Second, "live profile to revalidate", func() bool {
		return calls.Load() >= 3
	})
}

func TestReloadProfilesTakesEffect(t *testing.T) {
	var calls atomic.Int64
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			return calls.Add(1), nil
		}),
		Defaults: Profile{StaleAfter: time.Minute},
	})
	ctx := context.Background()
	key := NewKey("users", "1")

	if _, err := cache.Fetch(ctx, key); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := cache.Fetch(ctx, key); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected fresh value to be reused, got %d calls", n)
	}

	// make users/ always stale and confirm the next read revalidates
	err := cache.ReloadProfiles(Profile{StaleAfter: time.Minute}, []ProfileRule{
		{Prefix: NewKey("users")},
	})
	if err != nil {
		t.Fatalf("reload profiles: %v", err)
	}
	if _, err := cache.Fetch(ctx, key); err != nil {
		t.Fatalf("fetch after reload: %v", err)
	}
	waitFor(t, time.Second, "revalidation under the new profile", func() bool {
		return calls.Load() >= 2
	})

	err = cache.ReloadProfiles(Profile{}, []ProfileRule{{Prefix: Key{}}})
	if err == nil {
		t.Fatalf("expected empty prefix rule to be rejected")
	}
}

func TestExportRehydrateRoundTrip(t *testing.T) {
	cache := newTestCache(t, Config{
		Defaults: Profile{StaleAfter: time.Minute},
	})
	cache.Seed(NewKey("users", "1"), "alice")
	cache.Seed(NewKey("users", "2"), "bob")
	cache.Seed(NewKey("posts", "9"), "draft")

	exported := cache.Export()
	if len(exported) != 3 {
		t.Fatalf("expected 3 exported entries, got %d", len(exported))
	}
	wantOrder := []Key{NewKey("posts", "9"), NewKey("users", "1"), NewKey("users", "2")}
	for i, want := range wantOrder {
		if !exported[i].Key.Equal(want) {
			t.Fatalf("unexpected export order at %d: %s", i, exported[i].Key)
		}
	}

	restored := newTestCache(t, Config{
		Defaults: Profile{StaleAfter: time.Minute},
	})
	restored.Seed(NewKey("users", "1"), "live-alice")
	n := restored.Rehydrate(exported)
	if n != 2 {
		t.Fatalf("expected 2 entries restored, got %d", n)
	}
	// live data wins over persisted state
	if got := restored.Read(NewKey("users", "1")).Value; got != "live-alice" {
		t.Fatalf("rehydrate overwrote live entry: %v", got)
	}
	if got := restored.Read(NewKey("users", "2")).Value; got != "bob" {
		t.Fatalf("unexpected restored value: %v", got)
	}
	if snap := restored.Read(NewKey("posts", "9")); snap.Status != StatusFresh {
		t.Fatalf("expected restored entry to be fresh within its window: %+v", snap)
	}

	wantKeys := []Key{NewKey("posts", "9"), NewKey("users", "1"), NewKey("users", "2")}
	gotKeys := make([]Key, 0, len(wantKeys))
	for _, st := range restored.Export() {
		gotKeys = append(gotKeys, st.Key)
	}
	if diff := cmp.Diff(wantKeys, gotKeys, keyComparer); diff != "" {
		t.Fatalf("unexpected keys after rehydrate (-want +got):\n%s", diff)
	}
}

func TestRehydrateMarksOldDataStale(t *testing.T) {
	cache := newTestCache(t, Config{
		Defaults: Profile{StaleAfter: time.Minute},
	})
	aged := []EntryState{{
		Key:       NewKey("users", "7"),
		Value:     "ancient",
		UpdatedAt: time.Now().Add(-time.Hour),
	}}
	if n := cache.Rehydrate(aged); n != 1 {
		t.Fatalf("expected 1 restored entry, got %d", n)
	}
	snap := cache.Read(NewKey("users", "7"))
	if snap.Status != StatusStale || snap.Value != "ancient" {
		t.Fatalf("expected stale restored entry, got %+v", snap)
	}
}

// TestTodoListLifecycle walks a subscribed list through load, optimistic
// append, commit reconciliation and a past-staleness read.
func TestTodoListLifecycle(t *testing.T) {
	var (
		mu      sync.Mutex
		remote  = []string{"buy milk", "walk dog"}
		fetches atomic.Int64
	)
	cache := newTestCache(t, Config{
		Fetcher: FetcherFunc(func(_ context.Context, _ Key) (any, error) {
			fetches.Add(1)
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), remote...), nil
		}),
		Defaults: Profile{StaleAfter: time.Minute},
		Profiles: []ProfileRule{
			{Prefix: NewKey("todo-list"), Profile: Profile{StaleAfter: 150 * time.Millisecond}},
		},
	})
	ctx := context.Background()
	key := NewKey("todo-list")
	patched := []string{"buy milk", "walk dog", "water plants"}

	log := &snapshotLog{}
	sub, err := cache.Subscribe(key, log.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cache.Unsubscribe(sub)

	waitFor(t, time.Second, "initial load", func() bool { return log.len() >= 1 })
	if diff := cmp.Diff([]string{"buy milk", "walk dog"}, log.at(0).Value); diff != "" {
		t.Fatalf("unexpected initial list (-want +got):\n%s", diff)
	}

	_, err = cache.Mutate(ctx, func(context.Context) (any, error) {
		// the patch is already visible while the remote write is pending
		if diff := cmp.Diff(patched, cache.Read(key).Value); diff != "" {
			t.Fatalf("optimistic list not served during mutation (-want +got):\n%s", diff)
		}
		mu.Lock()
		remote = append(remote, "water plants")
		mu.Unlock()
		return nil, nil
	}, MutationOptions{
		Optimistic: []OptimisticPatch{{
			Key: key,
			Apply: func(current any, ok bool) any {
				list, _ := current.([]string)
				return append(append([]string(nil), list...), "water plants")
			},
		}},
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	waitFor(t, time.Second, "optimistic notification", func() bool { return log.len() >= 2 })
	if diff := cmp.Diff(patched, log.at(1).Value); diff != "" {
		t.Fatalf("unexpected patched list (-want +got):\n%s", diff)
	}

	// the commit refetch confirms the patch, so the entry settles fresh
	waitFor(t, time.Second, "reconciliation", func() bool {
		snap := cache.Read(key)
		return snap.Status == StatusFresh && !snap.IsFetching
	})
	if diff := cmp.Diff(patched, cache.Read(key).Value); diff != "" {
		t.Fatalf("unexpected reconciled list (-want +got):\n%s", diff)
	}

	waitFor(t, time.Second, "staleness", func() bool {
		return cache.Read(key).Status == StatusStale
	})
	before := fetches.Load()
	got, err := cache.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("stale fetch: %v", err)
	}
	if diff := cmp.Diff(patched, got); diff != "" {
		t.Fatalf("stale read changed the served list (-want +got):\n%s", diff)
	}
	waitFor(t, time.Second, "background revalidation", func() bool {
		return fetches.Load() > before
	})

	// reconciliation and revalidation returned equal lists, so neither notified
	if n := log.len(); n != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", n, log.values())
	}
}

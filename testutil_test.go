package requery

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Fetcher == nil {
		cfg.Fetcher = FetcherFunc(func(_ context.Context, key Key) (any, error) {
			return "value:" + key.String(), nil
		})
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Millisecond
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Fatalf("close cache: %v", err)
		}
	})
	return c
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// snapshotLog collects subscriber callbacks for later assertions.
type snapshotLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *snapshotLog) record(snap Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, snap)
	l.mu.Unlock()
}

func (l *snapshotLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snaps)
}

func (l *snapshotLog) values() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.snaps))
	for i, s := range l.snaps {
		out[i] = s.Value
	}
	return out
}

func (l *snapshotLog) at(i int) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snaps[i]
}

package requery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/l0p7/requery/metrics"
)

// Read returns the current snapshot for key without touching the network or
// the entry's lifecycle. Unknown keys report StatusEmpty.
func (c *Cache) Read(key Key) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[key.String()]; ok {
		return e.snapshot()
	}
	return Snapshot{Key: key, Status: StatusEmpty}
}

// Fetch returns the value for key, loading it when absent. A cached value
// inside its staleness window is returned as is. A stale value is returned
// immediately and revalidated in the background. Only a key with no value at
// all makes the caller wait for the network; ctx bounds that wait without
// cancelling the underlying flight.
func (c *Cache) Fetch(ctx context.Context, key Key) (any, error) {
	if key.IsZero() {
		return nil, errEmptyKey
	}
	id := key.String()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.entries[id]; ok && e.hasValue {
			prof := c.profileForLocked(key)
			if e.mutating || e.freshAt(time.Now(), prof) {
				value := e.value
				c.mu.Unlock()
				c.metrics.ObserveRead(metrics.ReadFresh)
				return value, nil
			}
			if e.status == StatusFresh {
				e.status = StatusStale
			}
			value := e.value
			revalidate := !e.flightActive
			c.mu.Unlock()
			if revalidate {
				c.ensureFetch(key, reasonRevalidate)
			}
			c.metrics.ObserveRead(metrics.ReadStale)
			return value, nil
		}
		c.mu.Unlock()

		ch := c.ensureFetch(key, reasonInitial)
		if ch == nil {
			return nil, ErrClosed
		}
		select {
		case res := <-ch:
			out, _ := res.Val.(flightResult)
			if out.superseded {
				// newer state landed while we waited; re-evaluate it
				continue
			}
			if out.err != nil {
				c.metrics.ObserveRead(metrics.ReadError)
				return nil, out.err
			}
			c.metrics.ObserveRead(metrics.ReadFetched)
			return out.value, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Prefetch warms key in the background and returns immediately. Keys already
// fresh are left alone.
func (c *Cache) Prefetch(key Key) {
	if key.IsZero() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if e, ok := c.entries[key.String()]; ok && e.hasValue {
		prof := c.profileForLocked(key)
		if e.mutating || e.freshAt(time.Now(), prof) {
			c.mu.Unlock()
			return
		}
		if e.status == StatusFresh {
			e.status = StatusStale
		}
		revalidate := !e.flightActive
		c.mu.Unlock()
		if revalidate {
			c.ensureFetch(key, reasonPrefetch)
		}
		return
	}
	c.mu.Unlock()
	c.ensureFetch(key, reasonPrefetch)
}

// Seed stores value for key as if a fetch had just confirmed it. Results of
// in-flight fetches for the key are discarded so they cannot clobber the
// seeded value. Seeding a key frozen by a pending mutation is a no-op.
func (c *Cache) Seed(key Key, value any) {
	if key.IsZero() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	e := c.ensureEntryLocked(key)
	if e.mutating {
		c.mu.Unlock()
		return
	}
	changed := !e.hasValue || e.errInfo != nil || !c.valueEqual(e.value, value)
	now := time.Now()
	e.value = value
	e.hasValue = true
	e.status = StatusFresh
	e.errInfo = nil
	e.updatedAt = now
	e.touchedAt = now
	e.generation = c.nextGenLocked()
	var note *notification
	if changed {
		note = c.noteLocked(e)
	}
	c.mu.Unlock()
	c.deliver(note)
}

// Export captures every settled entry that holds a value, sorted by key.
// Entries frozen by a pending mutation are skipped so provisional data never
// leaves the process.
func (c *Cache) Export() []EntryState {
	c.mu.RLock()
	out := make([]EntryState, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.hasValue || e.mutating {
			continue
		}
		out = append(out, EntryState{Key: e.key, Value: e.value, UpdatedAt: e.updatedAt})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Rehydrate seeds entries from a previous Export without overwriting live
// data: keys that already hold a value are skipped. Restored entries keep
// their recorded UpdatedAt, so freshness is judged against real age. It
// returns the number of entries restored.
func (c *Cache) Rehydrate(states []EntryState) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	restored := 0
	now := time.Now()
	var notes []*notification
	for _, st := range states {
		if st.Key.IsZero() {
			continue
		}
		if e, ok := c.entries[st.Key.String()]; ok && (e.hasValue || e.mutating) {
			continue
		}
		e := c.ensureEntryLocked(st.Key)
		e.value = st.Value
		e.hasValue = true
		e.errInfo = nil
		e.updatedAt = st.UpdatedAt
		e.touchedAt = now
		e.generation = c.nextGenLocked()
		if prof := c.profileForLocked(st.Key); now.Sub(st.UpdatedAt) < prof.StaleAfter {
			e.status = StatusFresh
		} else {
			e.status = StatusStale
		}
		notes = append(notes, c.noteLocked(e))
		restored++
	}
	c.mu.Unlock()
	c.deliver(notes...)
	if restored > 0 {
		c.logger.Debug("entries rehydrated", slog.Int("count", restored))
	}
	return restored
}

func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts unobserved entries past their idle grace and schedules
// interval refreshes for observed ones.
func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	evicted := 0
	var refetch []Key
	for id, e := range c.entries {
		prof := c.profileForLocked(e.key)
		if e.observers == 0 {
			if e.flightActive || e.mutating {
				continue
			}
			idle := e.touchedAt
			if e.idleSince.After(idle) {
				idle = e.idleSince
			}
			if now.Sub(idle) > prof.GCTimeout {
				delete(c.entries, id)
				evicted++
			}
			continue
		}
		if e.mutating || e.flightActive || !e.hasValue {
			continue
		}
		if prof.RefetchInterval > 0 && now.Sub(e.updatedAt) >= prof.RefetchInterval {
			if e.status == StatusFresh {
				e.status = StatusStale
			}
			refetch = append(refetch, e.key)
		}
	}
	if evicted > 0 {
		c.metrics.SetEntries(len(c.entries))
	}
	c.mu.Unlock()
	for _, key := range refetch {
		c.ensureFetch(key, reasonInterval)
	}
	if evicted > 0 {
		c.metrics.ObserveEvictions(evicted)
		c.logger.Debug("entries evicted", slog.Int("count", evicted))
	}
}

package requery

import (
	"log/slog"

	"github.com/l0p7/requery/metrics"
)

// Invalidate marks every entry under prefix as due for revalidation and
// immediately refetches the observed ones. Entries whose flight is already
// running are flagged to run again when it settles, so the answer observers
// end up with postdates the invalidation. The zero prefix covers the whole
// store. It returns the number of entries touched.
//
// Invalidated values stay servable: readers keep getting the old value until
// the refetch lands.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	count := 0
	var fetches []Key
	for _, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		count++
		e.generation = c.nextGenLocked()
		if e.hasValue {
			if e.status == StatusFresh {
				e.status = StatusStale
			}
		} else if !e.flightActive {
			e.status = StatusEmpty
		}
		if e.observers == 0 || e.mutating {
			continue
		}
		if e.flightActive {
			e.rerun = true
			e.rerunReason = reasonInvalidate
		} else {
			fetches = append(fetches, e.key)
		}
	}
	c.mu.Unlock()
	for _, key := range fetches {
		c.ensureFetch(key, reasonInvalidate)
	}
	if count > 0 {
		c.metrics.ObserveInvalidation(metrics.InvalidateMark, count)
		c.logger.Debug("entries invalidated",
			slog.String("prefix", prefix.String()),
			slog.Int("count", count))
	}
	return count
}

// Remove drops every entry under prefix. Observed keys collapse to an empty
// slot so live subscriptions stay valid; their observers get one notification
// with the empty snapshot and no automatic refetch follows. Unobserved keys
// are deleted outright. In-flight results and pending mutation rollbacks for
// removed keys are discarded. It returns the number of entries dropped.
func (c *Cache) Remove(prefix Key) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	count := 0
	var notes []*notification
	for id, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		count++
		if e.observers > 0 {
			replacement := &entry{
				key:        e.key,
				status:     StatusEmpty,
				generation: c.nextGenLocked(),
				observers:  e.observers,
				touchedAt:  e.touchedAt,
			}
			c.entries[id] = replacement
			notes = append(notes, c.noteLocked(replacement))
		} else {
			delete(c.entries, id)
		}
	}
	if count > 0 {
		c.metrics.SetEntries(len(c.entries))
	}
	c.mu.Unlock()
	c.deliver(notes...)
	if count > 0 {
		c.metrics.ObserveInvalidation(metrics.InvalidateDrop, count)
		c.logger.Debug("entries removed",
			slog.String("prefix", prefix.String()),
			slog.Int("count", count))
	}
	return count
}

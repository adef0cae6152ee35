package requery

import (
	"errors"
	"log/slog"
	"time"

	"github.com/l0p7/requery/internal/slab"
)

// subscriber is one registered observer. Records live in the subscription
// slab; per-key handle lists index into it.
type subscriber struct {
	key Key
	fn  func(Snapshot)
}

// Subscription identifies one observer registration. Pass it back to
// Unsubscribe; the zero Subscription unsubscribes nothing.
type Subscription struct {
	handle slab.Handle
	key    Key
}

// Key returns the Key the subscription observes.
func (s Subscription) Key() Key { return s.key }

// notification pairs a snapshot with the callbacks it goes to. Built under
// the cache mutex, delivered outside it.
type notification struct {
	fns  []func(Snapshot)
	snap Snapshot
}

// Subscribe registers fn for changes to key's snapshot. Registration makes
// the key observed: if it has no value a load starts, and if its value is
// stale a revalidation starts. fn is not called for the current state; it
// fires on the next visible change. Callbacks run synchronously on the
// goroutine that caused the change, with no cache lock held; keep them fast.
func (c *Cache) Subscribe(key Key, fn func(Snapshot)) (Subscription, error) {
	if key.IsZero() {
		return Subscription{}, errEmptyKey
	}
	if fn == nil {
		return Subscription{}, errors.New("requery: subscribe requires a callback")
	}
	id := key.String()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Subscription{}, ErrClosed
	}
	e := c.ensureEntryLocked(key)
	h := c.subs.Insert(subscriber{key: key, fn: fn})
	c.byKey[id] = append(c.byKey[id], h)
	e.observers++
	e.idleSince = time.Time{}
	c.metrics.SetObservers(c.subs.Len())

	reason := reasonInitial
	fetch := false
	if !e.flightActive && !e.mutating {
		if !e.hasValue {
			fetch = true
		} else if !e.freshAt(time.Now(), c.profileForLocked(key)) {
			if e.status == StatusFresh {
				e.status = StatusStale
			}
			fetch = true
			reason = reasonRevalidate
		}
	}
	c.mu.Unlock()

	if fetch {
		c.ensureFetch(key, reason)
	}
	c.logger.Debug("subscribed", slog.String("key", id))
	return Subscription{handle: h, key: key}, nil
}

// Unsubscribe withdraws a registration. When a key's last observer leaves,
// the entry is kept for the profile's GCTimeout so a returning observer can
// reuse it. Unsubscribing twice is a no-op.
func (c *Cache) Unsubscribe(sub Subscription) {
	if sub.handle.IsZero() {
		return
	}
	c.mu.Lock()
	if !c.subs.Delete(sub.handle) {
		c.mu.Unlock()
		return
	}
	id := sub.key.String()
	handles := c.byKey[id]
	for i, h := range handles {
		if h == sub.handle {
			handles[i] = handles[len(handles)-1]
			handles = handles[:len(handles)-1]
			break
		}
	}
	if len(handles) == 0 {
		delete(c.byKey, id)
	} else {
		c.byKey[id] = handles
	}
	if e, ok := c.entries[id]; ok && e.observers > 0 {
		e.observers--
		if e.observers == 0 {
			e.idleSince = time.Now()
		}
	}
	c.metrics.SetObservers(c.subs.Len())
	c.mu.Unlock()
	c.logger.Debug("unsubscribed", slog.String("key", id))
}

// noteLocked builds the notification for e's current state, or nil when
// nobody observes it. Callers hold mu.
func (c *Cache) noteLocked(e *entry) *notification {
	handles := c.byKey[e.key.String()]
	if len(handles) == 0 {
		return nil
	}
	fns := make([]func(Snapshot), 0, len(handles))
	for _, h := range handles {
		if rec, ok := c.subs.Get(h); ok {
			fns = append(fns, rec.fn)
		}
	}
	if len(fns) == 0 {
		return nil
	}
	return &notification{fns: fns, snap: e.snapshot()}
}

// deliver runs notifications outside the cache mutex. Nil entries are
// skipped.
func (c *Cache) deliver(notes ...*notification) {
	for _, n := range notes {
		if n == nil {
			continue
		}
		for _, fn := range n.fns {
			fn(n.snap)
		}
	}
}

// NotifyFocus revalidates every observed key whose profile opts into focus
// refresh. It returns the number of refetches started.
func (c *Cache) NotifyFocus() int {
	return c.triggerObserved(reasonFocus, func(p Profile) bool { return p.RefetchOnFocus })
}

// NotifyReconnect revalidates every observed key whose profile opts into
// reconnect refresh. It returns the number of refetches started.
func (c *Cache) NotifyReconnect() int {
	return c.triggerObserved(reasonReconnect, func(p Profile) bool { return p.RefetchOnReconnect })
}

func (c *Cache) triggerObserved(reason fetchReason, enabled func(Profile) bool) int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	var keys []Key
	for _, e := range c.entries {
		if e.observers == 0 || e.mutating || e.flightActive {
			continue
		}
		if !enabled(c.profileForLocked(e.key)) {
			continue
		}
		if e.status == StatusFresh {
			e.status = StatusStale
		}
		keys = append(keys, e.key)
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.ensureFetch(key, reason)
	}
	if len(keys) > 0 {
		c.logger.Debug("trigger refetch",
			slog.String("trigger", string(reason)),
			slog.Int("keys", len(keys)))
	}
	return len(keys)
}

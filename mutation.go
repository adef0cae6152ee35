package requery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/requery/metrics"
)

// MutationFunc performs the remote write for Mutate. It runs on the caller's
// context and is never retried automatically; surface conflicts with
// ConflictError so callers can refetch and reapply deliberately.
type MutationFunc func(ctx context.Context) (any, error)

// OptimisticPatch rewrites the local value for Key before the remote write
// runs. Apply receives the current value (ok reports whether one exists) and
// returns the provisional replacement; it must build a new value rather than
// mutate current in place, or rollback cannot restore the original.
type OptimisticPatch struct {
	Key   Key
	Apply func(current any, ok bool) any
}

// MutationOptions steers optimistic application and post-commit
// reconciliation.
type MutationOptions struct {
	// Optimistic patches apply before the remote write and roll back if it
	// fails.
	Optimistic []OptimisticPatch
	// Invalidates lists the prefixes to invalidate after a commit. Empty
	// means the patched keys.
	Invalidates []Key
}

// entryMemento is the state restored on rollback, captured before the first
// patch touches an entry.
type entryMemento struct {
	value     any
	hasValue  bool
	status    Status
	errInfo   *ErrorInfo
	updatedAt time.Time
}

func captureMemento(e *entry) entryMemento {
	m := entryMemento{
		value:     e.value,
		hasValue:  e.hasValue,
		status:    e.status,
		updatedAt: e.updatedAt,
	}
	if e.errInfo != nil {
		info := *e.errInfo
		m.errInfo = &info
	}
	return m
}

// Mutate runs fn against the source of truth. Optimistic patches become
// visible to readers and subscribers immediately; while the write is pending
// the patched keys are frozen, so fetch completions cannot overwrite the
// provisional values. On failure every patched entry is restored to its
// exact prior state and observers are notified once with the reverted
// snapshot; fn's error comes back unchanged. On success the affected
// prefixes are invalidated so provisional values get reconciled against the
// server's answer, and fn's result is returned.
//
// Mutations whose patch sets overlap are serialized in arrival order.
func (c *Cache) Mutate(ctx context.Context, fn MutationFunc, opts MutationOptions) (any, error) {
	if fn == nil {
		return nil, errors.New("requery: mutate requires a function")
	}
	for i, patch := range opts.Optimistic {
		if patch.Key.IsZero() {
			return nil, fmt.Errorf("requery: optimistic patch %d has an empty key", i)
		}
		if patch.Apply == nil {
			return nil, fmt.Errorf("requery: optimistic patch %d has no apply function", i)
		}
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	mutationID := uuid.NewString()
	ids := patchIDs(opts.Optimistic)
	if len(ids) > 0 {
		c.locks.acquire(ids)
		defer c.locks.release(ids)
	}

	snapshots, err := c.applyPatches(opts.Optimistic)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	value, err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		c.rollback(snapshots)
		c.metrics.ObserveMutation(metrics.MutationRolledBack, elapsed)
		c.logger.Warn("mutation rolled back",
			slog.String("mutation_id", mutationID),
			slog.Int("patched", len(snapshots)),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err))
		return nil, err
	}

	c.settle(snapshots)
	targets := opts.Invalidates
	if len(targets) == 0 {
		targets = patchKeys(opts.Optimistic)
	}
	for _, prefix := range targets {
		c.Invalidate(prefix)
	}
	c.metrics.ObserveMutation(metrics.MutationCommitted, elapsed)
	c.logger.Info("mutation committed",
		slog.String("mutation_id", mutationID),
		slog.Int("patched", len(snapshots)),
		slog.Int("invalidated", len(targets)),
		slog.Duration("elapsed", elapsed))
	return value, nil
}

// applyPatches installs provisional values and freezes their entries. The
// returned mementos are keyed by entry id for rollback.
func (c *Cache) applyPatches(patches []OptimisticPatch) (map[string]entryMemento, error) {
	if len(patches) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	snapshots := make(map[string]entryMemento, len(patches))
	var notes []*notification
	for _, patch := range patches {
		e := c.ensureEntryLocked(patch.Key)
		id := patch.Key.String()
		if _, seen := snapshots[id]; !seen {
			snapshots[id] = captureMemento(e)
		}
		next := patch.Apply(e.value, e.hasValue)
		changed := !e.hasValue || !c.valueEqual(e.value, next)
		e.value = next
		e.hasValue = true
		if e.status == StatusEmpty || e.status == StatusFetching {
			e.status = StatusFresh
		}
		e.generation = c.nextGenLocked()
		e.mutating = true
		if changed {
			notes = append(notes, c.noteLocked(e))
		}
	}
	c.mu.Unlock()
	c.deliver(notes...)
	return snapshots, nil
}

// rollback restores patched entries to their mementos. Entries removed while
// the write ran are left alone: removal wins over rollback.
func (c *Cache) rollback(snapshots map[string]entryMemento) {
	if len(snapshots) == 0 {
		return
	}
	c.mu.Lock()
	var notes []*notification
	for id, m := range snapshots {
		e, ok := c.entries[id]
		if !ok || !e.mutating {
			continue
		}
		changed := e.hasValue != m.hasValue ||
			!c.valueEqual(e.value, m.value) ||
			(e.errInfo == nil) != (m.errInfo == nil)
		e.value = m.value
		e.hasValue = m.hasValue
		e.status = m.status
		e.updatedAt = m.updatedAt
		if m.errInfo != nil {
			info := *m.errInfo
			e.errInfo = &info
		} else {
			e.errInfo = nil
		}
		e.mutating = false
		if changed {
			notes = append(notes, c.noteLocked(e))
		}
	}
	c.mu.Unlock()
	c.deliver(notes...)
}

// settle unfreezes patched entries after a commit. The provisional values
// stay in place until the follow-up invalidation reconciles them.
func (c *Cache) settle(snapshots map[string]entryMemento) {
	if len(snapshots) == 0 {
		return
	}
	c.mu.Lock()
	for id := range snapshots {
		if e, ok := c.entries[id]; ok {
			e.mutating = false
		}
	}
	c.mu.Unlock()
}

// patchIDs returns the sorted, de-duplicated entry ids a patch set touches.
// Sorting gives overlapping mutations a global acquisition order.
func patchIDs(patches []OptimisticPatch) []string {
	if len(patches) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(patches))
	for _, p := range patches {
		set[p.Key.String()] = struct{}{}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func patchKeys(patches []OptimisticPatch) []Key {
	seen := make(map[string]struct{}, len(patches))
	keys := make([]Key, 0, len(patches))
	for _, p := range patches {
		id := p.Key.String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, p.Key)
	}
	return keys
}

// keyLocks serializes mutations over overlapping key sets. Each id is a
// one-holder lock; waiters block on the holder's channel and re-contend when
// it closes.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// acquire claims every id in order. ids must be sorted and de-duplicated so
// overlapping claimants cannot deadlock.
func (l *keyLocks) acquire(ids []string) {
	for _, id := range ids {
		for {
			l.mu.Lock()
			wait, taken := l.held[id]
			if !taken {
				l.held[id] = make(chan struct{})
				l.mu.Unlock()
				break
			}
			l.mu.Unlock()
			<-wait
		}
	}
}

func (l *keyLocks) release(ids []string) {
	l.mu.Lock()
	for _, id := range ids {
		if ch, ok := l.held[id]; ok {
			delete(l.held, id)
			close(ch)
		}
	}
	l.mu.Unlock()
}

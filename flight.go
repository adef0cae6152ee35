package requery

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/requery/metrics"
)

// fetchReason records what triggered a flight. It feeds logs and metrics
// only; every reason runs the same fetch path.
type fetchReason string

const (
	reasonInitial    fetchReason = "initial"
	reasonRevalidate fetchReason = "revalidate"
	reasonInvalidate fetchReason = "invalidate"
	reasonInterval   fetchReason = "interval"
	reasonFocus      fetchReason = "focus"
	reasonReconnect  fetchReason = "reconnect"
	reasonPrefetch   fetchReason = "prefetch"
)

// flightResult is what a completed fetch hands to everyone waiting on it.
// superseded means the outcome was discarded and waiters should re-read the
// entry instead of trusting this result.
type flightResult struct {
	value      any
	err        error
	superseded bool
}

// flightID names one logical flight. The generation is part of the name so
// a fetch scheduled after supersession never joins the dying call. "#"
// cannot collide with key text because segments are percent-escaped.
func flightID(id string, gen uint64) string {
	return id + "#" + strconv.FormatUint(gen, 10)
}

// ensureFetch guarantees a flight is running for key and returns the channel
// its result arrives on. Callers that only want the side effect ignore the
// channel. Nil means no flight can run: the cache is closed or the key is
// frozen by a pending mutation.
func (c *Cache) ensureFetch(key Key, reason fetchReason) <-chan singleflight.Result {
	id := key.String()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	e := c.ensureEntryLocked(key)
	if e.mutating {
		c.mu.Unlock()
		return nil
	}
	if e.flightActive {
		gen := e.flightGen
		c.mu.Unlock()
		c.metrics.ObserveFetchJoin()
		return c.flights.DoChan(flightID(id, gen), c.flightFunc(key, id, gen, reason))
	}
	e.flightActive = true
	e.flightGen = c.nextGenLocked()
	e.generation = e.flightGen
	if !e.hasValue {
		e.status = StatusFetching
	}
	gen := e.flightGen
	c.inFlight++
	c.metrics.SetFlights(c.inFlight)
	c.mu.Unlock()

	c.logger.Debug("fetch started",
		slog.String("key", id),
		slog.String("reason", string(reason)))
	return c.flights.DoChan(flightID(id, gen), c.flightFunc(key, id, gen, reason))
}

func (c *Cache) flightFunc(key Key, id string, gen uint64, reason fetchReason) func() (any, error) {
	return func() (any, error) {
		return c.runFlight(key, id, gen, reason), nil
	}
}

func (c *Cache) runFlight(key Key, id string, gen uint64, reason fetchReason) flightResult {
	c.mu.RLock()
	e, ok := c.entries[id]
	if !ok || !e.flightActive || e.flightGen != gen {
		// the owning flight already settled; this call was re-created by a
		// late joiner racing the completion
		c.mu.RUnlock()
		return flightResult{superseded: true}
	}
	prof := c.profileForLocked(key)
	c.mu.RUnlock()

	start := time.Now()
	value, attempts, err := c.fetchWithRetry(c.runCtx, key, prof.Retry)
	return c.finishFlight(key, id, gen, reason, value, attempts, err, time.Since(start))
}

// fetchWithRetry runs the fetcher with exponential backoff until it
// succeeds, attempts run out, the policy declines, or ctx ends.
func (c *Cache) fetchWithRetry(ctx context.Context, key Key, policy RetryPolicy) (any, int, error) {
	delay := policy.Backoff
	for attempt := 1; ; attempt++ {
		value, err := c.fetcher.Fetch(ctx, key)
		if err == nil {
			return value, attempt, nil
		}
		if attempt >= policy.MaxAttempts || !policy.IsRetryable(err) || ctx.Err() != nil {
			return nil, attempt, err
		}
		c.logger.Debug("fetch retrying",
			slog.String("key", key.String()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt, err
		}
		delay *= 2
		if delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
	}
}

// finishFlight settles a completed fetch against the entry's current state.
// The result applies only when the entry's generation still matches the one
// the flight started with; otherwise it is discarded and, when an
// invalidation asked for it, a follow-up flight starts.
func (c *Cache) finishFlight(key Key, id string, gen uint64, reason fetchReason, value any, attempts int, err error, elapsed time.Duration) flightResult {
	now := time.Now()
	c.mu.Lock()
	c.inFlight--
	c.metrics.SetFlights(c.inFlight)

	e, ok := c.entries[id]
	if !ok || !e.flightActive || e.flightGen != gen {
		// entry evicted, removed, or its flight slot reassigned
		c.mu.Unlock()
		c.metrics.ObserveFetch(string(reason), metrics.FetchSuperseded, elapsed)
		return flightResult{superseded: true}
	}
	e.flightActive = false
	rerun := e.rerun
	rerunReason := e.rerunReason
	e.rerun = false

	if e.generation != gen || c.runCtx.Err() != nil {
		if !e.hasValue && e.status == StatusFetching {
			e.status = StatusEmpty
		}
		c.mu.Unlock()
		if rerun && c.runCtx.Err() == nil {
			go c.ensureFetch(key, rerunReason)
		}
		c.metrics.ObserveFetch(string(reason), metrics.FetchSuperseded, elapsed)
		c.logger.Debug("fetch superseded",
			slog.String("key", id),
			slog.String("reason", string(reason)))
		return flightResult{superseded: true}
	}

	if err != nil {
		e.status = StatusError
		e.errInfo = &ErrorInfo{Err: err, Attempts: attempts, At: now}
		e.touchedAt = now
		note := c.noteLocked(e)
		c.mu.Unlock()
		c.deliver(note)
		c.metrics.ObserveFetch(string(reason), metrics.FetchError, elapsed)
		c.logger.Warn("fetch failed",
			slog.String("key", id),
			slog.String("reason", string(reason)),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return flightResult{err: err}
	}

	hadValue := e.hasValue
	changed := !e.hasValue || e.errInfo != nil || !c.valueEqual(e.value, value)
	e.value = value
	e.hasValue = true
	e.status = StatusFresh
	e.errInfo = nil
	e.updatedAt = now
	e.touchedAt = now
	var note *notification
	if changed {
		note = c.noteLocked(e)
	}
	c.mu.Unlock()
	c.deliver(note)
	if hadValue {
		c.metrics.ObserveReconcile(changed)
	}
	c.metrics.ObserveFetch(string(reason), metrics.FetchSuccess, elapsed)
	c.logger.Debug("fetch applied",
		slog.String("key", id),
		slog.String("reason", string(reason)),
		slog.Bool("changed", changed),
		slog.Duration("elapsed", elapsed))
	return flightResult{value: value}
}

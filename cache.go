package requery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/requery/internal/slab"
	"github.com/l0p7/requery/metrics"
)

// Cache is a synchronized store of remote data. All methods are safe for
// concurrent use.
type Cache struct {
	fetcher       Fetcher
	defaults      Profile
	sweepInterval time.Duration
	valueEqual    func(a, b any) bool
	metrics       *metrics.Recorder
	logger        *slog.Logger

	// runCtx outlives any single caller: fetches run on it so a consumer
	// walking away never aborts a flight. Close cancels it.
	runCtx    context.Context
	cancel    context.CancelFunc
	sweepDone chan struct{}

	flights singleflight.Group
	locks   keyLocks

	mu       sync.RWMutex
	closed   bool
	gen      uint64
	inFlight int
	profiles []ProfileRule
	entries  map[string]*entry
	subs     slab.Slab[subscriber]
	byKey    map[string][]slab.Handle
}

// New builds a Cache from cfg and starts its background sweeper. Callers own
// the Cache and must Close it when done.
func New(cfg Config) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	equal := cfg.ValueEqual
	if equal == nil {
		equal = defaultValueEqual
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	profiles := make([]ProfileRule, len(cfg.Profiles))
	for i, rule := range cfg.Profiles {
		profiles[i] = ProfileRule{Prefix: rule.Prefix, Profile: rule.Profile.normalized()}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		fetcher:       cfg.Fetcher,
		defaults:      cfg.Defaults.normalized(),
		sweepInterval: sweep,
		valueEqual:    equal,
		metrics:       cfg.Metrics,
		logger:        logger.With(slog.String("component", "requery")),
		runCtx:        runCtx,
		cancel:        cancel,
		sweepDone:     make(chan struct{}),
		locks:         keyLocks{held: make(map[string]chan struct{})},
		profiles:      profiles,
		entries:       make(map[string]*entry),
		byKey:         make(map[string][]slab.Handle),
	}
	go c.sweepLoop()
	return c, nil
}

// Close stops background work and rejects subsequent operations. In-flight
// fetch completions are discarded. The context bounds how long Close waits
// for the sweeper to stop.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	select {
	case <-c.sweepDone:
	case <-ctx.Done():
		return fmt.Errorf("requery: close: %w", ctx.Err())
	}
	c.logger.Debug("cache closed")
	return nil
}

// ReloadProfiles replaces the per-prefix policy rules. Entries pick up the
// new policies at their next freshness evaluation; nothing is refetched
// eagerly.
func (c *Cache) ReloadProfiles(defaults Profile, rules []ProfileRule) error {
	normalized := make([]ProfileRule, len(rules))
	for i, rule := range rules {
		if rule.Prefix.IsZero() {
			return fmt.Errorf("requery: profile rule %d has an empty prefix", i)
		}
		normalized[i] = ProfileRule{Prefix: rule.Prefix, Profile: rule.Profile.normalized()}
	}
	c.mu.Lock()
	c.defaults = defaults.normalized()
	c.profiles = normalized
	c.mu.Unlock()
	c.logger.Info("profiles reloaded", slog.Int("rules", len(normalized)))
	return nil
}

// Stats reports a point-in-time view of the store.
type Stats struct {
	// Entries is the number of keys currently held.
	Entries int
	// Observers is the number of active subscriptions.
	Observers int
	// InFlight is the number of fetches running right now.
	InFlight int
	// ByStatus counts entries per Status string.
	ByStatus map[string]int
}

// Stats returns current store counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{
		Entries:   len(c.entries),
		Observers: c.subs.Len(),
		InFlight:  c.inFlight,
		ByStatus:  make(map[string]int, 5),
	}
	for _, e := range c.entries {
		st.ByStatus[e.status.String()]++
	}
	return st
}

// nextGenLocked hands out store-wide monotonic generations. Callers hold mu.
func (c *Cache) nextGenLocked() uint64 {
	c.gen++
	return c.gen
}

// ensureEntryLocked returns the entry for key, creating an empty one if
// needed. Callers hold mu.
func (c *Cache) ensureEntryLocked(key Key) *entry {
	id := key.String()
	if e, ok := c.entries[id]; ok {
		return e
	}
	e := &entry{key: key, status: StatusEmpty, touchedAt: time.Now()}
	c.entries[id] = e
	c.metrics.SetEntries(len(c.entries))
	return e
}

// profileForLocked resolves the policy for key: the longest matching prefix
// rule wins, defaults otherwise. Callers hold mu.
func (c *Cache) profileForLocked(key Key) Profile {
	best := c.defaults
	bestLen := -1
	for _, rule := range c.profiles {
		if key.HasPrefix(rule.Prefix) && rule.Prefix.Len() > bestLen {
			best = rule.Profile
			bestLen = rule.Prefix.Len()
		}
	}
	return best
}

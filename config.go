package requery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/l0p7/requery/metrics"
)

// Fetcher loads the authoritative value for a Key. It is the only data
// source the cache consults on its own. Implementations should classify
// failures with RemoteError so retry policies can tell transport problems
// from server answers.
//
// Fetch runs on the cache's own context, which is cancelled only by Close.
// A consumer walking away does not cancel a flight; the result is kept for
// whoever asks next.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (any, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key Key) (any, error)

func (f FetcherFunc) Fetch(ctx context.Context, key Key) (any, error) {
	return f(ctx, key)
}

const (
	defaultMaxAttempts   = 3
	defaultBackoff       = 100 * time.Millisecond
	defaultMaxBackoff    = 2 * time.Second
	defaultGCTimeout     = 5 * time.Minute
	defaultSweepInterval = time.Second
)

// RetryPolicy controls how failed fetches are retried. Mutations are never
// retried regardless of policy.
type RetryPolicy struct {
	// MaxAttempts bounds tries per fetch, first attempt included. Zero
	// means the default of 3.
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles per retry.
	// Zero means 100ms.
	Backoff time.Duration
	// MaxBackoff caps the doubling. Zero means 2s.
	MaxBackoff time.Duration
	// IsRetryable decides whether a failure is worth another attempt. Nil
	// means DefaultRetryable.
	IsRetryable func(error) bool
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.IsRetryable == nil {
		p.IsRetryable = DefaultRetryable
	}
	return p
}

// Profile bundles the freshness and lifetime policy applied to an entry.
type Profile struct {
	// StaleAfter is how long a confirmed value counts as fresh. Zero means
	// always stale: reads serve the cached value and revalidate every time.
	StaleAfter time.Duration
	// GCTimeout is how long an unobserved entry survives before eviction.
	// Zero means the default of 5 minutes.
	GCTimeout time.Duration
	// RefetchInterval periodically revalidates observed entries. Zero
	// disables interval refresh.
	RefetchInterval time.Duration
	// RefetchOnFocus revalidates observed entries when the application
	// regains focus.
	RefetchOnFocus bool
	// RefetchOnReconnect revalidates observed entries when connectivity
	// returns.
	RefetchOnReconnect bool
	// Retry is the fetch retry policy.
	Retry RetryPolicy
}

func (p Profile) normalized() Profile {
	if p.GCTimeout <= 0 {
		p.GCTimeout = defaultGCTimeout
	}
	p.Retry = p.Retry.normalized()
	return p
}

// ProfileRule binds a Profile to every Key under Prefix. When several rules
// match a Key, the longest prefix wins.
type ProfileRule struct {
	Prefix  Key
	Profile Profile
}

// Config assembles a Cache. Fetcher is the only required field.
type Config struct {
	// Fetcher loads values from the source of truth.
	Fetcher Fetcher
	// Defaults applies to Keys no rule covers.
	Defaults Profile
	// Profiles overrides Defaults per prefix.
	Profiles []ProfileRule
	// SweepInterval is how often eviction and interval refresh run. Zero
	// means 1s.
	SweepInterval time.Duration
	// ValueEqual decides whether a refetched value differs from the cached
	// one; equal results do not notify subscribers. Nil means
	// reflect.DeepEqual.
	ValueEqual func(a, b any) bool
	// Metrics receives cache activity. Nil disables recording.
	Metrics *metrics.Recorder
	// Logger receives debug and warning events. Nil discards them.
	Logger *slog.Logger
}

func (cfg Config) validate() error {
	if cfg.Fetcher == nil {
		return errors.New("requery: config requires a fetcher")
	}
	for i, rule := range cfg.Profiles {
		if rule.Prefix.IsZero() {
			return fmt.Errorf("requery: profile rule %d has an empty prefix; use Defaults for the catch-all", i)
		}
	}
	return nil
}

func defaultValueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

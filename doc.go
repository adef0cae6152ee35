// Package requery keeps local copies of remote data synchronized with their
// source of truth. It is a read-through cache built around four cooperating
// pieces: an entry store that tracks value, status, and freshness per Key; a
// fetch coordinator that collapses concurrent loads for the same Key into one
// network operation and discards superseded completions; a subscription
// registry that notifies observers when a visible snapshot actually changes;
// and a mutation executor that applies optimistic local patches, rolls them
// back on failure, and reconciles them against the server after a commit.
//
// The cache never invents data: every value comes from the single injected
// Fetcher, from Seed, or from Rehydrate. Stale values are served immediately
// while revalidation happens in the background, so readers pay network
// latency only when a Key has never been loaded.
//
// Values are stored as opaque any and shared between the cache and its
// consumers. Treat them as immutable: build new values instead of mutating
// snapshots in place.
package requery

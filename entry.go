package requery

import "time"

// Status is the lifecycle state of a cache entry.
type Status uint8

const (
	// StatusEmpty means no value has ever been stored for the key.
	StatusEmpty Status = iota
	// StatusFetching means the first load is running and no previous value
	// exists to serve meanwhile.
	StatusFetching
	// StatusFresh means the value is within its staleness window.
	StatusFresh
	// StatusStale means the value is servable but due for revalidation.
	StatusStale
	// StatusError means the most recent fetch failed. A previous value, if
	// any, is still held and servable.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusFetching:
		return "fetching"
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// ErrorInfo describes the most recent failed fetch for an entry.
type ErrorInfo struct {
	// Err is the final error after retries were exhausted or cut short.
	Err error
	// Attempts counts how many tries the failed fetch made.
	Attempts int
	// At is when the failure was recorded.
	At time.Time
}

// Snapshot is the externally visible state of one entry at a point in time.
// Subscribers receive Snapshots; Read returns one.
type Snapshot struct {
	Key      Key
	Value    any
	HasValue bool
	Status   Status
	// Error is set while the entry is in StatusError and cleared by the next
	// successful fetch.
	Error *ErrorInfo
	// IsFetching reports whether a fetch flight is running right now,
	// regardless of Status. Background revalidation sets it while the entry
	// stays servable.
	IsFetching bool
	// UpdatedAt is when the current value was confirmed by the source of
	// truth. Zero when no value is held.
	UpdatedAt time.Time
}

// EntryState is the persistable portion of an entry, produced by Export and
// consumed by Rehydrate.
type EntryState struct {
	Key       Key       `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// entry is the internal record for one Key. All fields are guarded by the
// cache mutex; snapshots are taken under it and delivered outside it.
type entry struct {
	key      Key
	value    any
	hasValue bool
	status   Status
	errInfo  *ErrorInfo

	// generation increments whenever the authoritative state of the entry
	// changes underneath a fetch: a newer fetch starting, an optimistic
	// patch, a seed, or an invalidation. A completing flight applies its
	// result only if the generation still matches the one it started with.
	generation uint64

	// updatedAt tracks value age for freshness; touchedAt tracks activity
	// for eviction and also advances when an entry goes idle.
	updatedAt time.Time
	touchedAt time.Time

	observers int
	idleSince time.Time

	// flightActive marks that a fetch owns this entry's flight slot.
	// flightGen identifies that flight; rerun asks its completion to start
	// another fetch because an invalidation landed mid-flight.
	flightActive bool
	flightGen    uint64
	rerun        bool
	rerunReason  fetchReason

	// mutating freezes the entry while an optimistic mutation holds it:
	// fetch completions are discarded and new flights are not started.
	mutating bool
}

// freshAt reports whether the entry's value can be served without
// revalidation. Entries explicitly marked stale or errored are never fresh,
// no matter how young their value is.
func (e *entry) freshAt(now time.Time, prof Profile) bool {
	return e.status == StatusFresh && now.Sub(e.updatedAt) < prof.StaleAfter
}

func (e *entry) snapshot() Snapshot {
	snap := Snapshot{
		Key:        e.key,
		Value:      e.value,
		HasValue:   e.hasValue,
		Status:     e.status,
		IsFetching: e.flightActive,
		UpdatedAt:  e.updatedAt,
	}
	if e.errInfo != nil {
		info := *e.errInfo
		snap.Error = &info
	}
	return snap
}

// Package slab provides an arena allocator with stable, generation-checked
// handles. Records keep their slot for their whole lifetime, freed slots are
// reused, and a stale handle to a reused slot is detected instead of
// silently addressing the new occupant.
package slab

// Handle addresses one record in a Slab. The zero Handle is never issued
// and addresses nothing.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued by Insert.
func (h Handle) IsZero() bool { return h.gen == 0 }

type slot[T any] struct {
	value T
	gen   uint32
	live  bool
}

// Slab stores records of type T in reusable slots. The zero value is ready
// to use. Slab is not safe for concurrent use; callers synchronize.
type Slab[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

// Insert stores value and returns its Handle.
func (s *Slab[T]) Insert(value T) Handle {
	s.live++
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		sl := &s.slots[idx]
		sl.value = value
		sl.gen++
		sl.live = true
		return Handle{index: idx, gen: sl.gen}
	}
	s.slots = append(s.slots, slot[T]{value: value, gen: 1, live: true})
	return Handle{index: uint32(len(s.slots) - 1), gen: 1}
}

// Get returns the record addressed by h. It reports false when h is zero,
// was deleted, or its slot has since been reused.
func (s *Slab[T]) Get(h Handle) (T, bool) {
	var zero T
	if h.IsZero() || int(h.index) >= len(s.slots) {
		return zero, false
	}
	sl := &s.slots[h.index]
	if !sl.live || sl.gen != h.gen {
		return zero, false
	}
	return sl.value, true
}

// Delete frees the record addressed by h and reports whether it was live.
// Deleting an already-freed or stale handle is a no-op.
func (s *Slab[T]) Delete(h Handle) bool {
	if h.IsZero() || int(h.index) >= len(s.slots) {
		return false
	}
	sl := &s.slots[h.index]
	if !sl.live || sl.gen != h.gen {
		return false
	}
	var zero T
	sl.value = zero
	sl.live = false
	s.free = append(s.free, h.index)
	s.live--
	return true
}

// Len returns the number of live records.
func (s *Slab[T]) Len() int { return s.live }

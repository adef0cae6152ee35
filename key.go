package requery

import (
	"fmt"
	"net/url"
	"strings"
)

// Key identifies one cached resource. It is an ordered list of scalar
// segments, compared structurally: two Keys are the same entry exactly when
// their segments match pairwise. Shorter Keys double as prefixes for
// hierarchical invalidation, so ["users"] covers ["users", "42"] and
// everything below it.
//
// The zero Key has no segments. As a prefix it matches every entry; as an
// entry identifier it is rejected.
type Key struct {
	segments []string
}

// NewKey builds a Key from the given segments. The slice is copied.
func NewKey(segments ...string) Key {
	if len(segments) == 0 {
		return Key{}
	}
	out := make([]string, len(segments))
	copy(out, segments)
	return Key{segments: out}
}

// ParseKey decodes the canonical form produced by String. Segments are
// percent-decoded, so Keys containing "/" or "%" survive the round trip.
func ParseKey(s string) (Key, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return Key{}, nil
	}
	parts := strings.Split(trimmed, "/")
	segments := make([]string, len(parts))
	for i, part := range parts {
		if part == "" {
			return Key{}, fmt.Errorf("requery: key %q has an empty segment", s)
		}
		seg, err := url.PathUnescape(part)
		if err != nil {
			return Key{}, fmt.Errorf("requery: key %q segment %d: %w", s, i, err)
		}
		segments[i] = seg
	}
	return Key{segments: segments}, nil
}

// String renders the canonical form: each segment percent-escaped, joined
// with "/". Distinct Keys always render distinctly, which makes the result
// safe as a map key.
func (k Key) String() string {
	if len(k.segments) == 0 {
		return ""
	}
	escaped := make([]string, len(k.segments))
	for i, seg := range k.segments {
		escaped[i] = url.PathEscape(seg)
	}
	return strings.Join(escaped, "/")
}

// Equal reports whether k and other identify the same entry.
func (k Key) Equal(other Key) bool {
	if len(k.segments) != len(other.segments) {
		return false
	}
	for i, seg := range k.segments {
		if other.segments[i] != seg {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a leading sub-sequence of k. Every Key
// has the zero Key as a prefix, and a Key is a prefix of itself.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix.segments) > len(k.segments) {
		return false
	}
	for i, seg := range prefix.segments {
		if k.segments[i] != seg {
			return false
		}
	}
	return true
}

// Append returns a new Key with extra segments added; k is unchanged.
func (k Key) Append(segments ...string) Key {
	if len(segments) == 0 {
		return k
	}
	out := make([]string, 0, len(k.segments)+len(segments))
	out = append(out, k.segments...)
	out = append(out, segments...)
	return Key{segments: out}
}

// Segments returns a copy of the segment list.
func (k Key) Segments() []string {
	if len(k.segments) == 0 {
		return nil
	}
	out := make([]string, len(k.segments))
	copy(out, k.segments)
	return out
}

// Len returns the number of segments.
func (k Key) Len() int { return len(k.segments) }

// IsZero reports whether k has no segments.
func (k Key) IsZero() bool { return len(k.segments) == 0 }

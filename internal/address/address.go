// Package address implements the ordered path-segment addresses used to
// route a ValueRequest through the resolution tree.
package address

import "strings"

// Address is an ordered sequence of non-empty path segments plus a cursor
// marking how many segments have already been consumed during traversal.
// Equality is by segment sequence only; Index is excluded so the same
// logical path compares equal regardless of how far it has been walked.
type Address struct {
	Segments []string
	Index    int
}

// New builds an Address from a dotted path, e.g. "sitename.mount.azimuth".
func New(path string) Address {
	return Address{Segments: strings.Split(path, ".")}
}

// FromSegments builds an Address from already-split segments.
func FromSegments(segs []string) Address {
	return Address{Segments: segs}
}

// Current returns the segment at the cursor and whether it exists.
func (a Address) Current() (string, bool) {
	if a.Index < 0 || a.Index >= len(a.Segments) {
		return "", false
	}
	return a.Segments[a.Index], true
}

// Advanced returns a copy of a with the cursor moved forward by n.
func (a Address) Advanced(n int) Address {
	a.Index += n
	return a
}

// Residual returns the segments not yet consumed.
func (a Address) Residual() []string {
	if a.Index >= len(a.Segments) {
		return nil
	}
	return a.Segments[a.Index:]
}

// Exhausted reports whether the cursor has consumed every segment.
func (a Address) Exhausted() bool {
	return a.Index >= len(a.Segments)
}

// Equal compares two addresses by segment sequence only, per the data model.
func (a Address) Equal(o Address) bool {
	if len(a.Segments) != len(o.Segments) {
		return false
	}
	for i := range a.Segments {
		if a.Segments[i] != o.Segments[i] {
			return false
		}
	}
	return true
}

// Key returns a stable string usable as a map key for cache/gate lookups.
func (a Address) Key() string {
	return strings.Join(a.Segments, ".")
}

// String renders the full address, ignoring the cursor.
func (a Address) String() string {
	return strings.Join(a.Segments, ".")
}

// ResidualString renders only the unconsumed suffix, used by gate
// white/black-list matching and adapter dispatch.
func (a Address) ResidualString() string {
	return strings.Join(a.Residual(), ".")
}

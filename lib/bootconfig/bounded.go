package bootconfig

import "strings"

// Bounded is a string with a fixed capacity. The capacity counts a
// terminator, so at most Cap()-1 bytes are stored. Values longer than that
// are truncated; values with an embedded NUL are rejected.
type Bounded struct {
	capacity int
	value    string
}

// NewBounded creates an empty bounded string of the given capacity.
func NewBounded(capacity int) Bounded {
	return Bounded{capacity: capacity}
}

// Set stores v, truncated to the capacity. It reports false and leaves the
// current value untouched when v contains a NUL byte.
func (b *Bounded) Set(v string) bool {
	if strings.IndexByte(v, 0) >= 0 {
		return false
	}
	if limit := b.capacity - 1; len(v) > limit {
		if limit < 0 {
			limit = 0
		}
		v = v[:limit]
	}
	b.value = v
	return true
}

// String returns the stored value.
func (b Bounded) String() string {
	return b.value
}

// Cap returns the declared capacity, terminator included.
func (b Bounded) Cap() int {
	return b.capacity
}

// Empty reports whether no value is stored.
func (b Bounded) Empty() bool {
	return b.value == ""
}

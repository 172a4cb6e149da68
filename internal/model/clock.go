package model

// VectorClock maps actor ids to per-actor monotonic counters.
// Entries never decrease; a missing entry reads as zero.
type VectorClock map[string]int64

// Ordering is the causal relationship between two vector clocks.
type Ordering int

const (
	// Equal means both clocks have identical entries.
	Equal Ordering = iota
	// Before means the receiver happened strictly before the other clock.
	Before
	// After means the receiver strictly dominates the other clock.
	After
	// Concurrent means neither clock dominates: true concurrency.
	Concurrent
)

// String returns a stable name for logs and audit records.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Get returns the counter for an actor (zero if absent).
func (c VectorClock) Get(actor string) int64 {
	return c[actor]
}

// Compare returns the causal ordering of c relative to other.
func (c VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for actor, n := range c {
		m := other[actor]
		if n < m {
			less = true
		} else if n > m {
			greater = true
		}
	}
	for actor, m := range other {
		if _, seen := c[actor]; seen {
			continue
		}
		if m > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether c is strictly greater than other.
func (c VectorClock) Dominates(other VectorClock) bool {
	return c.Compare(other) == After
}

// Covers reports whether c has seen everything other has (After or Equal).
func (c VectorClock) Covers(other VectorClock) bool {
	o := c.Compare(other)
	return o == After || o == Equal
}

// Merge returns the entrywise maximum of c and other. Neither input is modified.
func (c VectorClock) Merge(other VectorClock) VectorClock {
	out := make(VectorClock, max(len(c), len(other)))
	for actor, n := range c {
		out[actor] = n
	}
	for actor, m := range other {
		if m > out[actor] {
			out[actor] = m
		}
	}
	return out
}

// Tick returns a copy of c with the actor's counter incremented.
func (c VectorClock) Tick(actor string) VectorClock {
	out := c.Clone()
	if out == nil {
		out = VectorClock{}
	}
	out[actor]++
	return out
}

// Clone returns an independent copy.
func (c VectorClock) Clone() VectorClock {
	if c == nil {
		return nil
	}
	out := make(VectorClock, len(c))
	for actor, n := range c {
		out[actor] = n
	}
	return out
}

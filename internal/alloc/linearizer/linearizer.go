// Package linearizer implements the producer linearizer: a value-ordered
// merge over a fixed array of producer slots. Each slot is pushed at most
// once between pops; Pop always yields slots in non-decreasing value
// order, with free slots sorting as if their value were +infinity.
//
// A Linearizer instance is meant for one producer and one consumer per
// instance; multiple independent instances (e.g. one per CPU) may run in
// parallel.
package linearizer

import "sort"

// Linearizer holds the index permutation and free bitmap over an
// externally owned values array.
type Linearizer struct {
	values    []uint64 // externally owned, indexed 0..sz-1
	perm      []int    // index permutation I
	free      []bool   // free bitmap F
	freeCount int
	cursor    int
}

// Init constructs a Linearizer over values, which the caller continues to
// own. values[i] is written before Push(i) and must not change until the
// Pop that emits i. All slots start free.
func Init(values []uint64) *Linearizer {
	sz := len(values)
	l := &Linearizer{
		values: values,
		perm:   make([]int, sz),
		free:   make([]bool, sz),
	}
	for i := range l.perm {
		l.perm[i] = i
		l.free[i] = true
	}
	l.freeCount = sz
	return l
}

// Free releases the Linearizer's owned storage. Go's GC reclaims it
// automatically; this method exists for parity with the source algorithm's
// explicit free and to make call sites symmetric with Init.
func (l *Linearizer) Free() {
	l.values = nil
	l.perm = nil
	l.free = nil
	l.freeCount = 0
	l.cursor = 0
}

// Push marks slot i as occupied. It must currently be free; the caller is
// expected to have already written the new value into values[i]. Returns
// false if i is out of range or was not free.
func (l *Linearizer) Push(i int) bool {
	if i < 0 || i >= len(l.free) || !l.free[i] {
		return false
	}
	l.free[i] = false
	l.freeCount--
	l.cursor = 0 // force a re-sort on the next Pop
	return true
}

// cmp orders two indices the way the original producer-linearizer's
// comparator does: both free compares equal (stable for repeated
// +infinity ties), a free index always sorts after a non-free one, and two
// non-free indices compare by their underlying value.
func (l *Linearizer) cmp(a, b int) bool {
	af, bf := l.free[a], l.free[b]
	switch {
	case af && bf:
		return false // equal: "a < b" is false either way
	case af:
		return false // a is +infinity, so a is never less than b
	case bf:
		return true // b is +infinity, so a < b
	default:
		return l.values[a] < l.values[b]
	}
}

// Pop writes the next value-ordered occupied index into out and returns
// true, or returns false if every slot is currently free.
func (l *Linearizer) Pop() (out int, ok bool) {
	if l.freeCount == len(l.free) {
		return 0, false
	}
	if l.cursor == 0 {
		sort.Slice(l.perm, func(i, j int) bool {
			return l.cmp(l.perm[i], l.perm[j])
		})
	}
	out = l.perm[l.cursor]
	l.free[out] = true
	l.freeCount++
	l.cursor++
	return out, true
}

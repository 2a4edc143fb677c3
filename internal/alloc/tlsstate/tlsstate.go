// Package tlsstate provides the per-"thread" bookkeeping the hook core
// needs on every entry: a re-entry guard, the variable-rate sampling
// counter, a memoized stack-bounds pair, and a private PRNG. Go has no
// native thread-local storage, so state is kept in a process-wide map
// keyed by goroutine id, exactly the substitute the teacher's own
// goroutine-context package uses in place of TLS.
package tlsstate

import (
	"math"
	"runtime"
	"strconv"
	"sync"
)

// StackBoundsFunc resolves the current thread's stack bounds (low, high),
// mirroring the get_thread_stack_bounds collaborator named in the external
// interfaces. Callers supply this once at construction time; tlsstate
// memoizes the result per goroutine.
type StackBoundsFunc func() (lo, hi uintptr)

// State is the bookkeeping kept for one goroutine. All fields are touched
// only by the goroutine that owns the State; no field needs atomics or a
// mutex because of that single-writer invariant.
type State struct {
	RemainingBytes            int64
	RemainingBytesInitialized bool
	StackLow, StackHigh       uintptr
	stackBoundsSet            bool
	TID                       uint64
	ReentryGuard              bool
	AllocationAllowed         bool
	gen                       uint64 // linear-congruential generator state
}

// lcgMultiplier and lcgIncrement are Knuth's MMIX 64-bit LCG constants: a
// full-period generator over 64 bits of state, so a single uint64
// multiply-add suffices per draw.
const (
	lcgMultiplier = 6364136223846793005
	lcgIncrement  = 1442695040888963407
)

// next draws the next PRNG value and advances gen.
func (s *State) next() uint64 {
	s.gen = s.gen*lcgMultiplier + lcgIncrement
	return s.gen
}

// Uniform01 draws U in the open interval (0, 1) from the thread PRNG,
// avoiding exact 0 so a caller computing -mean*ln(U) never takes ln(0).
func (s *State) Uniform01() float64 {
	v := s.next() >> 11 // 53 bits of entropy, matching float64's mantissa
	u := float64(v) / float64(uint64(1)<<53)
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	return u
}

// NextInterval draws the next sampling interval from Exp(lambda = 1/mean)
// via -mean * ln(U).
func (s *State) NextInterval(meanIntervalBytes int64) int64 {
	u := s.Uniform01()
	interval := -float64(meanIntervalBytes) * math.Log(u)
	if interval < 0 {
		interval = 0
	}
	return int64(interval)
}

// Registry owns the goroutine-id-keyed map of States, plus the stack-bounds
// collaborator used to populate new States on first touch.
type Registry struct {
	states      sync.Map // goroutine id (uint64) -> *State
	stackBounds StackBoundsFunc
	seed        uint64 // base seed mixed with goroutine id for gen init
}

// NewRegistry builds a Registry. stackBounds may be nil, in which case
// States are created with a zero stack range (callers must then treat the
// stack-copy step as best-effort/unbounded).
func NewRegistry(stackBounds StackBoundsFunc, seed uint64) *Registry {
	if seed == 0 {
		seed = 0x9E3779B97F4A7C15
	}
	return &Registry{stackBounds: stackBounds, seed: seed}
}

// GetOrCreate returns this goroutine's State, constructing and caching one
// on first touch. The second return value is false if construction failed
// (there is currently no failure path in this pure-Go port, but the
// return shape matches the "missing TLS" error kind named by the error
// taxonomy, so a caller that someday wraps allocation can treat ok==false
// as "defer to the raw allocator permanently for this thread").
func (r *Registry) GetOrCreate() (*State, bool) {
	gid := goroutineID()
	if v, found := r.states.Load(gid); found {
		return v.(*State), true
	}
	s := &State{
		TID:               gid,
		AllocationAllowed: true,
		gen:               r.seed ^ gid,
	}
	if r.stackBounds != nil {
		lo, hi := r.stackBounds()
		s.StackLow, s.StackHigh = lo, hi
		s.stackBoundsSet = true
	}
	actual, _ := r.states.LoadOrStore(gid, s)
	return actual.(*State), true
}

// StackBounds returns the memoized bounds for s, querying the Registry's
// collaborator exactly once per goroutine.
func (r *Registry) StackBounds(s *State) (lo, hi uintptr) {
	if s.stackBoundsSet {
		return s.StackLow, s.StackHigh
	}
	if r.stackBounds != nil {
		lo, hi = r.stackBounds()
		s.StackLow, s.StackHigh = lo, hi
		s.stackBoundsSet = true
	}
	return s.StackLow, s.StackHigh
}

// Delete drops a goroutine's State, e.g. once its exit is observed by a
// collaborator that tracks goroutine lifetime (this package has no such
// collaborator itself: Go provides no goroutine-exit notification, so
// States for goroutines that never call a hook again accumulate until the
// process ends, the same trade-off the teacher's own goroutine-context map
// makes).
func (r *Registry) Delete(s *State) {
	r.states.Delete(s.TID)
}

// goroutineID returns an id unique to the calling goroutine. Go exposes no
// supported API for this, so — matching the teacher's own
// getGoroutineIDSlow — it parses the id out of runtime.Stack's header
// line. GetOrCreate calls it on every hook entry to look up the State; the
// State is memoized per goroutine, the id itself is not, so the parsing
// cost is paid on every call.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	b := buf[:n]
	if len(b) <= len(prefix) {
		return 0
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

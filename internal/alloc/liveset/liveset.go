// Package liveset implements the live-address table: a sharded,
// open-addressed, lock-free set of currently tracked heap addresses. It
// exists to deduplicate sampled allocations and to gate the free hook so
// that only addresses that were actually sampled at alloc time produce a
// paired Free event.
//
// The design mirrors a sharded CAS-based hash set: shards are installed
// lazily (compare-and-swap, loser defers to the winner), each shard is a
// flat array of atomic address-sized slots holding EMPTY, DELETED, or a
// tracked address, and every operation is lock-free, bounded by a fixed
// probe distance.
package liveset

import (
	"sync/atomic"
)

const (
	// Empty marks a slot that has never held an address.
	Empty uintptr = 0
	// Deleted marks a slot whose prior occupant was removed. It is a
	// tombstone: probing must continue past it rather than stop, since a
	// displaced entry may still live further along the probe sequence.
	Deleted = ^uintptr(0)
)

// maxLoadFactorPercent bounds how full a shard may become before Add
// refuses further inserts into it, matching the 60% load factor chosen to
// keep worst-case probe distance low under the fixed probe bound.
const maxLoadFactorPercent = 60

// Config parameterizes table geometry. Zero values fall back to the
// defaults named in the option table: 64 shards of 16384 slots, probe limit
// 32.
type Config struct {
	Shards     int // K, power of two, default 64
	ShardSlots int // N, power of two, default 16384
	ProbeLimit int // P, default 32
}

func (c Config) normalize() Config {
	if c.Shards <= 0 {
		c.Shards = 64
	}
	if c.ShardSlots <= 0 {
		c.ShardSlots = 16384
	}
	if c.ProbeLimit <= 0 {
		c.ProbeLimit = 32
	}
	return c
}

// shard is one flat open-addressed table of atomic slots.
type shard struct {
	slots       []atomic.Uintptr
	count       atomic.Int64
	mask        uint32
	maxCapacity int64
}

func newShard(n int) *shard {
	s := &shard{
		slots:       make([]atomic.Uintptr, n),
		mask:        uint32(n - 1),
		maxCapacity: int64(n) * maxLoadFactorPercent / 100,
	}
	return s
}

// Table is the concurrent, sharded live-address set described in the data
// model. The zero value is not usable; construct with New.
type Table struct {
	shards []atomic.Pointer[shard]
	cfg    Config
}

// New builds a Table with the given configuration. Shards are not
// materialized until first insert.
func New(cfg Config) *Table {
	cfg = cfg.normalize()
	return &Table{
		shards: make([]atomic.Pointer[shard], cfg.Shards),
		cfg:    cfg,
	}
}

// hash mixes addr into a 64-bit value used to pick both shard and slot.
// Uses the same MurmurHash3-style mixer as the sampler. The slot index is
// taken from the low 32 bits, the same bits the sampler masks, so slot
// choice is not independent of the sampling decision.
//
//go:nosplit
func hash(addr uintptr) uint64 {
	h := uint64(addr) >> 4
	h *= 0x9E3779B97F4A7C15
	h ^= h >> 32
	h *= 0x85EBCA77C2B2AE63
	h ^= h >> 32
	return h
}

// getOrInstallShard returns the shard for index idx, lazily CAS-installing
// one if absent. On a losing race the loser's allocation is simply
// discarded (Go's GC reclaims it); the winner's shard is adopted.
func (t *Table) getOrInstallShard(idx uint32) *shard {
	slot := &t.shards[idx]
	if s := slot.Load(); s != nil {
		return s
	}
	candidate := newShard(t.cfg.ShardSlots)
	if slot.CompareAndSwap(nil, candidate) {
		return candidate
	}
	return slot.Load()
}

// Add inserts addr, returning true iff it was newly inserted. EMPTY and
// DELETED are rejected immediately. Wait-free, bounded by the configured
// probe limit.
//
//go:nosplit
func (t *Table) Add(addr uintptr) bool {
	if addr == Empty || addr == Deleted {
		return false
	}
	h := hash(addr)
	shardIdx := uint32(h>>32) % uint32(len(t.shards))
	s := t.getOrInstallShard(shardIdx)

	if s.count.Load() >= s.maxCapacity {
		return false
	}

	slotIdx := uint32(h) & s.mask
	for i := 0; i < t.cfg.ProbeLimit; i++ {
		cell := &s.slots[slotIdx]
		current := cell.Load()
		switch current {
		case Empty, Deleted:
			if cell.CompareAndSwap(current, addr) {
				s.count.Add(1)
				return true
			}
			// Lost the race for this slot: reload and re-examine the SAME
			// slot rather than restarting the probe sequence.
			now := cell.Load()
			if now == addr {
				return false // a concurrent Add beat us to it
			}
			// Different occupant now: continue probing from here.
		case addr:
			return false
		}
		slotIdx = (slotIdx + 1) & s.mask
	}
	return false
}

// Remove deletes addr, returning true iff it was present and is now
// removed. EMPTY and DELETED are rejected immediately.
//
//go:nosplit
func (t *Table) Remove(addr uintptr) bool {
	if addr == Empty || addr == Deleted {
		return false
	}
	h := hash(addr)
	shardIdx := uint32(h>>32) % uint32(len(t.shards))
	s := t.shards[shardIdx].Load()
	if s == nil {
		return false
	}

	slotIdx := uint32(h) & s.mask
	for i := 0; i < t.cfg.ProbeLimit; i++ {
		cell := &s.slots[slotIdx]
		current := cell.Load()
		switch current {
		case Empty:
			return false
		case Deleted:
			// tombstone: a displaced entry may be further along, keep probing
		case addr:
			if cell.CompareAndSwap(addr, Deleted) {
				s.count.Add(-1)
				return true
			}
			return false // a concurrent Remove already claimed it
		}
		slotIdx = (slotIdx + 1) & s.mask
	}
	return false
}

// Count returns an approximate lower bound on the number of live entries.
// Reads shard counters with relaxed ordering; callers must not treat this
// as exact under concurrent mutation.
func (t *Table) Count() int {
	var total int64
	for i := range t.shards {
		if s := t.shards[i].Load(); s != nil {
			total += s.count.Load()
		}
	}
	return int(total)
}

// ActiveShards returns the number of shards materialized so far.
func (t *Table) ActiveShards() int {
	n := 0
	for i := range t.shards {
		if t.shards[i].Load() != nil {
			n++
		}
	}
	return n
}

// Clear resets every materialized shard's slots and counters to empty.
// Callers must guarantee no concurrent Add/Remove is in flight: unlike Add
// and Remove, Clear is not safe to run alongside live producers.
func (t *Table) Clear() {
	for i := range t.shards {
		s := t.shards[i].Load()
		if s == nil {
			continue
		}
		for j := range s.slots {
			s.slots[j].Store(Empty)
		}
		s.count.Store(0)
	}
}

// Package alloc is the public entry point for the allocation-tracking
// core: stateless address sampling, a concurrent bounded live-address
// table, per-thread bookkeeping, context capture, and a value-ordered
// producer linearizer, orchestrated behind Alloc/Free/Realloc/Calloc hook
// methods that a caller installs in place of its own allocator's entry
// points.
//
// Example (wrapping a user-level allocator):
//
//	tracker := alloc.New(myRawAllocator,
//	    alloc.WithSamplingRate(sampler.Every8),
//	    alloc.WithOnEvent(func(ev alloc.Event) {
//	        encoder.Encode(ev)
//	    }),
//	)
//	defer tracker.Shutdown(context.Background())
//
//	ptr := tracker.Alloc(size)
//	...
//	tracker.Free(ptr)
package alloc

import (
	"context"

	"github.com/dd-trace/allocprof/internal/alloc/event"
	"github.com/dd-trace/allocprof/internal/alloc/hook"
)

// RawAllocator is the collaborator a Tracker defers every actual memory
// operation to: raw_malloc/raw_calloc/raw_realloc/raw_free resolved once
// by the caller.
type RawAllocator = hook.RawAllocator

// Event is the record delivered to a Tracker's OnEvent callback for every
// sampled allocation or free.
type Event = event.Allocation

// Kind distinguishes an Alloc event from a Free event.
type Kind = event.Kind

const (
	Alloc = event.Alloc
	Free  = event.Free
)

// Tracker is the allocation-tracking core. Construct with New.
type Tracker struct {
	h *hook.Hooks
}

// New builds a Tracker wrapping raw, applying opts on top of the defaults
// named in the configuration option table (sampling_rate=Every512,
// mean_interval_bytes=512 KiB, shards=64, shard_slots=16384, probe_limit=32,
// stack_capture_bytes=8192). The returned Tracker's background consumer is
// already running; call Shutdown to stop it.
func New(raw RawAllocator, opts ...Option) *Tracker {
	c := newConfig(opts)
	return &Tracker{h: hook.New(c.toHookConfig(raw))}
}

func (c config) wrapOnEvent() func(event.Allocation) {
	if c.onEvent == nil {
		return nil
	}
	return func(ev event.Allocation) { c.onEvent(ev) }
}

// Alloc tracks a single allocation of size bytes, delegating the actual
// allocation to the configured RawAllocator. Safe to call concurrently
// from any number of goroutines.
func (t *Tracker) Alloc(size uint64) uintptr { return t.h.Alloc(size) }

// Free tracks a deallocation, delegating to the configured RawAllocator.
func (t *Tracker) Free(ptr uintptr) { t.h.Free(ptr) }

// Realloc tracks a resize, delegating to the configured RawAllocator. See
// hook.Hooks.Realloc for the free-then-alloc composition semantics.
func (t *Tracker) Realloc(ptr uintptr, size uint64) uintptr { return t.h.Realloc(ptr, size) }

// Calloc tracks a zeroed allocation of nmemb*size bytes.
func (t *Tracker) Calloc(nmemb, size uint64) uintptr { return t.h.Calloc(nmemb, size) }

// AlignedAlloc, PosixMemalign and Memalign cover the C library's
// alignment-aware allocation variants, sharing Alloc's hook body.
func (t *Tracker) AlignedAlloc(alignment, size uint64) uintptr {
	return t.h.AlignedAlloc(alignment, size)
}
func (t *Tracker) PosixMemalign(alignment, size uint64) uintptr {
	return t.h.PosixMemalign(alignment, size)
}
func (t *Tracker) Memalign(alignment, size uint64) uintptr { return t.h.Memalign(alignment, size) }

// LiveCount returns an approximate lower bound on the number of currently
// tracked live addresses.
func (t *Tracker) LiveCount() int { return t.h.LiveCount() }

// Shutdown asks the background consumer to drain pending events and exit.
func (t *Tracker) Shutdown(ctx context.Context) error { return t.h.Shutdown(ctx) }

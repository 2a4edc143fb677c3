// Package hook implements the allocation hook core: the outermost layer a
// caller installs in place of malloc/calloc/realloc/free (or, in pure Go,
// in place of calls into a user-level allocator it controls). It
// orchestrates the address sampler, live-address table, thread-local
// state, context capture and producer linearizer named by the other
// packages under internal/alloc.
package hook

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dd-trace/allocprof/internal/alloc/capture"
	"github.com/dd-trace/allocprof/internal/alloc/event"
	"github.com/dd-trace/allocprof/internal/alloc/linearizer"
	"github.com/dd-trace/allocprof/internal/alloc/liveset"
	"github.com/dd-trace/allocprof/internal/alloc/metrics"
	"github.com/dd-trace/allocprof/internal/alloc/sampler"
	"github.com/dd-trace/allocprof/internal/alloc/tlsstate"
)

// RawAllocator is the collaborator the hook core defers to for the actual
// memory operation: raw_malloc/raw_calloc/raw_realloc/raw_free, resolved
// once by the caller (e.g. via cgo + dlsym outside this module, or a
// user-level arena the caller already owns) and never re-resolved. Pointers
// are represented as uintptr so this package never needs cgo or unsafe to
// depend on a concrete allocator, which is what makes property P8 (a raw
// allocator that itself calls back into Malloc) straightforward to express
// as a test double.
type RawAllocator interface {
	Malloc(size uint64) uintptr
	Calloc(nmemb, size uint64) uintptr
	Realloc(ptr uintptr, size uint64) uintptr
	Free(ptr uintptr)
}

// Clock resolves the monotonic timestamp used as the Producer Linearizer's
// ordering key, mirroring the now_ns collaborator.
type Clock func() uint64

func defaultClock() uint64 { return uint64(time.Now().UnixNano()) }

// Config parameterizes a Hooks instance. Zero-value fields fall back to
// the defaults named in the external-interfaces option table.
type Config struct {
	Raw RawAllocator

	SamplingRate          sampler.Rate
	SamplingPolicy        sampler.Policy
	MeanIntervalBytes     int64
	Shards                int
	ShardSlots            int
	ProbeLimit            int
	StackCaptureBytes     int
	ProducerShards        int // number of parallel producer-linearizer instances ("per-CPU" producers)
	ProducerSlotsPerShard int

	StackBounds tlsstate.StackBoundsFunc
	Clock       Clock
	OnEvent     func(event.Allocation)

	Logger  *zap.Logger
	Metrics metrics.Sink
}

func (c Config) normalize() Config {
	if c.MeanIntervalBytes <= 0 {
		c.MeanIntervalBytes = 512 * 1024
	}
	if c.StackCaptureBytes <= 0 {
		c.StackCaptureBytes = 8192
	}
	if c.ProducerShards <= 0 {
		c.ProducerShards = runtime.GOMAXPROCS(0)
	}
	if c.ProducerSlotsPerShard <= 0 {
		c.ProducerSlotsPerShard = 256
	}
	if c.Clock == nil {
		c.Clock = defaultClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop
	}
	return c
}

// producerShard is one instance of the Producer Linearizer plus the
// parallel value/event backing arrays and the free-slot stack that lets
// Push find an unoccupied index. Push and Pop on the same shard must be
// externally serialized, hence the mutex: one logical producer, one
// logical consumer, matching the source's stated contract.
type producerShard struct {
	mu     sync.Mutex
	lin    *linearizer.Linearizer
	values []uint64
	events []event.Allocation
	free   []int
}

func newProducerShard(n int) *producerShard {
	values := make([]uint64, n)
	free := make([]int, n)
	for i := range free {
		free[i] = n - 1 - i // pop from the end; order is irrelevant
	}
	return &producerShard{
		lin:    linearizer.Init(values),
		values: values,
		events: make([]event.Allocation, n),
		free:   free,
	}
}

// push installs ev, keyed by ev.Period, into a free slot. Returns false
// (producer-linearizer out-of-space) if the shard has no free slot.
func (p *producerShard) push(ev event.Allocation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.values[idx] = ev.Period
	p.events[idx] = ev
	return p.lin.Push(idx)
}

// drain pops every currently available event from the shard and invokes fn
// for each, in value order, returning the slot to the free stack.
func (p *producerShard) drain(fn func(event.Allocation)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		idx, ok := p.lin.Pop()
		if !ok {
			return
		}
		fn(p.events[idx])
		p.free = append(p.free, idx)
	}
}

// Hooks is the allocation hook core. Construct with New; call Alloc/Free/
// Realloc/Calloc (and the memalign-family wrappers) from the positions a
// caller would otherwise call straight into libc.
type Hooks struct {
	cfg     Config
	sampler sampler.Sampler
	live    *liveset.Table
	tls     *tlsstate.Registry

	shards    []*producerShard
	nextShard atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	group    *errgroup.Group
}

// New builds a Hooks instance and starts its background consumer, which
// drains the producer shards and invokes cfg.OnEvent. The caller must call
// Shutdown to stop the consumer.
func New(cfg Config) *Hooks {
	cfg = cfg.normalize()
	h := &Hooks{
		cfg:     cfg,
		sampler: sampler.New(cfg.SamplingRate),
		live: liveset.New(liveset.Config{
			Shards:     cfg.Shards,
			ShardSlots: cfg.ShardSlots,
			ProbeLimit: cfg.ProbeLimit,
		}),
		tls:    tlsstate.NewRegistry(cfg.StackBounds, 0),
		stopCh: make(chan struct{}),
	}
	h.shards = make([]*producerShard, cfg.ProducerShards)
	for i := range h.shards {
		h.shards[i] = newProducerShard(cfg.ProducerSlotsPerShard)
	}

	g, _ := errgroup.WithContext(context.Background())
	h.group = g
	g.Go(h.consume)

	cfg.Logger.Info("allocation hook core started",
		zap.Int("sampling_rate", int(cfg.SamplingRate)),
		zap.Int64("mean_interval_bytes", cfg.MeanIntervalBytes),
		zap.Int("shards", cfg.Shards),
		zap.Int("producer_shards", cfg.ProducerShards),
	)
	return h
}

// Shutdown asks the consumer to drain remaining events and exit, waiting
// up to ctx's deadline.
func (h *Hooks) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	done := make(chan error, 1)
	go func() { done <- h.group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			h.cfg.Logger.Warn("allocation hook core consumer exited with error", zap.Error(err))
		}
		return err
	case <-ctx.Done():
		h.cfg.Logger.Warn("allocation hook core shutdown deadline exceeded")
		return ctx.Err()
	}
}

func (h *Hooks) consume() error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			h.drainAll()
			return nil
		case <-ticker.C:
			h.drainAll()
		}
	}
}

func (h *Hooks) drainAll() {
	for _, sh := range h.shards {
		sh.drain(func(ev event.Allocation) {
			if h.cfg.OnEvent != nil {
				h.cfg.OnEvent(ev)
			}
		})
	}
}

// pickShard assigns a producer shard to the current hook entry. Go offers
// no portable "current CPU id", so shards are round-robined instead of
// pinned to a CPU the way the source's per-CPU producers are.
func (h *Hooks) pickShard() *producerShard {
	idx := h.nextShard.Add(1) % uint64(len(h.shards))
	return h.shards[idx]
}

func (h *Hooks) emit(kind event.Kind, tid uint64, addr, size uint64, regs capture.Regs, stack []byte, truncated bool) {
	ev := event.Allocation{
		Kind:      kind,
		TID:       uint32(tid),
		Addr:      addr,
		Size:      size,
		Period:    h.cfg.Clock(),
		StackLen:  uint32(len(stack)),
		Stack:     stack,
		Truncated: truncated,
	}
	for i := 0; i < capture.RegisterCount && i < event.RegisterCount; i++ {
		ev.Regs[i] = regs[i]
	}
	if !h.pickShard().push(ev) {
		h.cfg.Metrics.IncLinearizerOutOfSpace()
	}
}

// Alloc implements the ten-step alloc algorithm: guard re-entry, defer to
// the raw allocator, track the variable-rate sampling counter, and on a
// sampled, newly-tracked address, capture context and enqueue an event.
func (h *Hooks) Alloc(size uint64) uintptr {
	st, ok := h.tls.GetOrCreate()
	if !ok {
		h.cfg.Metrics.IncMissingTLS()
		return h.cfg.Raw.Malloc(size)
	}
	if st.ReentryGuard || !st.AllocationAllowed {
		h.cfg.Metrics.IncWouldRecurse()
		return h.cfg.Raw.Malloc(size)
	}

	st.ReentryGuard = true
	defer func() { st.ReentryGuard = false }()

	ptr := h.cfg.Raw.Malloc(size)
	if ptr == 0 {
		return ptr
	}

	if !st.RemainingBytesInitialized {
		st.RemainingBytes = st.NextInterval(h.cfg.MeanIntervalBytes)
		st.RemainingBytesInitialized = true
	}
	st.RemainingBytes -= int64(size)
	if st.RemainingBytes > 0 {
		return ptr
	}
	st.RemainingBytes = st.NextInterval(h.cfg.MeanIntervalBytes)

	if !h.sampler.Apply(h.cfg.SamplingPolicy, ptr) {
		return ptr
	}
	if !h.live.Add(ptr) {
		h.cfg.Metrics.IncSaturation()
		return ptr
	}

	buf := make([]byte, h.cfg.StackCaptureBytes)
	lo, hi := h.tls.StackBounds(st)
	var regs capture.Regs
	var copied int
	var truncated bool
	if hi > lo {
		regs, copied, truncated = capture.CaptureWithBounds(buf, hi)
	} else {
		regs, copied, truncated = capture.Capture(buf)
	}
	if truncated {
		h.cfg.Metrics.IncCaptureTruncated()
	}
	h.emit(event.Alloc, st.TID, uint64(ptr), size, regs, buf[:copied], truncated)
	return ptr
}

// Free implements the five-step free algorithm.
func (h *Hooks) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	st, ok := h.tls.GetOrCreate()
	if !ok {
		h.cfg.Metrics.IncMissingTLS()
		h.cfg.Raw.Free(ptr)
		return
	}
	if st.ReentryGuard {
		h.cfg.Metrics.IncWouldRecurse()
		h.cfg.Raw.Free(ptr)
		return
	}
	st.ReentryGuard = true
	defer func() { st.ReentryGuard = false }()

	h.cfg.Raw.Free(ptr)

	if !h.sampler.Apply(h.cfg.SamplingPolicy, ptr) {
		return
	}
	if h.live.Remove(ptr) {
		h.emit(event.Free, st.TID, uint64(ptr), 0, capture.Regs{}, nil, false)
	}
}

// Realloc is defined compositionally: a Free of the old pointer followed
// by an Alloc of the new size, matching the source's "free-of-old +
// alloc-of-new pair when the backing pointer moves" rule. When the
// backing allocator keeps the pointer in place, the raw allocator call is
// still a single realloc (the hook logic only needs the before/after
// pointers to decide whether the live-address bookkeeping must move).
func (h *Hooks) Realloc(ptr uintptr, size uint64) uintptr {
	if ptr == 0 {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(ptr)
		return 0
	}

	st, ok := h.tls.GetOrCreate()
	if !ok || st.ReentryGuard || !st.AllocationAllowed {
		return h.cfg.Raw.Realloc(ptr, size)
	}

	st.ReentryGuard = true
	defer func() { st.ReentryGuard = false }()

	wasSampled := h.sampler.Apply(h.cfg.SamplingPolicy, ptr)

	newPtr := h.cfg.Raw.Realloc(ptr, size)
	if newPtr == 0 {
		return newPtr
	}

	if newPtr == ptr {
		// Backing pointer unchanged: the live-set entry, if any, is still
		// correct as-is. No events needed.
		return newPtr
	}

	// The allocator moved the block: this is exactly the free-of-old +
	// alloc-of-new pair the source describes. The new-pointer half goes
	// through trackAllocated so it is gated by RemainingBytes/NextInterval
	// the same way every other alloc path is, not just the sampler check.
	if wasSampled && h.live.Remove(ptr) {
		h.emit(event.Free, st.TID, uint64(ptr), 0, capture.Regs{}, nil, false)
	}

	h.trackAllocated(st, newPtr, size)
	return newPtr
}

// Calloc is an Alloc of nmemb*size followed by the raw allocator's own
// zero-fill; the hook never zeroes memory itself.
func (h *Hooks) Calloc(nmemb, size uint64) uintptr {
	st, ok := h.tls.GetOrCreate()
	if !ok || st.ReentryGuard || !st.AllocationAllowed {
		return h.cfg.Raw.Calloc(nmemb, size)
	}
	// The raw allocator owns the actual zero-fill semantics; re-use Alloc's
	// bookkeeping by issuing the request through Raw.Calloc instead of
	// Raw.Malloc so size accounting matches what was actually allocated.
	total := nmemb * size
	ptrRaw := h.cfg.Raw.Calloc(nmemb, size)
	if ptrRaw == 0 {
		return ptrRaw
	}
	h.trackAllocated(st, ptrRaw, total)
	return ptrRaw
}

// AlignedAlloc, PosixMemalign and Memalign share Alloc's hook body: partial
// coverage of the C library's alignment-aware allocation variants must
// exist, per the source, but all funnel through the same bookkeeping.
func (h *Hooks) AlignedAlloc(alignment, size uint64) uintptr  { return h.Alloc(size) }
func (h *Hooks) PosixMemalign(alignment, size uint64) uintptr { return h.Alloc(size) }
func (h *Hooks) Memalign(alignment, size uint64) uintptr      { return h.Alloc(size) }

// trackAllocated runs the sampling/live-set/capture steps shared by Realloc
// and Calloc once the raw allocation has already happened (Alloc runs the
// same steps inline).
func (h *Hooks) trackAllocated(st *tlsstate.State, ptr uintptr, size uint64) {
	st.ReentryGuard = true
	defer func() { st.ReentryGuard = false }()

	if !st.RemainingBytesInitialized {
		st.RemainingBytes = st.NextInterval(h.cfg.MeanIntervalBytes)
		st.RemainingBytesInitialized = true
	}
	st.RemainingBytes -= int64(size)
	if st.RemainingBytes > 0 {
		return
	}
	st.RemainingBytes = st.NextInterval(h.cfg.MeanIntervalBytes)

	if !h.sampler.Apply(h.cfg.SamplingPolicy, ptr) {
		return
	}
	if !h.live.Add(ptr) {
		h.cfg.Metrics.IncSaturation()
		return
	}

	buf := make([]byte, h.cfg.StackCaptureBytes)
	lo, hi := h.tls.StackBounds(st)
	var regs capture.Regs
	var copied int
	var truncated bool
	if hi > lo {
		regs, copied, truncated = capture.CaptureWithBounds(buf, hi)
	} else {
		regs, copied, truncated = capture.Capture(buf)
	}
	if truncated {
		h.cfg.Metrics.IncCaptureTruncated()
	}
	h.emit(event.Alloc, st.TID, uint64(ptr), size, regs, buf[:copied], truncated)
}

// LiveCount exposes the live-address table's approximate entry count, for
// diagnostics and tests.
func (h *Hooks) LiveCount() int { return h.live.Count() }

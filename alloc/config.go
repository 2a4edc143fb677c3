package alloc

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dd-trace/allocprof/internal/alloc/hook"
	"github.com/dd-trace/allocprof/internal/alloc/metrics"
	"github.com/dd-trace/allocprof/internal/alloc/sampler"
)

// config collects every accepted option. All fields are set once at New
// and never mutated afterward.
type config struct {
	samplingRate      sampler.Rate
	samplingPolicy    sampler.Policy
	meanIntervalBytes int64
	shards            int
	shardSlots        int
	probeLimit        int
	stackCaptureBytes int

	stackBounds func() (lo, hi uintptr)
	onEvent     func(Event)

	logger   *zap.Logger
	registry *prometheus.Registry
}

// Option configures a Tracker at construction time.
type Option func(*config)

// WithSamplingRate sets the base sampling rate (one of sampler.Every1 ..
// sampler.Every512). Default: sampler.Every512.
func WithSamplingRate(rate sampler.Rate) Option {
	return func(c *config) { c.samplingRate = rate }
}

// WithSamplingPolicy selects which address-sampling predicate variant is
// applied. Default: sampler.Uniform.
func WithSamplingPolicy(policy sampler.Policy) Option {
	return func(c *config) { c.samplingPolicy = policy }
}

// WithMeanIntervalBytes sets lambda^-1 for the per-thread exponential
// interval draw. Default: 512 KiB.
func WithMeanIntervalBytes(n int64) Option {
	return func(c *config) { c.meanIntervalBytes = n }
}

// WithShards sets the number of live-address table shards (K). Default: 64.
func WithShards(k int) Option {
	return func(c *config) { c.shards = k }
}

// WithShardSlots sets the per-shard slot count (N). Default: 16384.
func WithShardSlots(n int) Option {
	return func(c *config) { c.shardSlots = n }
}

// WithProbeLimit sets the maximum linear-probe distance per operation (P).
// Default: 32.
func WithProbeLimit(p int) Option {
	return func(c *config) { c.probeLimit = p }
}

// WithStackCaptureBytes sets the upper bound on per-event stack copies.
// Default: 8192.
func WithStackCaptureBytes(n int) Option {
	return func(c *config) { c.stackCaptureBytes = n }
}

// WithStackBounds supplies the get_thread_stack_bounds collaborator: a
// function returning the calling thread's user-stack address range.
func WithStackBounds(f func() (lo, hi uintptr)) Option {
	return func(c *config) { c.stackBounds = f }
}

// WithOnEvent registers the callback invoked by the consumer goroutine for
// every emitted Alloc/Free event.
func WithOnEvent(f func(Event)) Option {
	return func(c *config) { c.onEvent = f }
}

// WithLogger sets the structured logger used for startup and degradation
// diagnostics. Default: a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithMetricsRegistry enables Prometheus-backed diagnostic counters
// registered against reg. Without this option, metrics are a zero-cost
// no-op.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

func newConfig(opts []Option) config {
	c := config{
		samplingRate:      sampler.Every512,
		samplingPolicy:    sampler.Uniform,
		meanIntervalBytes: 512 * 1024,
		shards:            64,
		shardSlots:        16384,
		probeLimit:        32,
		stackCaptureBytes: 8192,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c config) toHookConfig(raw hook.RawAllocator) hook.Config {
	var sink metrics.Sink = metrics.Noop
	if c.registry != nil {
		sink = metrics.NewPrometheusSink(c.registry)
	}
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return hook.Config{
		Raw:               raw,
		SamplingRate:      c.samplingRate,
		SamplingPolicy:    c.samplingPolicy,
		MeanIntervalBytes: c.meanIntervalBytes,
		Shards:            c.shards,
		ShardSlots:        c.shardSlots,
		ProbeLimit:        c.probeLimit,
		StackCaptureBytes: c.stackCaptureBytes,
		StackBounds:       c.stackBounds,
		OnEvent:           c.wrapOnEvent(),
		Logger:            logger,
		Metrics:           sink,
	}
}

// Package metrics is a thin, optional diagnostics layer over Prometheus.
// The hook core never changes control flow based on a metric; every
// counter here is out-of-band, matching the error-handling design's "may
// increment an out-of-band counter (optional)" language. When no registry
// is supplied the no-op sink is used and the hot path pays nothing for it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the abstraction the hook core depends on; NewPrometheusSink
// supplies the Prometheus-backed implementation and Noop the no-op one.
type Sink interface {
	IncSaturation()
	IncWouldRecurse()
	IncMissingTLS()
	IncLinearizerOutOfSpace()
	IncCaptureTruncated()
}

type noopSink struct{}

func (noopSink) IncSaturation()           {}
func (noopSink) IncWouldRecurse()         {}
func (noopSink) IncMissingTLS()           {}
func (noopSink) IncLinearizerOutOfSpace() {}
func (noopSink) IncCaptureTruncated()     {}

// Noop is the zero-cost default sink.
var Noop Sink = noopSink{}

type promSink struct {
	saturation           prometheus.Counter
	wouldRecurse         prometheus.Counter
	missingTLS           prometheus.Counter
	linearizerOutOfSpace prometheus.Counter
	captureTruncated     prometheus.Counter
}

// NewPrometheusSink registers the allocation-tracking diagnostic counters
// against reg and returns a Sink backed by them.
func NewPrometheusSink(reg prometheus.Registerer) Sink {
	s := &promSink{
		saturation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocprof",
			Name:      "liveset_saturation_total",
			Help:      "Live-address table inserts dropped due to shard saturation or probe exhaustion.",
		}),
		wouldRecurse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocprof",
			Name:      "hook_would_recurse_total",
			Help:      "Hook entries that deferred to the raw allocator due to the re-entry guard.",
		}),
		missingTLS: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocprof",
			Name:      "hook_missing_tls_total",
			Help:      "Hook entries that could not construct thread-local state.",
		}),
		linearizerOutOfSpace: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocprof",
			Name:      "linearizer_out_of_space_total",
			Help:      "Events dropped because their producer slot was not free.",
		}),
		captureTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocprof",
			Name:      "capture_truncated_total",
			Help:      "Context captures truncated by the available stack region.",
		}),
	}
	reg.MustRegister(s.saturation, s.wouldRecurse, s.missingTLS, s.linearizerOutOfSpace, s.captureTruncated)
	return s
}

func (s *promSink) IncSaturation()           { s.saturation.Inc() }
func (s *promSink) IncWouldRecurse()         { s.wouldRecurse.Inc() }
func (s *promSink) IncMissingTLS()           { s.missingTLS.Inc() }
func (s *promSink) IncLinearizerOutOfSpace() { s.linearizerOutOfSpace.Inc() }
func (s *promSink) IncCaptureTruncated()     { s.captureTruncated.Inc() }

package csm

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters the client state machine increments that
// are meaningful chunk-server-wide rather than per connection. A single
// instance is shared across every ClientSM the dispatcher constructs.
type Metrics struct {
	// BadRequests counts protocol-fatal requests: an oversize header or
	// an unparseable command, per spec.md §7's "protocol fatal ...
	// increment bad_request counters."
	BadRequests prometheus.Counter
}

// NewMetrics builds a Metrics instance, registering it against reg when
// non-nil. reg may be nil (tests, or a CSM built without a registry);
// the returned counters are always safe to call, only registration is
// skipped.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bucket",
		Subsystem: "csm",
		Name:      "bad_request_total",
		Help:      "Number of requests aborted for a protocol violation (oversize header, unparseable command).",
	})
	if reg != nil {
		reg.MustRegister(counter)
	}
	return &Metrics{BadRequests: counter}
}

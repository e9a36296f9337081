// Package metrics implements pglib.MetricsSink with Prometheus
// instrumentation for the pglib-console example binary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pglib/pglib"
)

// Collector holds every Prometheus metric pglib-console exposes. It
// implements pglib.MetricsSink, so a Conn can be handed one directly.
type Collector struct {
	Registry *prometheus.Registry

	requestsCompleted *prometheus.CounterVec
	authFailures      prometheus.Counter
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
	inFlight          prometheus.Gauge
}

// New creates and registers all metrics against a fresh registry. Safe to
// call more than once (e.g. on config reload): each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		requestsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pglib_requests_completed_total",
				Help: "Completed requests by result status",
			},
			[]string{"status"},
		),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pglib_auth_failures_total",
			Help: "Authentication submachine failures",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pglib_bytes_read_total",
			Help: "Bytes read from the backend",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pglib_bytes_written_total",
			Help: "Bytes written to the backend",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pglib_requests_in_flight",
			Help: "1 while a request occupies the connection's in-flight slot, else 0",
		}),
	}

	reg.MustRegister(
		c.requestsCompleted,
		c.authFailures,
		c.bytesRead,
		c.bytesWritten,
		c.inFlight,
	)

	return c
}

// ObserveRequestCompleted implements pglib.MetricsSink.
func (c *Collector) ObserveRequestCompleted(status pglib.ResultStatus) {
	c.requestsCompleted.WithLabelValues(status.String()).Inc()
}

// ObserveAuthFailure implements pglib.MetricsSink.
func (c *Collector) ObserveAuthFailure() {
	c.authFailures.Inc()
}

// ObserveBytes implements pglib.MetricsSink.
func (c *Collector) ObserveBytes(read, written int) {
	if read > 0 {
		c.bytesRead.Add(float64(read))
	}
	if written > 0 {
		c.bytesWritten.Add(float64(written))
	}
}

// SetInFlight implements pglib.MetricsSink.
func (c *Collector) SetInFlight(n int) {
	c.inFlight.Set(float64(n))
}

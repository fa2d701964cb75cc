// Package metrics collects Prometheus metrics for API calls, rate-limiter
// queueing and transferred bytes. A nil *Collectors is valid and records
// nothing, so components can be built without metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeRetried = "retried"
)

// Collectors holds every breadfs metric.
type Collectors struct {
	apiRequests   *prometheus.CounterVec
	limiterWait   *prometheus.HistogramVec
	transferBytes *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breadfs_api_requests_total",
				Help: "Cloud drive API requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		limiterWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "breadfs_ratelimit_wait_seconds",
				Help: "Time spent queued in the per-account rate limiter",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					2.5,   // 2.5s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
			[]string{"class"},
		),
		transferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "breadfs_transfer_bytes_total",
				Help: "Bytes moved by uploads, downloads and cross-backend copies",
			},
			[]string{"direction"},
		),
	}
}

// ObserveRequest counts one API request.
func (c *Collectors) ObserveRequest(endpoint, outcome string) {
	if c == nil {
		return
	}

	c.apiRequests.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveWait records time spent waiting for a rate-limiter slot.
func (c *Collectors) ObserveWait(class string, d time.Duration) {
	if c == nil {
		return
	}

	c.limiterWait.WithLabelValues(class).Observe(d.Seconds())
}

// AddTransferBytes adds n bytes to the direction counter.
func (c *Collectors) AddTransferBytes(direction string, n int64) {
	if c == nil || n <= 0 {
		return
	}

	c.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// WriteTextfile dumps every metric gathered by g to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("metrics: writing %s: %w", path, err)
	}

	return nil
}

package provider

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// streamMetrics counts retry activity across every provider in the
// process, registered once on the default registry.
type streamMetrics struct {
	Retries  prometheus.Counter
	Failures prometheus.Counter
}

var (
	streamMetricsOnce     sync.Once
	streamMetricsInstance *streamMetrics
)

func newStreamMetrics() *streamMetrics {
	streamMetricsOnce.Do(func() {
		streamMetricsInstance = &streamMetrics{
			Retries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "snow_provider_stream_retries_total",
				Help: "Stream attempts that failed and were retried",
			}),
			Failures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "snow_provider_stream_failures_total",
				Help: "Streams that exhausted every retry attempt",
			}),
		}
	})
	return streamMetricsInstance
}

func (m *streamMetrics) RecordRetry() {
	if m == nil || m.Retries == nil {
		return
	}
	m.Retries.Inc()
}

func (m *streamMetrics) RecordFailure() {
	if m == nil || m.Failures == nil {
		return
	}
	m.Failures.Inc()
}

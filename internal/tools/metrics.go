package tools

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dispatchMetrics counts tool dispatches across every dispatcher in the
// process, registered once on the default registry.
type dispatchMetrics struct {
	Dispatches *prometheus.CounterVec
}

var (
	dispatchMetricsOnce     sync.Once
	dispatchMetricsInstance *dispatchMetrics
)

func newDispatchMetrics() *dispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetricsInstance = &dispatchMetrics{
			Dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "snow_tool_dispatches_total",
				Help: "Tool calls dispatched, by tool name and status",
			}, []string{"tool", "status"}),
		}
	})
	return dispatchMetricsInstance
}

func (m *dispatchMetrics) Record(tool string, isError bool) {
	if m == nil || m.Dispatches == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	m.Dispatches.WithLabelValues(tool, status).Inc()
}

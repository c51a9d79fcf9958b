package mcpgateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the gateway collectors. A nil *metrics records nothing.
type metrics struct {
	backends     *prometheus.GaugeVec
	tools        prometheus.Gauge
	toolCalls    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	restarts     *prometheus.CounterVec
}

// registererOf avoids handing promauto a typed nil.
func registererOf(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &metrics{
		backends: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_gateway_backends",
			Help: "Number of gateway backends per connection state",
		}, []string{"state"}),
		tools: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_gateway_tools",
			Help: "Number of tools in the aggregated index",
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_gateway_tool_calls_total",
			Help: "Tool calls routed to backends by outcome",
		}, []string{"backend", "outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_gateway_tool_call_duration_seconds",
			Help:    "Latency of tool calls routed to backends",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_gateway_backend_restarts_total",
			Help: "Successful backend restarts",
		}, []string{"backend"}),
	}
}

func (m *metrics) observeTopology(backends []*BackendConnection, toolCount int) {
	if m == nil {
		return
	}
	counts := make(map[BackendState]int, len(stateNames))
	for _, conn := range backends {
		counts[conn.status.State]++
	}
	for state, name := range stateNames {
		m.backends.WithLabelValues(name).Set(float64(counts[state]))
	}
	m.tools.Set(float64(toolCount))
}

func (m *metrics) observeCall(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(backend, outcome).Inc()
	m.callDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func (m *metrics) observeRestart(backend string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(backend).Inc()
}

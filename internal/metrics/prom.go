package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpbridge_build_info",
			Help: "Build information",
		},
		[]string{"component", "date", "sha", "version"},
	)

	sessionSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_session_spawns_total",
			Help: "Child MCP server spawn attempts",
		},
		[]string{"outcome"},
	)

	sessionLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpbridge_session_live",
			Help: "Whether a child MCP session is live (1) or not (0)",
		},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_rpc_duration_seconds",
			Help:    "Duration of requests sent to the child MCP server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_tool_calls_total",
			Help: "Tool calls handled by the HTTP bridge",
		},
		[]string{"tool", "outcome"},
	)

	toolLists = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_tool_lists_total",
			Help: "Tool list requests handled by the HTTP bridge",
		},
		[]string{"outcome"},
	)

	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_proxy_requests_total",
			Help: "MCP requests handled by the stdio proxy",
		},
		[]string{"method", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionSpawns, sessionLive, rpcDuration, toolCalls, toolLists, proxyRequests)
}

// SetBuildInfo sets the build info metric for a component.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, date, sha, version).Set(1)
}

// RecordSpawn increments the spawn counter.
func RecordSpawn(success bool) {
	sessionSpawns.WithLabelValues(outcome(success)).Inc()
}

// SetSessionLive records whether a child session is live.
func SetSessionLive(live bool) {
	if live {
		sessionLive.Set(1)
		return
	}
	sessionLive.Set(0)
}

// ObserveRPC records the duration of a child MCP request. Outcome is "success"
// or an MCP error code.
func ObserveRPC(method, outcome string, d time.Duration) {
	rpcDuration.WithLabelValues(method, outcome).Observe(d.Seconds())
}

// RecordToolCall increments the tool call counter.
func RecordToolCall(tool, outcome string) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
}

// RecordToolList increments the tool list counter.
func RecordToolList(outcome string) {
	toolLists.WithLabelValues(outcome).Inc()
}

// RecordProxyRequest increments the proxy request counter.
func RecordProxyRequest(method, outcome string) {
	proxyRequests.WithLabelValues(method, outcome).Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

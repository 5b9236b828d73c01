package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the gateway
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, route and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "route", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "route", "status"},
	)

	// WSConnections is the number of registered live connections
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ws_connections", Help: "Registered WebSocket connections."},
	)
	// ChannelMembers is the subscriber count per channel
	ChannelMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "ws_channel_members", Help: "Connections subscribed per channel."},
		[]string{"channel"},
	)
	// Broadcasts counts broadcast calls per channel
	Broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_broadcasts_total", Help: "Broadcasts by channel."},
		[]string{"channel"},
	)
	// SendFailures counts failed sends that evicted a connection
	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_send_failures_total", Help: "Failed per-connection sends by channel."},
		[]string{"channel"},
	)

	// BridgeMessages counts bus messages relayed by the bridge
	BridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bridge_messages_total", Help: "Bus messages relayed to connections."},
		[]string{"channel"},
	)
	// BridgeReconnects counts failed bus subscriptions that triggered a retry
	BridgeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "bridge_reconnects_total", Help: "Bus subscription retries."},
	)
	// BusPublishFailures counts swallowed publish errors
	BusPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_publish_failures_total", Help: "Dropped bus publishes by channel."},
		[]string{"channel"},
	)

	// CacheOps counts cache lookups and writes by outcome
	CacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cache_operations_total", Help: "Cache operations by op and result."},
		[]string{"op", "result"},
	)
	// RateLimitDecisions counts limiter outcomes per rule
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "rate_limit_decisions_total", Help: "Rate limit decisions by rule and outcome."},
		[]string{"rule", "outcome"},
	)
	// BreakerState is 0 closed, 1 half-open, 2 open
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)."},
		[]string{"name"},
	)
)

// RegisterDefault registers all collectors on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			WSConnections, ChannelMembers, Broadcasts, SendFailures,
			BridgeMessages, BridgeReconnects, BusPublishFailures,
			CacheOps, RateLimitDecisions, BreakerState,
		)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

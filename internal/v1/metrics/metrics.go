package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the TinChat server.
//
// Naming convention: namespace_subsystem_name
// - namespace: tinchat (application-level grouping)
// - subsystem: websocket, room, matchmaker, cache, redis, circuit_breaker,
//   rate_limit (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, queue depth)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (match time, processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active chat rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// MatchmakerQueueDepth tracks the current size of each chat-type queue (GaugeVec)
	MatchmakerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "matchmaker",
		Name:      "queue_depth",
		Help:      "Current number of entries waiting in the matchmaker queue",
	}, []string{"chat_type"})

	// MatchmakerMatchesTotal tracks successful pairings (CounterVec)
	MatchmakerMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "matchmaker",
		Name:      "matches_total",
		Help:      "Total number of successful matchmaker pairings",
	}, []string{"chat_type"})

	// MatchmakerWaitSeconds tracks time spent in queue before a match (HistogramVec)
	MatchmakerWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "matchmaker",
		Name:      "wait_seconds",
		Help:      "Time a user spent queued before being matched",
		Buckets:   prometheus.DefBuckets,
	}, []string{"chat_type"})

	// MatchmakerStaleSweptTotal tracks entries evicted by the stale sweep,
	// by chat type and eviction reason (CounterVec - cumulative)
	MatchmakerStaleSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "matchmaker",
		Name:      "stale_swept_total",
		Help:      "Total queue entries evicted by the stale sweep",
	}, []string{"chat_type", "reason"})

	// CacheOperationsTotal tracks LRU/KV cache hit and miss counts (CounterVec)
	CacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Total cache operations by tier and result",
	}, []string{"tier", "result"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tinchat",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations (CounterVec)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinchat",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations (HistogramVec)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// StoreOperationDuration tracks system-of-record query latency (HistogramVec)
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinchat",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of system-of-record operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

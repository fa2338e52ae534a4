package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the fan-out server.
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connection_rate_limited_total",
		Help: "Connection attempts rejected by the connection rate limiter",
	}, []string{"scope"})

	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_capacity_rejections_total",
		Help: "Connection attempts rejected by the resource guard",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Broadcast deliveries by outcome (direct, queued, rate_limited)",
	}, []string{"outcome"})

	// Queue metrics
	queueOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_queue_operations_total",
		Help: "Message queue operations (enqueue, dequeue, ack, nack, evict, dead_letter, expired)",
	}, []string{"op"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_queue_depth",
		Help: "Messages currently buffered across all user queues",
	})

	queuePendingAcks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_queue_pending_acks",
		Help: "Messages awaiting acknowledgement",
	})

	// Subscription metrics
	subscriptionOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_subscription_operations_total",
		Help: "Subscription store operations by kind and result",
	}, []string{"op", "result"})

	// Auth metrics
	authAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_auth_attempts_total",
		Help: "Authentication attempts by result",
	}, []string{"result"})

	suspiciousCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_suspicious_activity_closes_total",
		Help: "Connections closed due to suspicious activity",
	})

	rateLimitViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limit_violations_total",
		Help: "Per-subscription rate limit violations",
	})

	// Ingest metrics
	ingestRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_ingest_records_total",
		Help: "Events received from upstream buses by source and result",
	}, []string{"source", "result"})

	// Resource metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_usage_bytes",
		Help: "Resident memory of the process",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Host CPU usage percentage",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(connectionRateLimited)
	prometheus.MustRegister(capacityRejections)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)
	prometheus.MustRegister(broadcastsTotal)

	prometheus.MustRegister(queueOperations)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queuePendingAcks)

	prometheus.MustRegister(subscriptionOperations)
	prometheus.MustRegister(authAttempts)
	prometheus.MustRegister(suspiciousCloses)
	prometheus.MustRegister(rateLimitViolations)
	prometheus.MustRegister(ingestRecords)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(errorsTotal)
}

// Error severity levels for metrics and logging
const (
	ErrorSeverityWarning  = "warning"  // Non-critical, service continues
	ErrorSeverityCritical = "critical" // Critical but recoverable
)

// Error types for categorization
const (
	ErrorTypeConnection = "connection"
	ErrorTypeStorage    = "storage"
	ErrorTypeIngest     = "ingest"
	ErrorTypePanic      = "panic"
)

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError        = "read_error"
	DisconnectReasonClientInitiated  = "client_initiated"
	DisconnectReasonAuthTimeout      = "auth_timeout"
	DisconnectReasonAuthFailed       = "auth_failed"
	DisconnectReasonConnectionLimit  = "connection_limit"
	DisconnectReasonHeartbeatTimeout = "heartbeat_timeout"
	DisconnectReasonSessionTimeout   = "session_timeout"
	DisconnectReasonSuspicious       = "suspicious_activity"
	DisconnectReasonInternalError    = "internal_error"
	DisconnectReasonServerShutdown   = "server_shutdown"
)

// Who initiated the disconnect
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Broadcast outcomes
const (
	BroadcastDirect      = "direct"
	BroadcastQueued      = "queued"
	BroadcastOffline     = "offline"
	BroadcastRateLimited = "rate_limited"
)

// Queue operations
const (
	QueueOpEnqueue    = "enqueue"
	QueueOpDequeue    = "dequeue"
	QueueOpAck        = "ack"
	QueueOpNack       = "nack"
	QueueOpEvict      = "evict"
	QueueOpDeadLetter = "dead_letter"
	QueueOpExpired    = "expired"
	QueueOpFull       = "full"
)

func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}

func RecordConnect() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordDisconnect tracks a disconnect with reason, initiator, and duration
func RecordDisconnect(reason, initiatedBy string, duration time.Duration) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

func IncrementCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

func UpdateMessageMetrics(sent, received int64) {
	if sent > 0 {
		messagesSent.Add(float64(sent))
	}
	if received > 0 {
		messagesReceived.Add(float64(received))
	}
}

func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

func RecordBroadcast(outcome string) {
	broadcastsTotal.WithLabelValues(outcome).Inc()
}

func RecordQueueOp(op string) {
	queueOperations.WithLabelValues(op).Inc()
}

func UpdateQueueGauges(depth, pending int) {
	queueDepth.Set(float64(depth))
	queuePendingAcks.Set(float64(pending))
}

func RecordSubscriptionOp(op, result string) {
	subscriptionOperations.WithLabelValues(op, result).Inc()
}

func RecordAuthAttempt(result string) {
	authAttempts.WithLabelValues(result).Inc()
}

func IncrementSuspiciousCloses() {
	suspiciousCloses.Inc()
}

func IncrementRateLimitViolations() {
	rateLimitViolations.Inc()
}

func RecordIngest(source, result string) {
	ingestRecords.WithLabelValues(source, result).Inc()
}

func UpdateResourceMetrics(memoryBytes uint64, cpuPercent float64) {
	memoryUsageBytes.Set(float64(memoryBytes))
	cpuUsagePercent.Set(cpuPercent)
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

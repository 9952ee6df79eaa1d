package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database connection
	// ============================================
	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agent_db_connection_pool_size",
		Help: "Database connection pool size",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agent_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agent_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agent_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// NATS connection and transport
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agent_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	TransportSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_transport_sent_total",
			Help: "Total number of envelopes handed to the transport",
		},
		[]string{"role", "dst_chain"},
	)

	JournalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_journal_failures_total",
			Help: "Total number of invocations rolled back while journalling or sending",
		},
		[]string{"role"},
	)

	TransportSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_transport_send_failures_total",
			Help: "Total number of envelopes the transport refused",
		},
		[]string{"role", "dst_chain"},
	)

	// ============================================
	// Inbound messages
	// ============================================
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_messages_received_total",
			Help: "Total number of inbound messages received",
		},
		[]string{"role", "kind"},
	)

	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_messages_processed_total",
			Help: "Total number of inbound messages committed",
		},
		[]string{"role", "kind"},
	)

	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_messages_failed_total",
			Help: "Total number of inbound messages rolled back",
		},
		[]string{"role", "kind", "error_type"},
	)

	ReplaysRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_replays_rejected_total",
			Help: "Total number of deliveries rejected because the nonce was already consumed",
		},
		[]string{"role"},
	)

	FallbacksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_fallbacks_sent_total",
			Help: "Total number of fallback messages sent after failed execution or retrieval",
		},
		[]string{"role"},
	)

	ValueSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_value_swept_total",
			Help: "Total number of failed deliveries whose attached value was swept to the safety account",
		},
		[]string{"role"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_agent_processing_duration_seconds",
			Help:    "Inbound message processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role", "kind"},
	)

	// ============================================
	// Records
	// ============================================
	RecordOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_agent_record_operations_total",
			Help: "Deposit and settlement lifecycle transitions",
		},
		[]string{"record", "operation"},
	)

	OpenRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_agent_open_records",
			Help: "Open deposit and settlement records by status",
		},
		[]string{"record", "status"},
	)

	// ============================================
	// HTTP API
	// ============================================
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_agent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_agent_websocket_connections",
		Help: "Number of open event stream connections",
	})
)

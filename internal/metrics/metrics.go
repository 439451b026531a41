package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Router metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_messages_sent_total",
			Help: "Total number of messages published by the router",
		},
		[]string{"type", "office"},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_messages_delivered_total",
			Help: "Total number of messages delivered to office queues",
		},
		[]string{"office"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_messages_dropped_total",
			Help: "Messages dropped due to full queues or expiry",
		},
		[]string{"office", "reason"},
	)

	PendingResponses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unity_pending_responses",
			Help: "Number of in-flight request futures awaiting a response",
		},
	)

	RequestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_request_retries_total",
			Help: "Total request retries after timeout",
		},
	)

	RequestTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_request_timeouts_total",
			Help: "Requests that exhausted all retries",
		},
	)

	OfficeQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unity_office_queue_depth",
			Help: "Current depth of each office inbound queue",
		},
		[]string{"office"},
	)

	RegisteredOffices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unity_registered_offices",
			Help: "Number of offices currently registered with the router",
		},
	)

	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_heartbeats_sent_total",
			Help: "Total heartbeat messages emitted",
		},
	)

	// Memory graph metrics
	MemoryNodesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_memory_nodes_created_total",
			Help: "Total memory nodes created",
		},
		[]string{"office", "type"},
	)

	MemoryNodesResident = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unity_memory_nodes_resident",
			Help: "Nodes currently resident in the in-memory index",
		},
		[]string{"office"},
	)

	MemoryAccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_memory_access_denied_total",
			Help: "Memory reads refused by the consent rule",
		},
		[]string{"consent_level"},
	)

	MemorySweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_memory_sweeps_total",
			Help: "Background expiry sweep runs",
		},
	)

	MemoryExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_memory_expired_total",
			Help: "Nodes removed because their TTL elapsed",
		},
	)

	MemorySearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unity_memory_search_duration_seconds",
			Help:    "Latency of memory searches including embedding and filtering",
			Buckets: prometheus.DefBuckets,
		},
	)

	FederatedSearches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_federated_searches_total",
			Help: "Federated searches fanned out across office graphs",
		},
	)

	// Workflow engine metrics
	WorkflowsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_workflows_executed_total",
			Help: "Total workflow executions",
		},
		[]string{"mode", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unity_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_workflow_tasks_total",
			Help: "Workflow tasks by terminal status",
		},
		[]string{"office", "status"},
	)

	// Broker metrics
	BrokerPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_broker_publish_errors_total",
			Help: "Publish attempts that failed after retries",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unity_embedding_requests_total",
			Help: "Embedding computations by outcome",
		},
		[]string{"outcome"},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unity_embedding_cache_hits_total",
			Help: "Embedding results served from cache",
		},
	)
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service metrics exposed on /metrics.
var (
	// Investigation loop metrics
	InvestigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_investigations_total",
			Help: "Total number of investigation runs by trigger and outcome",
		},
		[]string{"trigger", "status"}, // trigger: start/resume/feedback; status: completed/budget_exhausted/failed/cancelled
	)

	InvestigationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metric_investigator_investigation_duration_seconds",
			Help:    "Duration of one investigation run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5min
		},
		[]string{"status"},
	)

	DecisionIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metric_investigator_decision_iterations",
			Help:    "Decision iterations used per investigation run",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metric_investigator_conversations",
			Help: "Conversations held in the in-memory registry",
		},
	)

	// Action executor metrics
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_steps_total",
			Help: "Total number of executed investigation steps",
		},
		[]string{"action", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metric_investigator_step_duration_seconds",
			Help:    "Investigation step execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"action"},
	)

	// Decision oracle metrics
	OracleDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_oracle_decisions_total",
			Help: "Decisions returned by the oracle",
		},
		[]string{"oracle", "action"}, // action: the chosen tag, or "invalid"/"error"
	)

	// Evidence cache metrics
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_evidence_cache_requests_total",
			Help: "Evidence cache lookups by operation and result",
		},
		[]string{"op", "result"}, // result: hit/miss
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: prompt/completion
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metric_investigator_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	LLMRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_llm_retries_total",
			Help: "LLM calls retried after a transient failure",
		},
		[]string{"provider"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metric_investigator_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metric_investigator_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// HTTP metrics
	HTTPRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metric_investigator_http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
	)
)

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "banca"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	dedupHits    prometheus.Counter

	turnTotal      *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	handoffTotal   *prometheus.CounterVec
	nodeTotal      *prometheus.CounterVec
	routeShortcuts prometheus.Counter

	storeOpDuration *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec
	retentionPruned prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec

	httpRequests  *prometheus.CounterVec
	rateLimited   prometheus.Counter
	wsConnections prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total completed queue tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queue task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			dedupHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dedup_hits_total",
					Help:      "Turns answered from the idempotency cache.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Conversation turns by entry point and status.",
				},
				[]string{"entry", "status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Conversation turn duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			handoffTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "handoff_total",
					Help:      "Agent handoffs by source and target agent.",
				},
				[]string{"from", "to"},
			),
			nodeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "node_executions_total",
					Help:      "Graph node executions by node and status.",
				},
				[]string{"node", "status"},
			),
			routeShortcuts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "coordinator_shortcuts_total",
					Help:      "Turns routed past the coordinator from the active-agent record.",
				},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "store_op_duration_seconds",
					Help:      "Store operation duration in seconds by backend and operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend", "op"},
			),
			storeErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "store_errors_total",
					Help:      "Store operation errors by backend and operation.",
				},
				[]string{"backend", "op"},
			),
			retentionPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retention_pruned_total",
					Help:      "Conversations removed by the retention sweeper.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by agent, provider and status.",
				},
				[]string{"agent", "provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds by agent.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			httpRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "http_requests_total",
					Help:      "HTTP requests by route and status code.",
				},
				[]string{"route", "code"},
			),
			rateLimited: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "http_rate_limited_total",
					Help:      "HTTP requests rejected by the rate limiter.",
				},
			),
			wsConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "websocket_connections",
					Help:      "Open websocket chat connections.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.dedupHits,
			m.turnTotal,
			m.turnDuration,
			m.handoffTotal,
			m.nodeTotal,
			m.routeShortcuts,
			m.storeOpDuration,
			m.storeErrors,
			m.retentionPruned,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.providerCooldown,
			m.httpRequests,
			m.rateLimited,
			m.wsConnections,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// ForgetQueueLane drops the per-lane series once a lane is torn down.
func ForgetQueueLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
}

func RecordDedupHit() {
	getMetrics().dedupHits.Inc()
}

func RecordTurn(entry string, duration time.Duration, success bool) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(entry, statusLabel(success)).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordHandoff(from, to string) {
	getMetrics().handoffTotal.WithLabelValues(from, to).Inc()
}

func RecordNodeExecution(node string, success bool) {
	getMetrics().nodeTotal.WithLabelValues(node, statusLabel(success)).Inc()
}

func RecordCoordinatorShortcut() {
	getMetrics().routeShortcuts.Inc()
}

func RecordStoreOp(backend, op string, duration time.Duration, err error) {
	m := getMetrics()
	m.storeOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
	if err != nil {
		m.storeErrors.WithLabelValues(backend, op).Inc()
	}
}

func RecordRetentionPruned(count int) {
	getMetrics().retentionPruned.Add(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordAgentRun(agent, provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(agent, provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordHTTPRequest(route string, code int) {
	getMetrics().httpRequests.WithLabelValues(route, http.StatusText(code)).Inc()
}

func RecordRateLimited() {
	getMetrics().rateLimited.Inc()
}

func AddWebsocketConnections(delta int) {
	getMetrics().wsConnections.Add(float64(delta))
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	sessionsCreated     *prometheus.CounterVec
	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	relayEventsTotal   *prometheus.CounterVec
	relayOutcomesTotal *prometheus.CounterVec

	replyTotal    *prometheus.CounterVec
	replyDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	gatewayConnections prometheus.Gauge
	rpcRequestsTotal   *prometheus.CounterVec
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
					Name: "ranyadesk_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ranyadesk_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			sessionsCreated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_sessions_created_total",
					Help: "Total sessions created by session type.",
				},
				[]string{"session_type"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ranyadesk_active_sessions",
					Help: "Current stored session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ranyadesk_session_load_duration_seconds",
					Help:    "Session conversation load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ranyadesk_session_save_duration_seconds",
					Help:    "Session message save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			relayEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_relay_events_total",
					Help: "Total agent events forwarded by event type.",
				},
				[]string{"type"},
			),
			relayOutcomesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_relay_outcomes_total",
					Help: "Total relay completions by outcome (ok, stream_error, sink_error).",
				},
				[]string{"outcome"},
			),
			replyTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_reply_total",
					Help: "Total agent replies by provider and status.",
				},
				[]string{"provider", "status"},
			),
			replyDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ranyadesk_reply_duration_seconds",
					Help:    "Agent reply duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ranyadesk_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ranyadesk_gateway_connections",
					Help: "Current websocket client count.",
				},
			),
			rpcRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranyadesk_rpc_requests_total",
					Help: "Total gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.sessionsCreated,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.relayEventsTotal,
			m.relayOutcomesTotal,
			m.replyTotal,
			m.replyDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.gatewayConnections,
			m.rpcRequestsTotal,
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

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordSessionCreated(sessionType string) {
	getMetrics().sessionsCreated.WithLabelValues(sessionType).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

// RecordRelayEvent counts one forwarded agent-event notification
func RecordRelayEvent(eventType string) {
	getMetrics().relayEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRelayOutcome counts how a relay ended: "ok", "stream_error" or "sink_error"
func RecordRelayOutcome(outcome string) {
	getMetrics().relayOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordReply(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.replyTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.replyDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetGatewayConnections(count int) {
	getMetrics().gatewayConnections.Set(float64(count))
}

func RecordRPCRequest(method string, success bool) {
	getMetrics().rpcRequestsTotal.WithLabelValues(method, statusLabel(success)).Inc()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/workflow"
)

// Collector records engine and HTTP metrics against a prometheus
// registry. It implements workflow.Metrics.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	nodeRunsTotal    *prometheus.CounterVec
	nodeRunDuration  *prometheus.HistogramVec
	nodeRunAttempts  *prometheus.HistogramVec
	approvalsPending prometheus.Gauge

	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs by terminal status",
		},
		[]string{"workflow_id", "status"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600},
		},
		[]string{"workflow_id"},
	)

	c.nodeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_runs_total",
			Help:      "Total number of node executions by terminal status",
		},
		[]string{"workflow_id", "node_id", "status"},
	)

	c.nodeRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_run_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"workflow_id", "node_id"},
	)

	c.nodeRunAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_run_attempts",
			Help:      "Attempts consumed per node execution",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"workflow_id", "node_id"},
	)

	c.approvalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Number of runs currently waiting for approval",
		},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RunStarted implements workflow.Metrics.
func (c *Collector) RunStarted(workflowID string) {
	c.runsTotal.WithLabelValues(workflowID, string(workflow.RunRunning)).Inc()
}

// RunFinished implements workflow.Metrics.
func (c *Collector) RunFinished(workflowID string, status workflow.RunStatus, duration time.Duration) {
	c.runsTotal.WithLabelValues(workflowID, string(status)).Inc()
	c.runDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// NodeFinished implements workflow.Metrics.
func (c *Collector) NodeFinished(workflowID, nodeID string, status workflow.AgentRunStatus, duration time.Duration, attempts int) {
	c.nodeRunsTotal.WithLabelValues(workflowID, nodeID, string(status)).Inc()
	c.nodeRunDuration.WithLabelValues(workflowID, nodeID).Observe(duration.Seconds())
	c.nodeRunAttempts.WithLabelValues(workflowID, nodeID).Observe(float64(attempts))
}

// ApprovalPending implements workflow.Metrics.
func (c *Collector) ApprovalPending(delta int) {
	c.approvalsPending.Add(float64(delta))
}

// RecordDBConnections records database pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// statusCode buckets an HTTP status into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Package metrics provides Prometheus metrics for the feedback learning loop.
package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultNamespace       = "feedback"
	defaultSubsystem       = "loop"
	defaultRefreshInterval = 10 * time.Second
)

//nolint:gochecknoglobals // fixed bucket layouts
var (
	// accuracyBuckets spans the [0,1] accuracy range in tenths.
	accuracyBuckets = prometheus.LinearBuckets(0, 0.1, 11)
	// latencyBuckets spans 0.5ms to roughly 8s.
	latencyBuckets = prometheus.ExponentialBuckets(0.5, 2, 15)
)

// Manager manages all Prometheus metrics for the learning loop.
type Manager struct {
	namespace       string
	subsystem       string
	enabled         bool
	refreshInterval time.Duration
	customLabels    map[string]string
	registry        prometheus.Registerer
	gatherer        *prometheus.Registry

	// Feedback intake
	predictionsRecorded  prometheus.Counter
	predictionsDuplicate prometheus.Counter
	outcomesRecorded     prometheus.Counter
	outcomesRejected     *prometheus.CounterVec
	submissionsReplayed  *prometheus.CounterVec
	accuracyScore        *prometheus.HistogramVec

	// Learning cycles
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	recordsConsumed prometheus.Counter
	improvement     *prometheus.GaugeVec
	computeFailures *prometheus.CounterVec
	pendingRecords  prometheus.Gauge
	cyclesCompleted prometheus.Gauge

	// Record store
	storeLatency *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec

	// Cycle queue
	queueSize         prometheus.Gauge
	queueCapacity     prometheus.Gauge
	queueUtilization  prometheus.Gauge
	queueEnqueue      prometheus.Counter
	queueDequeue      prometheus.Counter
	queueEnqueueError prometheus.Counter
	queueCoalesced    prometheus.Counter

	// Cycle workers
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager, registered on its own registry to avoid default Go metrics.
var globalManager atomic.Pointer[Manager] //nolint:gochecknoglobals // intentional global for singleton metrics manager

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	Configure()
}

func global() *Manager {
	return globalManager.Load()
}

// Configure replaces the global manager with one built from opts on a fresh
// registry. Series recorded before the call are dropped.
func Configure(opts ...Option) {
	registry := prometheus.NewRegistry()
	m := NewManager(append(opts, WithPrometheusRegistry(registry))...)
	m.gatherer = registry
	globalManager.Store(m)
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:       defaultNamespace,
		subsystem:       defaultSubsystem,
		enabled:         true,
		refreshInterval: defaultRefreshInterval,
		customLabels:    make(map[string]string),
		registry:        prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.predictionsRecorded = auto.NewCounter(m.counterOpts(
		"predictions_recorded_total", "Total number of predictions stored"))
	m.predictionsDuplicate = auto.NewCounter(m.counterOpts(
		"predictions_duplicate_total", "Total number of predictions rejected as duplicate keys"))
	m.outcomesRecorded = auto.NewCounter(m.counterOpts(
		"outcomes_recorded_total", "Total number of outcomes scored and stored"))
	m.outcomesRejected = auto.NewCounterVec(m.counterOpts(
		"outcomes_rejected_total", "Total number of outcomes rejected by reason"),
		[]string{"reason"})
	m.submissionsReplayed = auto.NewCounterVec(m.counterOpts(
		"submissions_replayed_total", "Total number of retried submissions acknowledged as already applied"),
		[]string{"kind"})
	m.accuracyScore = auto.NewHistogramVec(m.histogramOpts(
		"accuracy_score", "Distribution of per-metric accuracy scores", accuracyBuckets),
		[]string{"metric"})

	m.cycles = auto.NewCounterVec(m.counterOpts(
		"cycles_total", "Learning cycle attempts by result"),
		[]string{"result"})
	m.cycleDuration = auto.NewHistogram(m.histogramOpts(
		"cycle_duration_milliseconds", "Learning cycle wall-clock duration in milliseconds", latencyBuckets))
	m.recordsConsumed = auto.NewCounter(m.counterOpts(
		"records_consumed_total", "Total number of records consumed by learning cycles"))
	m.improvement = auto.NewGaugeVec(m.gaugeOpts(
		"improvement", "Improvement over baseline reported by the last cycle"),
		[]string{"metric"})
	m.computeFailures = auto.NewCounterVec(m.counterOpts(
		"compute_failures_total", "Per-metric fitting failures"),
		[]string{"metric"})
	m.pendingRecords = auto.NewGauge(m.gaugeOpts(
		"pending_records", "Outcome-recorded records not yet consumed by a cycle"))
	m.cyclesCompleted = auto.NewGauge(m.gaugeOpts(
		"cycles_completed", "Cycles completed according to the persisted aggregate"))

	m.storeLatency = auto.NewHistogramVec(m.histogramOpts(
		"store_operation_latency_milliseconds", "Record store operation latency in milliseconds", latencyBuckets),
		[]string{"op"})
	m.storeErrors = auto.NewCounterVec(m.counterOpts(
		"store_errors_total", "Record store operation failures"),
		[]string{"op"})

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Current number of queued cycle requests"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Maximum cycle queue capacity"))
	m.queueUtilization = auto.NewGauge(m.gaugeOpts("queue_utilization_ratio", "Cycle queue utilization ratio"))
	m.queueEnqueue = auto.NewCounter(m.counterOpts("queue_enqueue_total", "Total number of cycle requests enqueued"))
	m.queueDequeue = auto.NewCounter(m.counterOpts("queue_dequeue_total", "Total number of cycle requests dequeued"))
	m.queueEnqueueError = auto.NewCounter(m.counterOpts("queue_enqueue_errors_total", "Total number of rejected enqueues"))
	m.queueCoalesced = auto.NewCounter(m.counterOpts(
		"queue_coalesced_total", "Cycle requests dropped because an equivalent request was pending"))

	m.workerCount = auto.NewGauge(m.gaugeOpts("worker_count", "Configured cycle workers"))
	m.workerActiveCount = auto.NewGauge(m.gaugeOpts("worker_active_count", "Cycle workers currently running a cycle"))
	m.workerProcessingLatency = auto.NewHistogram(m.histogramOpts(
		"worker_processing_latency_milliseconds", "Worker time per cycle request in milliseconds", latencyBuckets))
	m.workerErrors = auto.NewCounter(m.counterOpts("worker_errors_total", "Total number of failed cycle requests"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts(
		"http_requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts(
		"http_request_duration_milliseconds", "HTTP request duration in milliseconds", latencyBuckets),
		[]string{"endpoint", "method", "status_code"})

	m.errorsByComponent = auto.NewCounterVec(m.counterOpts(
		"errors_by_component_total", "Total number of errors by component"),
		[]string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "Heap memory in use in bytes"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
}

// RecordPrediction increments the stored predictions counter.
func RecordPrediction() {
	if m := global(); m.enabled {
		m.predictionsRecorded.Inc()
	}
}

// RecordPredictionDuplicate increments the duplicate prediction counter.
func RecordPredictionDuplicate() {
	if m := global(); m.enabled {
		m.predictionsDuplicate.Inc()
	}
}

// RecordOutcome increments the stored outcomes counter.
func RecordOutcome() {
	if m := global(); m.enabled {
		m.outcomesRecorded.Inc()
	}
}

// RecordOutcomeRejected counts an outcome rejected for reason.
func RecordOutcomeRejected(reason string) {
	if m := global(); m.enabled {
		m.outcomesRejected.WithLabelValues(reason).Inc()
	}
}

// RecordSubmissionReplayed counts a retried submission of kind acknowledged as applied.
func RecordSubmissionReplayed(kind string) {
	if m := global(); m.enabled {
		m.submissionsReplayed.WithLabelValues(kind).Inc()
	}
}

// RecordAccuracy observes a per-metric accuracy score.
func RecordAccuracy(metric string, score float64) {
	if m := global(); m.enabled {
		m.accuracyScore.WithLabelValues(metric).Observe(score)
	}
}

// RecordCycle counts a cycle attempt ending with result.
func RecordCycle(result string) {
	if m := global(); m.enabled {
		m.cycles.WithLabelValues(result).Inc()
	}
}

// RecordCycleDuration records a cycle's duration in milliseconds.
func RecordCycleDuration(durationMs float64) {
	if m := global(); m.enabled {
		m.cycleDuration.Observe(durationMs)
	}
}

// RecordRecordsConsumed adds n consumed records.
func RecordRecordsConsumed(n int) {
	if m := global(); m.enabled {
		m.recordsConsumed.Add(float64(n))
	}
}

// UpdateImprovement sets the last cycle's improvement for metric.
func UpdateImprovement(metric string, delta float64) {
	if m := global(); m.enabled {
		m.improvement.WithLabelValues(metric).Set(delta)
	}
}

// RecordComputeFailure counts a fitting failure for metric.
func RecordComputeFailure(metric string) {
	if m := global(); m.enabled {
		m.computeFailures.WithLabelValues(metric).Inc()
	}
}

// UpdatePendingRecords sets the number of records awaiting a cycle.
func UpdatePendingRecords(n int) {
	if m := global(); m.enabled {
		m.pendingRecords.Set(float64(n))
	}
}

// UpdateCyclesCompleted sets the persisted cycle count.
func UpdateCyclesCompleted(n int) {
	if m := global(); m.enabled {
		m.cyclesCompleted.Set(float64(n))
	}
}

// RecordStoreLatency records the latency of a store operation.
func RecordStoreLatency(op string, latencyMs float64) {
	if m := global(); m.enabled {
		m.storeLatency.WithLabelValues(op).Observe(latencyMs)
	}
}

// RecordStoreError counts a failed store operation.
func RecordStoreError(op string) {
	if m := global(); m.enabled {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	if m := global(); m.enabled {
		m.queueSize.Set(float64(size))
	}
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	if m := global(); m.enabled {
		m.queueCapacity.Set(float64(capacity))
	}
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	if m := global(); m.enabled {
		m.queueUtilization.Set(utilization)
	}
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if m := global(); m.enabled {
		m.queueEnqueue.Inc()
	}
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	if m := global(); m.enabled {
		m.queueDequeue.Inc()
	}
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	if m := global(); m.enabled {
		m.queueEnqueueError.Inc()
	}
}

// RecordQueueCoalesced counts a cycle request dropped as a duplicate.
func RecordQueueCoalesced() {
	if m := global(); m.enabled {
		m.queueCoalesced.Inc()
	}
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	if m := global(); m.enabled {
		m.workerCount.Set(float64(count))
	}
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	if m := global(); m.enabled {
		m.workerActiveCount.Set(float64(count))
	}
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if m := global(); m.enabled {
		m.workerProcessingLatency.Observe(latencyMs)
	}
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	if m := global(); m.enabled {
		m.workerErrors.Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if m := global(); m.enabled {
		m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if m := global(); m.enabled {
		m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	if m := global(); m.enabled {
		m.errorsByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets the heap memory in use in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if m := global(); m.enabled {
		m.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if m := global(); m.enabled {
		m.systemGoroutineCount.Set(float64(count))
	}
}

// CollectSystem samples memory and goroutine gauges once.
func CollectSystem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	UpdateSystemMemoryUsage(ms.HeapInuse)
	UpdateSystemGoroutineCount(runtime.NumGoroutine())
}

// RunSystemCollector samples system gauges every refresh interval until ctx is done.
func RunSystemCollector(ctx context.Context) {
	ticker := time.NewTicker(global().refreshInterval)
	defer ticker.Stop()
	CollectSystem()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			CollectSystem()
		}
	}
}

// GetRegistry returns the registry backing the global manager.
func GetRegistry() *prometheus.Registry {
	return global().gatherer
}

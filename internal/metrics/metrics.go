// ============================================================================
// voicequeue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 功能: 收集命令處理管線每個階段的指標，並提供唯讀快照給 /health
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - commands_submitted_total{path}: 提交的命令（queued / direct）
//      - commands_processed_total / commands_failed_total: Processor 結果
//      - validation_errors_total: Gateway 拒絕的請求
//      - jobs_{enqueued,dispatched,retried,completed,failed}_total: 佇列生命週期
//      - cache_hits_total / cache_misses_total: 命令結果快取
//      - translation_cache_hits_total / translation_cache_misses_total
//      - breaker_short_circuits_total{name}
//      - history_write_failures_total
//      - broadcast_events_total{event}
//
//   2. 分佈 (Histogram):
//      - command_processing_seconds: 命令處理時間（不含快取命中）
//      - upstream_latency_seconds: 語言模型呼叫延遲
//      - job_latency_seconds: 入隊到終態
//
//   3. 瞬時值 (Gauge):
//      - jobs_queued / jobs_delayed / jobs_processing
//      - active_connections
//      - breaker_state{name}: 0 closed, 1 half-open, 2 open
//
// 查詢示例:
//   rate(voicequeue_cache_hits_total[5m]) /
//     (rate(voicequeue_cache_hits_total[5m]) + rate(voicequeue_cache_misses_total[5m]))
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "voicequeue"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	commandsSubmitted *prometheus.CounterVec
	commandsProcessed prometheus.Counter
	commandsFailed    prometheus.Counter
	validationErrors  prometheus.Counter

	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	translationHits   prometheus.Counter
	translationMisses prometheus.Counter

	shortCircuits *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec

	historyWriteFailures prometheus.Counter
	broadcastEvents      *prometheus.CounterVec
	activeConnections    prometheus.Gauge

	processingLatency prometheus.Histogram
	upstreamLatency   prometheus.Histogram
	jobLatency        prometheus.Histogram

	jobsQueued     prometheus.Gauge
	jobsDelayed    prometheus.Gauge
	jobsProcessing prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewCollector creates the collector and registers it on reg.
// A nil reg gets a fresh private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		commandsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Commands accepted by the gateway, by path (queued or direct)",
		}, []string{"path"}),
		commandsProcessed: counter("commands_processed_total", "Commands processed successfully, cache hits included"),
		commandsFailed:    counter("commands_failed_total", "Commands whose processing failed"),
		validationErrors:  counter("validation_errors_total", "Requests rejected before enqueue"),

		jobsEnqueued:   counter("jobs_enqueued_total", "Jobs added to the queue"),
		jobsDispatched: counter("jobs_dispatched_total", "Job attempts handed to a worker"),
		jobsRetried:    counter("jobs_retried_total", "Job attempts scheduled for retry"),
		jobsCompleted:  counter("jobs_completed_total", "Jobs completed successfully"),
		jobsFailed:     counter("jobs_failed_total", "Jobs failed permanently"),

		cacheHits:   counter("cache_hits_total", "Command result cache hits"),
		cacheMisses: counter("cache_misses_total", "Command result cache misses"),

		translationHits:   counter("translation_cache_hits_total", "Translation cache hits"),
		translationMisses: counter("translation_cache_misses_total", "Translation cache misses"),

		shortCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_short_circuits_total",
			Help:      "Calls rejected by an open circuit breaker",
		}, []string{"name"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"name"}),

		historyWriteFailures: counter("history_write_failures_total", "History records that could not be persisted"),
		broadcastEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Real-time events delivered, by event name",
		}, []string{"event"}),
		activeConnections: gauge("active_connections", "Open real-time connections"),

		processingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_processing_seconds",
			Help:      "Time to process a command that missed the cache",
			Buckets:   prometheus.DefBuckets,
		}),
		upstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Language model call latency",
			Buckets:   prometheus.DefBuckets,
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from enqueue to terminal state",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		jobsQueued:     gauge("jobs_queued", "Jobs ready to be dispatched"),
		jobsDelayed:    gauge("jobs_delayed", "Jobs waiting for a retry delay"),
		jobsProcessing: gauge("jobs_processing", "Jobs owned by a worker"),
	}

	reg.MustRegister(
		c.commandsSubmitted, c.commandsProcessed, c.commandsFailed, c.validationErrors,
		c.jobsEnqueued, c.jobsDispatched, c.jobsRetried, c.jobsCompleted, c.jobsFailed,
		c.cacheHits, c.cacheMisses, c.translationHits, c.translationMisses,
		c.shortCircuits, c.breakerState,
		c.historyWriteFailures, c.broadcastEvents, c.activeConnections,
		c.processingLatency, c.upstreamLatency, c.jobLatency,
		c.jobsQueued, c.jobsDelayed, c.jobsProcessing,
	)
	return c
}

// Registry exposes the underlying registry so process collectors can be added to it.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// 命令
func (c *Collector) RecordSubmitted(path string) { c.commandsSubmitted.WithLabelValues(path).Inc() }
func (c *Collector) RecordValidationError()      { c.validationErrors.Inc() }

// RecordProcessed 記錄一次成功處理；快取命中不計入延遲分佈
func (c *Collector) RecordProcessed(seconds float64, cached bool) {
	c.commandsProcessed.Inc()
	if !cached {
		c.processingLatency.Observe(seconds)
	}
}

func (c *Collector) RecordProcessFailed()                  { c.commandsFailed.Inc() }
func (c *Collector) RecordUpstreamLatency(seconds float64) { c.upstreamLatency.Observe(seconds) }

// 快取
func (c *Collector) RecordCacheHit()  { c.cacheHits.Inc() }
func (c *Collector) RecordCacheMiss() { c.cacheMisses.Inc() }

// 翻譯快取另計，不影響 cacheHitRate
func (c *Collector) RecordTranslationCacheHit()  { c.translationHits.Inc() }
func (c *Collector) RecordTranslationCacheMiss() { c.translationMisses.Inc() }

// 佇列
func (c *Collector) RecordEnqueue()  { c.jobsEnqueued.Inc() }
func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }
func (c *Collector) RecordRetry()    { c.jobsRetried.Inc() }

// RecordCompleted 記錄任務完成，latencySeconds 從入隊起算
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

func (c *Collector) RecordFailed(latencySeconds float64) {
	c.jobsFailed.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, delayed, processing int) {
	c.jobsQueued.Set(float64(queued))
	c.jobsDelayed.Set(float64(delayed))
	c.jobsProcessing.Set(float64(processing))
}

// 斷路器
func (c *Collector) RecordShortCircuit(name string) { c.shortCircuits.WithLabelValues(name).Inc() }

// SetBreakerState takes the numeric state (0 closed, 1 half-open, 2 open).
func (c *Collector) SetBreakerState(name string, state int) {
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// 歷史與推播
func (c *Collector) RecordHistoryWriteFailure()   { c.historyWriteFailures.Inc() }
func (c *Collector) RecordBroadcast(event string) { c.broadcastEvents.WithLabelValues(event).Inc() }
func (c *Collector) ConnectionOpened()            { c.activeConnections.Inc() }
func (c *Collector) ConnectionClosed()            { c.activeConnections.Dec() }

// ============================================================================
// 唯讀快照
// ============================================================================

// Snapshot is a read-only view of the headline numbers.
type Snapshot struct {
	CommandsSubmitted    float64 `json:"commandsSubmitted"`
	CommandsProcessed    float64 `json:"commandsProcessed"`
	CommandsFailed       float64 `json:"commandsFailed"`
	ValidationErrors     float64 `json:"validationErrors"`
	JobsEnqueued         float64 `json:"jobsEnqueued"`
	JobsRetried          float64 `json:"jobsRetried"`
	JobsCompleted        float64 `json:"jobsCompleted"`
	JobsFailed           float64 `json:"jobsFailed"`
	JobsQueued           float64 `json:"jobsQueued"`
	JobsDelayed          float64 `json:"jobsDelayed"`
	JobsProcessing       float64 `json:"jobsProcessing"`
	CacheHits            float64 `json:"cacheHits"`
	CacheMisses          float64 `json:"cacheMisses"`
	CacheHitRate         float64 `json:"cacheHitRate"`
	FailureRate          float64 `json:"failureRate"`
	HistoryWriteFailures float64 `json:"historyWriteFailures"`
	ActiveConnections    float64 `json:"activeConnections"`
	AvgProcessingMs      float64 `json:"avgProcessingMs"`
	AvgUpstreamMs        float64 `json:"avgUpstreamMs"`
}

func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		CommandsSubmitted:    sumVec(c.commandsSubmitted),
		CommandsProcessed:    value(c.commandsProcessed),
		CommandsFailed:       value(c.commandsFailed),
		ValidationErrors:     value(c.validationErrors),
		JobsEnqueued:         value(c.jobsEnqueued),
		JobsRetried:          value(c.jobsRetried),
		JobsCompleted:        value(c.jobsCompleted),
		JobsFailed:           value(c.jobsFailed),
		JobsQueued:           value(c.jobsQueued),
		JobsDelayed:          value(c.jobsDelayed),
		JobsProcessing:       value(c.jobsProcessing),
		CacheHits:            value(c.cacheHits),
		CacheMisses:          value(c.cacheMisses),
		HistoryWriteFailures: value(c.historyWriteFailures),
		ActiveConnections:    value(c.activeConnections),
		AvgProcessingMs:      meanMillis(c.processingLatency),
		AvgUpstreamMs:        meanMillis(c.upstreamLatency),
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.CacheHitRate = s.CacheHits / lookups
	}
	if total := s.CommandsProcessed + s.CommandsFailed; total > 0 {
		s.FailureRate = s.CommandsFailed / total
	}
	return s
}

func value(m prometheus.Metric) float64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0
	}
	switch {
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	}
	return 0
}

func sumVec(v prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		v.Collect(ch)
		close(ch)
	}()
	total := 0.0
	for m := range ch {
		total += value(m)
	}
	return total
}

func meanMillis(h prometheus.Histogram) float64 {
	var out dto.Metric
	if err := h.Write(&out); err != nil || out.Histogram == nil {
		return 0
	}
	count := out.GetHistogram().GetSampleCount()
	if count == 0 {
		return 0
	}
	return out.GetHistogram().GetSampleSum() / float64(count) * 1000
}

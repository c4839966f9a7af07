package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exports-digital/licensing-api/internal/models"
)

// MetricsService owns the Prometheus registry and aggregates the
// lightweight counters behind the metrics snapshot endpoint. All methods
// are nil-safe so instrumentation can be disabled by passing nil.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	dbQueryDuration *prometheus.HistogramVec

	finalisations  *prometheus.CounterVec
	hmrcDeliveries *prometheus.CounterVec
	hmrcLatency    prometheus.Observer
	usageUpdates   *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	dbQueryCount         uint64
	dbQueryDurationTotal uint64
	finalisationCount    uint64
	hmrcDeliveryCount    uint64
	hmrcFailureCount     uint64
	usageAcceptedCount   uint64
	usageRejectedCount   uint64
}

// NewMetricsService registers the service's Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	finalisations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "case_finalisations_total",
		Help: "Case finalisations by outcome",
	}, []string{"outcome"})

	hmrcDeliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hmrc_deliveries_total",
		Help: "Licence deliveries to the customs integration by action and result",
	}, []string{"action", "result"})

	hmrcLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hmrc_delivery_duration_seconds",
		Help:    "Round-trip latency of customs integration deliveries",
		Buckets: prometheus.DefBuckets,
	})

	usageUpdates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "usage_updates_total",
		Help: "Inbound licence usage updates by result",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite,
		cacheHitRatio, cacheHits, cacheMisses, dbQueryDuration,
		finalisations, hmrcDeliveries, hmrcLatency, usageUpdates, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		dbQueryDuration: dbQueryDuration,
		finalisations:   finalisations,
		hmrcDeliveries:  hmrcDeliveries,
		hmrcLatency:     hmrcLatency,
		usageUpdates:    usageUpdates,
	}
}

// Handler exposes the Prometheus scrape handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records one handled request.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records a cache lookup and refreshes the hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite records the duration of a cache set.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil || m.cacheWrite == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records one database query.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
	atomic.AddUint64(&m.dbQueryCount, 1)
	atomic.AddUint64(&m.dbQueryDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordFinalisation counts one case finalisation by outcome.
func (m *MetricsService) RecordFinalisation(outcome string) {
	if m == nil {
		return
	}
	m.finalisations.WithLabelValues(outcome).Inc()
	atomic.AddUint64(&m.finalisationCount, 1)
}

// RecordHMRCDelivery records one delivery attempt to the customs
// integration service.
func (m *MetricsService) RecordHMRCDelivery(action string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
		atomic.AddUint64(&m.hmrcFailureCount, 1)
	}
	m.hmrcDeliveries.WithLabelValues(action, result).Inc()
	m.hmrcLatency.Observe(duration.Seconds())
	atomic.AddUint64(&m.hmrcDeliveryCount, 1)
}

// RecordUsageUpdates counts accepted and rejected updates from one
// inbound usage batch.
func (m *MetricsService) RecordUsageUpdates(accepted, rejected int) {
	if m == nil {
		return
	}
	if accepted > 0 {
		m.usageUpdates.WithLabelValues("accepted").Add(float64(accepted))
		atomic.AddUint64(&m.usageAcceptedCount, uint64(accepted))
	}
	if rejected > 0 {
		m.usageUpdates.WithLabelValues("rejected").Add(float64(rejected))
		atomic.AddUint64(&m.usageRejectedCount, uint64(rejected))
	}
}

// Snapshot returns aggregated figures for the metrics endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)
	dbCount := atomic.LoadUint64(&m.dbQueryCount)
	dbDuration := atomic.LoadUint64(&m.dbQueryDurationTotal)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}
	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}
	var avgDBMs float64
	if dbCount > 0 {
		avgDBMs = float64(dbDuration) / float64(dbCount) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		DBQueryCount:             dbCount,
		AverageDBQueryDurationMs: avgDBMs,
		FinalisationsTotal:       atomic.LoadUint64(&m.finalisationCount),
		HMRCDeliveries:           atomic.LoadUint64(&m.hmrcDeliveryCount),
		HMRCDeliveryFailures:     atomic.LoadUint64(&m.hmrcFailureCount),
		UsageUpdatesAccepted:     atomic.LoadUint64(&m.usageAcceptedCount),
		UsageUpdatesRejected:     atomic.LoadUint64(&m.usageRejectedCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}

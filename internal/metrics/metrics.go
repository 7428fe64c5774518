package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the store method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupMiss  CacheLookupOutcome = "miss"
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	CacheStoreStored  CacheStoreOutcome = "stored"
	CacheStoreSkipped CacheStoreOutcome = "skipped"
	CacheStoreError   CacheStoreOutcome = "error"
)

// ReplayOutcome captures the terminal state of one queue drain attempt.
type ReplayOutcome string

const (
	ReplayReplayed ReplayOutcome = "replayed"
	ReplayFailed   ReplayOutcome = "failed"
)

// Recorder publishes Prometheus metrics for proxy activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetchRequests *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	queueDepth    prometheus.Gauge
	queueReplays  *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec
	prunedEntries prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offramp",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Intercepted requests processed by the strategy dispatcher.",
	}, []string{"class", "strategy", "status_code", "from_cache"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offramp",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"class", "strategy"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offramp",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the strategies.",
	}, []string{"strategy", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offramp",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"strategy", "operation", "result"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offramp",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Deferred actions currently awaiting replay.",
	})

	queueReplays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offramp",
		Subsystem: "queue",
		Name:      "replays_total",
		Help:      "Queue drain attempts by terminal state.",
	}, []string{"result"})

	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offramp",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync coordinator sub-task executions.",
	}, []string{"task", "result"})

	prunedEntries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offramp",
		Subsystem: "sync",
		Name:      "pruned_entries_total",
		Help:      "Cache entries deleted by the retention maintenance routine.",
	})

	reg.MustRegister(fetchRequests, fetchLatency, cacheOperations, cacheLatency,
		queueDepth, queueReplays, syncRuns, prunedEntries)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetchRequests:   fetchRequests,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		queueDepth:      queueDepth,
		queueReplays:    queueReplays,
		syncRuns:        syncRuns,
		prunedEntries:   prunedEntries,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records the outcome and latency for a completed intercepted
// request.
func (r *Recorder) ObserveFetch(class, strategy string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	classLabel := normalizeLabel(class)
	strategyLabel := normalizeLabel(strategy)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.fetchRequests.WithLabelValues(classLabel, strategyLabel, statusLabel, cacheLabel).Inc()
	r.fetchLatency.WithLabelValues(classLabel, strategyLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a response cache lookup.
func (r *Recorder) ObserveCacheLookup(strategy string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(strategy), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a response cache store attempt.
func (r *Recorder) ObserveCacheStore(strategy string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(strategy), CacheOperationStore, resultLabel, duration)
}

// SetQueueDepth publishes the current number of deferred actions.
func (r *Recorder) SetQueueDepth(depth int64) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// ObserveReplay records one queue drain attempt.
func (r *Recorder) ObserveReplay(result ReplayOutcome) {
	if r == nil {
		return
	}
	r.queueReplays.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveSyncRun records the completion of one sync coordinator sub-task.
func (r *Recorder) ObserveSyncRun(task string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.syncRuns.WithLabelValues(normalizeLabel(task), result).Inc()
}

// ObservePruned counts cache entries removed by the retention pruner.
func (r *Recorder) ObservePruned(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.prunedEntries.Add(float64(count))
}

func (r *Recorder) observeCache(strategy string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(strategy, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(strategy, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

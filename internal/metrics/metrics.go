package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache request results.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Outcomes for compilations and dispatches.
const (
	OutcomeOK       = "ok"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Metrics holds every collector the caches and the dispatcher report to.
// A nil *Metrics is valid and records nothing, which keeps library callers
// free of a Prometheus dependency at runtime.
type Metrics struct {
	EndpointResponses *prometheus.CounterVec

	BufferCacheRequests   *prometheus.CounterVec
	BufferAllocations     prometheus.Counter
	BufferAllocatedBytes  prometheus.Gauge
	KernelCacheRequests   *prometheus.CounterVec
	KernelCompilations    *prometheus.CounterVec
	CacheCleanups         *prometheus.CounterVec
	Dispatches            *prometheus.CounterVec
	DispatchCPUDurationMs prometheus.Histogram
	DispatchGPUDurationMs prometheus.Histogram
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EndpointResponses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufx_endpoint_responses_total",
			Help: "The total number of endpoint responses",
		}, []string{"endpoint", "status_code"}),

		BufferCacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufx_buffer_cache_requests_total",
			Help: "Buffer cache lookups by result",
		}, []string{"result"}),
		BufferAllocations: f.NewCounter(prometheus.CounterOpts{
			Name: "gpufx_buffer_allocations_total",
			Help: "Native buffer allocations performed on cache misses",
		}),
		BufferAllocatedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "gpufx_buffer_allocated_bytes",
			Help: "Bytes currently held by the buffer cache",
		}),

		KernelCacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufx_kernel_cache_requests_total",
			Help: "Kernel cache lookups by result",
		}, []string{"result"}),
		KernelCompilations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufx_kernel_compilations_total",
			Help: "Kernel variant compilations by precision and outcome",
		}, []string{"precision", "outcome"}),
		CacheCleanups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufx_cache_cleanups_total",
			Help: "Explicit cache cleanups by cache",
		}, []string{"cache"}),

		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpufx_dispatch_total",
			Help: "Kernel dispatches by entry point and outcome",
		}, []string{"kernel", "outcome"}),
		DispatchCPUDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpufx_dispatch_cpu_duration_ms",
			Help:    "Wall-clock duration of a dispatch in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.125, 2, 15), // 0.125ms to ~2s
		}),
		DispatchGPUDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpufx_dispatch_gpu_duration_ms",
			Help:    "Device-reported kernel duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.125, 2, 15),
		}),
	}
}

func (m *Metrics) BufferRequest(hit bool) {
	if m == nil {
		return
	}
	m.BufferCacheRequests.WithLabelValues(result(hit)).Inc()
}

func (m *Metrics) BufferAllocated(bytes uint64) {
	if m == nil {
		return
	}
	m.BufferAllocations.Inc()
	m.BufferAllocatedBytes.Add(float64(bytes))
}

func (m *Metrics) BuffersReleased() {
	if m == nil {
		return
	}
	m.BufferAllocatedBytes.Set(0)
	m.CacheCleanups.WithLabelValues("buffers").Inc()
}

func (m *Metrics) KernelRequest(hit bool) {
	if m == nil {
		return
	}
	m.KernelCacheRequests.WithLabelValues(result(hit)).Inc()
}

func (m *Metrics) KernelCompiled(precision, outcome string) {
	if m == nil {
		return
	}
	m.KernelCompilations.WithLabelValues(precision, outcome).Inc()
}

func (m *Metrics) KernelsReleased() {
	if m == nil {
		return
	}
	m.CacheCleanups.WithLabelValues("kernels").Inc()
}

// Dispatched records one dispatch. gpu is ignored when timed is false.
func (m *Metrics) Dispatched(kernel, outcome string, cpu, gpu time.Duration, timed bool) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(kernel, outcome).Inc()
	if outcome != OutcomeOK {
		return
	}
	m.DispatchCPUDurationMs.Observe(ms(cpu))
	if timed {
		m.DispatchGPUDurationMs.Observe(ms(gpu))
	}
}

func result(hit bool) string {
	if hit {
		return ResultHit
	}
	return ResultMiss
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration is the standard request-duration histogram consumed by
// internal/httpserver's Metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "chatgw",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"method", "route", "status"},
)

// Admission control (§4.F)
var (
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		},
		[]string{"outcome", "reason"},
	)
	AdmissionInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatgw",
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Current in-flight admitted requests.",
		},
		[]string{"scope"},
	)
	AdmissionShadowMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "admission",
			Name:      "shadow_mismatch_total",
			Help:      "Shadow-mode admission decisions that would have rejected in enforce mode.",
		},
		[]string{"reason"},
	)
)

// Rate limiting (§4.B)
var (
	RateLimitChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Rate limit checks by bucket and outcome.",
		},
		[]string{"bucket", "outcome"},
	)
	RateLimitContentionFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "ratelimit",
			Name:      "contention_fallback_total",
			Help:      "Times the optimistic-concurrency write conflict forced a fail-closed fallback.",
		},
		[]string{"bucket"},
	)
)

// Replay guard (§4.C)
var ReplayDuplicatesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatgw",
		Subsystem: "replay",
		Name:      "duplicates_total",
		Help:      "Requests rejected or short-circuited as duplicates by the replay guard.",
	},
	[]string{"scope"},
)

// Circuit breaker (§4.D)
var (
	CircuitStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatgw",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
		},
		[]string{"route"},
	)
	CircuitTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "circuit",
			Name:      "trips_total",
			Help:      "Number of times a circuit tripped open.",
		},
		[]string{"route"},
	)
)

// Bulkhead (§4.E)
var (
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatgw",
			Subsystem: "bulkhead",
			Name:      "in_flight",
			Help:      "Current in-flight leases per provider.",
		},
		[]string{"provider"},
	)
	BulkheadRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "bulkhead",
			Name:      "rejections_total",
			Help:      "Lease acquisitions rejected because the bulkhead was full.",
		},
		[]string{"provider"},
	)
)

// Tool job queue (§4.G)
var (
	ToolJobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "toolqueue",
			Name:      "enqueued_total",
			Help:      "Tool jobs enqueued by tool name.",
		},
		[]string{"tool"},
	)
	ToolJobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "toolqueue",
			Name:      "completed_total",
			Help:      "Tool jobs completed by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	ToolJobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "toolqueue",
			Name:      "dead_lettered_total",
			Help:      "Tool jobs moved to the dead-letter state after exhausting retries.",
		},
		[]string{"tool"},
	)
	ToolJobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatgw",
			Subsystem: "toolqueue",
			Name:      "depth",
			Help:      "Pending tool job count by tool name.",
		},
		[]string{"tool"},
	)
	ToolCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "toolcache",
			Name:      "hits_total",
			Help:      "Tool result cache lookups by outcome.",
		},
		[]string{"tool", "outcome"},
	)
)

// Provider router (§4.H)
var (
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Upstream provider requests by route and outcome.",
		},
		[]string{"route", "provider", "outcome"},
	)
	ProviderFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatgw",
			Subsystem: "provider",
			Name:      "failovers_total",
			Help:      "Times the router fell back from primary to secondary.",
		},
		[]string{"route"},
	)
	ProviderLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatgw",
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Upstream provider call latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		},
		[]string{"route", "provider"},
	)
)

// Ops / release gates (§4.J)
var ReliabilityGateEvaluationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatgw",
		Subsystem: "ops",
		Name:      "gate_evaluations_total",
		Help:      "Release-gate harness evaluations by outcome.",
	},
	[]string{"outcome"},
)

// All returns every gateway metric for registration with a prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AdmissionDecisionsTotal,
		AdmissionInFlight,
		AdmissionShadowMismatchTotal,
		RateLimitChecksTotal,
		RateLimitContentionFallbackTotal,
		ReplayDuplicatesTotal,
		CircuitStateGauge,
		CircuitTripsTotal,
		BulkheadInFlight,
		BulkheadRejectionsTotal,
		ToolJobsEnqueuedTotal,
		ToolJobsCompletedTotal,
		ToolJobsDeadLetteredTotal,
		ToolJobQueueDepth,
		ToolCacheHitsTotal,
		ProviderRequestsTotal,
		ProviderFailoversTotal,
		ProviderLatencySeconds,
		ReliabilityGateEvaluationsTotal,
	}
}

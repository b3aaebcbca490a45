package telemetry

import (
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ctf_deployer",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var Info = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ctf_deployer_info",
		Help: "Static build information for the orchestrator, always 1.",
	},
	[]string{"version", "commit"},
)

var ActiveContainers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "ctf_active_containers",
		Help: "Number of currently running challenge containers.",
	},
)

var ContainerDeploymentsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ctf_container_deployments_total",
		Help: "Total number of deploy attempts by outcome.",
	},
	[]string{"outcome"},
)

var ContainerDeploymentDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ctf_container_deployment_duration_seconds",
		Help:    "Duration of a successful Deploy operation, end to end.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
)

var ContainerLifetime = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ctf_container_lifetime_seconds",
		Help:    "Observed lifetime of a reclaimed container, from deploy to removal.",
		Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400},
	},
)

var RateLimitChecksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ctf_rate_limit_checks_total",
		Help: "Total number of rate limit admission checks performed.",
	},
)

var RateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ctf_rate_limit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter.",
	},
)

var ResourceQuotaChecksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ctf_resource_quota_checks_total",
		Help: "Total number of resource quota admission checks performed.",
	},
)

var ResourceQuotaRejectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ctf_resource_quota_rejections_total",
		Help: "Total number of requests rejected by a resource quota, by resource.",
	},
	[]string{"resource"},
)

var ResourceUsagePercent = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ctf_resource_usage_percent",
		Help: "Current usage of a resource class as a percentage of its limit.",
	},
	[]string{"resource"},
)

var ResourceCurrent = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ctf_resource_current",
		Help: "Current observed value of a resource class.",
	},
	[]string{"resource"},
)

var ResourceLimit = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ctf_resource_limit",
		Help: "Configured limit of a resource class.",
	},
	[]string{"resource"},
)

var ErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ctf_errors_total",
		Help: "Total number of errors observed, by classified type.",
	},
	[]string{"type"},
)

var DatabaseOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ctf_database_operations_total",
		Help: "Total number of Store operations, by operation name.",
	},
	[]string{"op"},
)

var DatabaseOperationDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "ctf_database_operation_duration_seconds",
		Help:    "Duration of a Store operation.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	},
)

var DatabaseConnectionPool = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ctf_database_connection_pool",
		Help: "Connection pool gauges, by state (free, used, max).",
	},
	[]string{"state"},
)

var PortPool = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ctf_port_pool",
		Help: "Port pool gauges, by state (allocated, free, total).",
	},
	[]string{"state"},
)

var PortAllocationFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ctf_port_allocation_failures_total",
		Help: "Total number of PortAllocator.Reserve calls that failed with no free port available.",
	},
)

var SweepFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ctf_sweep_failures_total",
		Help: "Total number of janitor sweep-pass sub-operations (reclaim, port sweep, purge) that returned an error.",
	},
)

// All returns every orchestrator-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		Info,
		ActiveContainers,
		ContainerDeploymentsTotal,
		ContainerDeploymentDuration,
		ContainerLifetime,
		RateLimitChecksTotal,
		RateLimitRejectionsTotal,
		ResourceQuotaChecksTotal,
		ResourceQuotaRejectionsTotal,
		ResourceUsagePercent,
		ResourceCurrent,
		ResourceLimit,
		ErrorsTotal,
		DatabaseOperationsTotal,
		DatabaseOperationDuration,
		DatabaseConnectionPool,
		PortPool,
		PortAllocationFailuresTotal,
		SweepFailuresTotal,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors and
// all orchestrator-specific collectors, and stamps the info gauge.
func NewRegistry(version, commit string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	Info.WithLabelValues(version, commit).Set(1)
	return reg
}

// BuildVersion reads the module version embedded by the Go toolchain at
// build time, falling back to "dev" when unavailable (e.g. `go run`).
func BuildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

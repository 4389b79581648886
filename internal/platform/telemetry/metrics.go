// Package telemetry holds the Prometheus collectors and OpenTelemetry tracer
// setup shared by the snapshot aggregator.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Token endpoint metrics
	TokenRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_token_requests_total",
			Help: "Total number of token endpoint requests by outcome",
		},
		[]string{"provider", "outcome"},
	)

	TokenCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_token_cache_hits_total",
			Help: "Total number of token requests served from the cache",
		},
		[]string{"provider"},
	)

	// FHIR upstream metrics
	FHIRRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_fhir_requests_total",
			Help: "Total number of FHIR search page requests",
		},
		[]string{"resource_type", "status"},
	)

	FHIRRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapshot_fhir_request_duration_seconds",
			Help:    "FHIR search page latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	// Snapshot metrics
	Snapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_builds_total",
			Help: "Total number of snapshot builds by outcome",
		},
		[]string{"provider", "outcome"},
	)

	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapshot_build_duration_seconds",
			Help:    "End-to-end snapshot latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	NormalizationWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_normalization_warnings_total",
			Help: "Total number of resources recovered with fallback values",
		},
		[]string{"category"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapshot_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveFHIR records one FHIR page request. status is 0 for transport failures.
func ObserveFHIR(resourceType string, status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	FHIRRequests.WithLabelValues(resourceType, label).Inc()
	FHIRRequestDuration.WithLabelValues(resourceType).Observe(elapsed.Seconds())
}

// Middleware instruments echo requests (RED metrics). The route template is
// used as the path label to keep cardinality bounded.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

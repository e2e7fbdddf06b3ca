package metrics

import (
	"regexp"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestDuration tracks HTTP request duration in seconds by method, path, status.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Materializations counts materialization runs by result (ok, conflict, error).
	Materializations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_materializations_total",
			Help: "Materialization runs by result",
		},
		[]string{"result"},
	)

	InstancesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_instances_created_total",
			Help: "Activity instances inserted by materialization",
		},
	)

	InstancesDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_instances_discarded_total",
			Help: "Activity instances deleted by materialization",
		},
	)
)

var (
	idPathSegment = regexp.MustCompile(`/([0-9]+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})(/|$)`)
	initOnce      sync.Once
)

func init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestDuration, RequestTotal, Materializations, InstancesCreated, InstancesDiscarded)
	})
}

// NormalizePath replaces numeric and UUID path segments with {id}.
// E.g. /v1/instances/5f0c...e1 -> /v1/instances/{id}.
func NormalizePath(path string) string {
	return idPathSegment.ReplaceAllString(path, "/{id}$2")
}

// RecordRequest records duration and count for an HTTP request.
func RecordRequest(method, path string, statusCode int, durationSeconds float64) {
	path = NormalizePath(path)
	status := strconv.Itoa(statusCode)
	RequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	RequestTotal.WithLabelValues(method, path, status).Inc()
}

// RecordMaterialization counts one run and, when it succeeded, its row changes.
func RecordMaterialization(result string, created, discarded int) {
	Materializations.WithLabelValues(result).Inc()
	if created > 0 {
		InstancesCreated.Add(float64(created))
	}
	if discarded > 0 {
		InstancesDiscarded.Add(float64(discarded))
	}
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Name:      "jobs_total",
			Help:      "Finished syndication jobs by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	adapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Name:      "adapter_calls_total",
			Help:      "Platform adapter calls by platform and result class.",
		},
		[]string{"platform", "class"},
	)

	accountTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Name:      "account_trips_total",
			Help:      "Accounts tripped by the rate controller, per platform.",
		},
		[]string{"platform"},
	)

	sweepDelists = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Name:      "sweep_delists_total",
			Help:      "Delist jobs enqueued by the reconciliation sweep.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crosspost",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crosspost",
			Name:      "job_queue_depth",
			Help:      "Jobs currently waiting in the fast-path queue.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(jobsTotal, adapterCalls, accountTrips, sweepDelists, httpRequests, queueDepth)
	})
}

// IncJob increments the finished-jobs counter.
func IncJob(action, outcome string) {
	jobsTotal.WithLabelValues(action, outcome).Inc()
}

// IncAdapterCall increments the adapter-call counter.
func IncAdapterCall(platform, class string) {
	adapterCalls.WithLabelValues(platform, class).Inc()
}

// IncAccountTrip increments the tripped-accounts counter.
func IncAccountTrip(platform string) {
	accountTrips.WithLabelValues(platform).Inc()
}

// IncSweepDelist increments the reconciliation delist counter.
func IncSweepDelist() {
	sweepDelists.Inc()
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// SetQueueDepth records the current fast-path queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

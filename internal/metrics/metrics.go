// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Compliance posture, refreshed by the monitor
	ConsentRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "compliance_consent_rate",
			Help: "Percentage of users holding an active marketing consent",
		},
	)

	OpenBreaches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "compliance_open_breaches",
			Help: "Number of breach incidents not yet resolved",
		},
	)

	RetentionViolations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compliance_retention_violations",
			Help: "Records past their retention cutoff by data type",
		},
		[]string{"data_type"},
	)

	PendingDataRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "compliance_pending_data_requests",
			Help: "Number of data subject requests awaiting completion",
		},
	)

	AlertsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compliance_alerts_open",
			Help: "Unresolved compliance alerts by type",
		},
		[]string{"alert_type"},
	)

	// Retention
	RetentionRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_retention_records_total",
			Help: "Records handled by retention jobs by deletion method and result",
		},
		[]string{"method", "result"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_job_runs_total",
			Help: "Retention job runs by final status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "compliance_job_duration_seconds",
			Help:    "Retention job run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	SchedulerTicksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compliance_scheduler_tick_failures_total",
			Help: "Scheduler ticks that could not load due jobs",
		},
	)

	// Notifications
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_notifications_total",
			Help: "Retention notification delivery attempts by result",
		},
		[]string{"result"},
	)

	// API
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compliance_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ConsentRate)
	prometheus.MustRegister(OpenBreaches)
	prometheus.MustRegister(RetentionViolations)
	prometheus.MustRegister(PendingDataRequests)
	prometheus.MustRegister(AlertsOpen)
	prometheus.MustRegister(RetentionRecordsTotal)
	prometheus.MustRegister(JobRunsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(SchedulerTicksFailed)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer observes elapsed time into a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// Package metrics declares the Prometheus collectors the scheduler, worker
// pool, and executor update as jobs run, and the HTTP handler that exposes
// them for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var jobsSubmittedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netsshd_jobs_submitted_total",
	Help: "counter of jobs accepted by the planner, by schedule type",
}, []string{"schedule_type"})

var jobsCompletedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netsshd_jobs_completed_total",
	Help: "counter of jobs that reached a terminal status, by status",
}, []string{"status"})

var commandDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "netsshd_command_duration_seconds",
	Help:    "observed duration of a single send_command call, by device_type",
	Buckets: prometheus.DefBuckets,
}, []string{"device_type"})

var commandsRetriedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netsshd_commands_retried_total",
	Help: "counter of command retry attempts, by device_type",
}, []string{"device_type"})

var connectionPoolOccupancyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "netsshd_connection_pool_occupancy",
	Help: "current count of cached pooled connections; the worker pool reports its one shared cache under slot=\"pool\"",
}, []string{"slot"})

var workerSlotsBusyGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "netsshd_worker_slots_busy",
	Help: "current count of worker slots with a job in flight",
})

var plannerLagGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "netsshd_planner_lag_seconds",
	Help: "seconds between a due job's scheduled time and when the planner actually submitted it",
})

var connectionsDialedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "netsshd_connections_dialed_total",
	Help: "counter of SSH connection attempts, by device_type and outcome",
}, []string{"device_type", "outcome"})

// JobSubmitted records a job accepted by the planner.
func JobSubmitted(scheduleType string) {
	jobsSubmittedCounter.WithLabelValues(scheduleType).Inc()
}

// JobCompleted records a job's terminal status.
func JobCompleted(status string) {
	jobsCompletedCounter.WithLabelValues(status).Inc()
}

// ObserveCommand records how long a single command took to execute.
func ObserveCommand(deviceType string, seconds float64) {
	commandDurationHistogram.WithLabelValues(deviceType).Observe(seconds)
}

// CommandRetried records one retry attempt for a command.
func CommandRetried(deviceType string) {
	commandsRetriedCounter.WithLabelValues(deviceType).Inc()
}

// SetPoolOccupancy records the current cached-connection count under the
// given slot label.
func SetPoolOccupancy(slot string, count int) {
	connectionPoolOccupancyGauge.WithLabelValues(slot).Set(float64(count))
}

// SetWorkerSlotsBusy records how many worker slots currently have a job in flight.
func SetWorkerSlotsBusy(n int) {
	workerSlotsBusyGauge.Set(float64(n))
}

// ObservePlannerLag records the delay between a job's scheduled time and its submission.
func ObservePlannerLag(seconds float64) {
	plannerLagGauge.Set(seconds)
}

// ConnectionDialed records the outcome ("ok" or "error") of a dial attempt.
func ConnectionDialed(deviceType, outcome string) {
	connectionsDialedCounter.WithLabelValues(deviceType, outcome).Inc()
}

// Handler returns the HTTP handler that exposes the registered collectors
// in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes the monitor's Prometheus instrumentation: task
// queue depth, task outcomes and durations, flash results, and crossbar
// retries. The scheduler and task manager record into these collectors;
// cmd/monitor mounts Handler on the admission server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PendingTests tracks entries currently parked in the task manager's
	// TTL cache awaiting websocket connection.
	PendingTests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_pending_tests",
		Help: "Test tasks waiting for their websocket to connect.",
	})

	// ReadyTests tracks tasks promoted past ticket validation and queued
	// for the scheduler.
	ReadyTests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_ready_tests",
		Help: "Test tasks queued for scheduler execution.",
	})

	// TasksTotal counts finished tasks by kind and outcome.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_tasks_total",
		Help: "Completed tasks by kind (test, reinit) and outcome (ok, error).",
	}, []string{"kind", "outcome"})

	// TaskDuration observes wall-clock seconds per completed task.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hive_task_duration_seconds",
		Help:    "Wall-clock duration of completed tasks.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind"})

	// FlashResults counts per-target flash outcomes.
	FlashResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_flash_results_total",
		Help: "Testbinary flash attempts by result (ok, error).",
	}, []string{"result"})

	// CrossbarRetries counts crossbar open-all retry rounds that were
	// needed beyond the first attempt.
	CrossbarRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_crossbar_retries_total",
		Help: "Crossbar switch-clearing attempts beyond the first.",
	})

	// TicketValidations counts ticket validation attempts by outcome
	// (valid, invalid).
	TicketValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_ticket_validations_total",
		Help: "Websocket ticket validations by outcome.",
	}, []string{"outcome"})
)

// RecordFlashStatuses folds a flash round's outcomes into FlashResults.
func RecordFlashStatuses(okCount, errCount int) {
	FlashResults.WithLabelValues("ok").Add(float64(okCount))
	FlashResults.WithLabelValues("error").Add(float64(errCount))
}

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_orchestrator_tasks_submitted_total",
		Help: "Total number of tasks submitted",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "download_orchestrator_tasks_finished_total",
		Help: "Total number of tasks reaching a terminal status",
	}, []string{"status"})

	AttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_orchestrator_attempts_total",
		Help: "Total number of transfer attempts started",
	})

	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_orchestrator_retries_total",
		Help: "Total number of attempts rescheduled after a transient failure",
	})

	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_orchestrator_integrity_failures_total",
		Help: "Total number of artifacts failing size or digest verification",
	})

	AttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "download_orchestrator_attempt_duration_seconds",
		Help:    "Transfer attempt duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	BytesTransferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_orchestrator_bytes_total",
		Help: "Total bytes written to partial artifacts",
	})

	SlotsOccupied = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_orchestrator_slots_occupied",
		Help: "Number of concurrency slots currently held",
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "download_orchestrator_queue_length",
		Help: "Number of tasks waiting in the queue, paused ones included",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "download_orchestrator_events_dropped_total",
		Help: "Total number of events dropped for slow subscribers",
	})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Execution metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "goodq",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from a job becoming runnable to a worker claiming it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "goodq",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of one job attempt.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"outcome"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "goodq",
		Name:      "jobs_in_flight",
		Help:      "Jobs currently being performed by this process.",
	})

	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goodq",
		Name:      "jobs_finished_total",
		Help:      "Total attempt outcomes, by kind.",
	}, []string{"outcome"})

	JobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goodq",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs enqueued by this process, by queue.",
	}, []string{"queue"})

	ConcurrencyRefusalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "goodq",
		Name:      "concurrency_refusals_total",
		Help:      "Enqueues and perform attempts refused by concurrency limits.",
	}, []string{"phase", "reason"})

	// Notifier

	NotificationsReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goodq",
		Name:      "notifications_received_total",
		Help:      "LISTEN notifications received.",
	})

	// Lifeline and pruner

	LifelineRescuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goodq",
		Name:      "lifeline_rescued_total",
		Help:      "Abandoned jobs returned to the queue by the lifeline.",
	})

	PrunedJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goodq",
		Name:      "pruned_jobs_total",
		Help:      "Finished job rows deleted by the pruner.",
	})

	// Process lifecycle

	WorkerStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "goodq",
		Name:      "worker_start_time_seconds",
		Help:      "Unix timestamp when this worker process started.",
	})

	WorkerShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "goodq",
		Name:      "worker_shutdowns_total",
		Help:      "Number of times the worker loop has shut down.",
	})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobExecutionDuration,
		JobsInFlight,
		JobsFinishedTotal,
		JobsEnqueuedTotal,
		ConcurrencyRefusalsTotal,
		NotificationsReceivedTotal,
		LifelineRescuedTotal,
		PrunedJobsTotal,
		WorkerStartTime,
		WorkerShutdownsTotal,
	)
}

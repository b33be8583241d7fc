// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	runsTotalCounter            *prometheus.CounterVec
	stepsTotalCounter           *prometheus.CounterVec
	stepExecutionDurationMetric prometheus.Histogram
	stepRetriesCounter          prometheus.Counter
	queueWaitMetric             prometheus.Histogram
	queueDepthGauge             prometheus.Gauge
	workersBusyGauge            prometheus.Gauge
	eventsDroppedCounter        prometheus.Counter
	webhookDeliveriesCounter    *prometheus.CounterVec
	httpRequestDurationMetric   *prometheus.HistogramVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_runs_total",
				Help: "Total number of run status transitions by status.",
			},
			[]string{"status"},
		)

		stepsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_steps_total",
				Help: "Total number of step terminal updates by status.",
			},
			[]string{"status"},
		)

		stepExecutionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "playbook_step_execution_duration_seconds",
				Help:    "Duration of step handler calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		stepRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "playbook_step_retries_total",
				Help: "Total number of retried step attempts.",
			},
		)

		queueWaitMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "playbook_queue_wait_seconds",
				Help:    "Time between job enqueue and worker claim in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		queueDepthGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "playbook_queue_depth",
				Help: "Jobs waiting to be claimed.",
			},
		)

		workersBusyGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "playbook_workers_busy",
				Help: "Workers currently executing a job.",
			},
		)

		eventsDroppedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "playbook_events_dropped_total",
				Help: "Events dropped because the publish buffer was full.",
			},
		)

		webhookDeliveriesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "playbook_webhook_deliveries_total",
				Help: "Terminal webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "playbook_http_request_duration_seconds",
				Help:    "API request latency by route pattern and status code.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		)

		prometheus.MustRegister(
			runsTotalCounter,
			stepsTotalCounter,
			stepExecutionDurationMetric,
			stepRetriesCounter,
			queueWaitMetric,
			queueDepthGauge,
			workersBusyGauge,
			eventsDroppedCounter,
			webhookDeliveriesCounter,
			httpRequestDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.RunStatus{
			domain.RunPending,
			domain.RunRunning,
			domain.RunSucceeded,
			domain.RunFailed,
			domain.RunCanceled,
		} {
			runsTotalCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.StepStatus{
			domain.StepSucceeded,
			domain.StepFailed,
			domain.StepSkipped,
			domain.StepCanceled,
		} {
			stepsTotalCounter.WithLabelValues(string(status))
		}

		for _, outcome := range []string{"delivered", "failed"} {
			webhookDeliveriesCounter.WithLabelValues(outcome)
		}
	})
}

func IncRunStatus(status string) {
	Init()
	runsTotalCounter.WithLabelValues(status).Inc()
}

func IncStepStatus(status string) {
	Init()
	stepsTotalCounter.WithLabelValues(status).Inc()
}

func ObserveStepExecutionDuration(d time.Duration) {
	Init()
	stepExecutionDurationMetric.Observe(d.Seconds())
}

func IncStepRetries() {
	Init()
	stepRetriesCounter.Inc()
}

func ObserveQueueWait(d time.Duration) {
	Init()
	queueWaitMetric.Observe(d.Seconds())
}

func SetQueueDepth(n int) {
	Init()
	queueDepthGauge.Set(float64(n))
}

func SetWorkersBusy(n int) {
	Init()
	workersBusyGauge.Set(float64(n))
}

func IncEventsDropped() {
	Init()
	eventsDroppedCounter.Inc()
}

func IncWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesCounter.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records one API request. route must be the router
// pattern, not the raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestDurationMetric.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// Package metrics exports judge pipeline metrics to prometheus.
package metrics

import (
	"time"

	"judgecore/internal/judge/model"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "judge"

var (
	// 10ms -> 5min
	processBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}
	// 1ms -> 20s
	sandboxBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20}

	caseVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "case_verdicts_total",
		Help:      "Number of case results recorded per verdict",
	}, []string{"verdict", "language"})

	sandboxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sandbox_retries_total",
		Help:      "Number of sandbox calls retried after a transient fault",
	})

	sandboxTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "sandbox_call_seconds",
		Help:      "Histogram for sandbox call latency",
		Buckets:   sandboxBuckets,
	})

	processesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "processes_finished_total",
		Help:      "Number of processes reaching a terminal status",
	}, []string{"status"})

	processTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "process_seconds",
		Help:      "Histogram for the wall time of one process run",
		Buckets:   processBuckets,
	})

	projections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "projections_total",
		Help:      "Number of projection attempts per outcome",
	}, []string{"outcome"})

	activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "active_runs",
		Help:      "Number of processes currently executing on this node",
	})

	queueItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "queue_items",
		Help:      "Dispatch queue items per state",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(caseVerdicts, sandboxRetries, sandboxTime)
	prometheus.MustRegister(processesFinished, processTime, projections)
	prometheus.MustRegister(activeRuns, queueItems)
}

// ObserveVerdict counts one recorded case result.
func ObserveVerdict(v model.Verdict, language string) {
	caseVerdicts.WithLabelValues(string(v), language).Inc()
}

// ObserveSandboxCall records one sandbox call and the retries it needed.
func ObserveSandboxCall(d time.Duration, attempts int) {
	sandboxTime.Observe(d.Seconds())
	if attempts > 1 {
		sandboxRetries.Add(float64(attempts - 1))
	}
}

// ObserveProcess records a terminal process.
func ObserveProcess(status model.ProcessStatus, d time.Duration) {
	processesFinished.WithLabelValues(string(status)).Inc()
	if d > 0 {
		processTime.Observe(d.Seconds())
	}
}

// ObserveProjection counts a projection outcome.
func ObserveProjection(outcome string) {
	projections.WithLabelValues(outcome).Inc()
}

// RunStarted and RunFinished track the active run gauge.
func RunStarted()  { activeRuns.Inc() }
func RunFinished() { activeRuns.Dec() }

// SetQueueItems publishes the latest queue counts.
func SetQueueItems(ready, delayed, inFlight int64) {
	queueItems.WithLabelValues("ready").Set(float64(ready))
	queueItems.WithLabelValues("delayed").Set(float64(delayed))
	queueItems.WithLabelValues("in_flight").Set(float64(inFlight))
}

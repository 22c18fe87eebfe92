package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	jobDuration      *prom.HistogramVec
	jobRetries       *prom.CounterVec
	jobFailures      *prom.CounterVec
	stageTransitions *prom.CounterVec
	reconcileResults *prom.CounterVec
	queueDepth       *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.jobDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "towncrier",
			Name:      "job_duration_seconds",
			Help:      "Duration of individual pipeline jobs",
			Buckets:   prom.DefBuckets,
		}, []string{"queue", "func", "result"})
		pr.jobRetries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "towncrier",
			Name:      "job_retries_total",
			Help:      "Jobs rescheduled after transient failures",
		}, []string{"queue"})
		pr.jobFailures = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "towncrier",
			Name:      "job_failures_total",
			Help:      "Job failures by error fingerprint",
		}, []string{"queue", "fingerprint"})
		pr.stageTransitions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "towncrier",
			Name:      "stage_transitions_total",
			Help:      "Sites advanced into a pipeline stage",
		}, []string{"stage"})
		pr.reconcileResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "towncrier",
			Name:      "reconcile_outcomes_total",
			Help:      "Reconciler sweep outcomes per inspected site",
		}, []string{"outcome"})
		pr.queueDepth = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "towncrier",
			Name:      "queue_depth",
			Help:      "Jobs currently in each queue by status",
		}, []string{"queue", "status"})
		reg.MustRegister(pr.jobDuration, pr.jobRetries, pr.jobFailures, pr.stageTransitions, pr.reconcileResults, pr.queueDepth)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveJobDuration(queue, funcName string, d time.Duration, success bool) {
	if p == nil || p.jobDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.jobDuration.WithLabelValues(queue, funcName, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncJobRetry(queue string) {
	if p == nil || p.jobRetries == nil {
		return
	}
	p.jobRetries.WithLabelValues(queue).Inc()
}

func (p *PrometheusRecorder) IncJobFailure(queue, fingerprint string) {
	if p == nil || p.jobFailures == nil {
		return
	}
	p.jobFailures.WithLabelValues(queue, fingerprint).Inc()
}

func (p *PrometheusRecorder) IncStageTransition(stage string) {
	if p == nil || p.stageTransitions == nil {
		return
	}
	p.stageTransitions.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncReconcileOutcome(outcome ReconcileOutcome) {
	if p == nil || p.reconcileResults == nil {
		return
	}
	p.reconcileResults.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(queue, status string, n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(queue, status).Set(float64(n))
}

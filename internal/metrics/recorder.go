package metrics

import "time"

// ReconcileOutcome enumerates reconciler sweep results per site.
type ReconcileOutcome string

const (
	ReconcileRepaired ReconcileOutcome = "repaired"
	ReconcileStalled  ReconcileOutcome = "stalled"
	ReconcileSkipped  ReconcileOutcome = "skipped"
	ReconcileFailed   ReconcileOutcome = "failed"
)

// Recorder defines observability hooks for pipeline metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe for
// nil receivers when using the NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveJobDuration(queue, funcName string, d time.Duration, success bool)
	IncJobRetry(queue string)
	IncJobFailure(queue, fingerprint string)
	IncStageTransition(stage string)
	IncReconcileOutcome(outcome ReconcileOutcome)
	SetQueueDepth(queue, status string, n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveJobDuration(string, string, time.Duration, bool) {}
func (NoopRecorder) IncJobRetry(string)                                    {}
func (NoopRecorder) IncJobFailure(string, string)                          {}
func (NoopRecorder) IncStageTransition(string)                             {}
func (NoopRecorder) IncReconcileOutcome(ReconcileOutcome)                  {}
func (NoopRecorder) SetQueueDepth(string, string, int)                     {}

package domain

import "time"

// Queue names. A worker binds to one or more queues; high is reserved for
// operator-priority fetches and is always drained first.
const (
	QueueHigh        = "high"
	QueueFetch       = "fetch"
	QueueOCR         = "ocr"
	QueueCompilation = "compilation"
	QueueExtraction  = "extraction"
	QueueDeploy      = "deploy"
)

// AllQueues lists every queue in claim-priority order.
var AllQueues = []string{QueueHigh, QueueFetch, QueueOCR, QueueCompilation, QueueExtraction, QueueDeploy}

// Job function names dispatched by the worker runtime.
const (
	FuncFetch          = "fetch"
	FuncOCRPage        = "ocr-page"
	FuncOCRCoordinator = "ocr-coordinator"
	FuncCompile        = "compile"
	FuncExtract        = "extract"
	FuncDeploy         = "deploy"
)

// JobStatus tracks a job through the queue.
type JobStatus string

const (
	// JobQueued jobs are eligible for claiming once available_at has passed.
	JobQueued JobStatus = "queued"
	// JobDeferred jobs wait on unfinished dependencies and are never dispatched.
	JobDeferred JobStatus = "deferred"
	// JobStarted jobs are leased to a worker until available_at; an expired
	// lease makes the job claimable again (at-least-once delivery).
	JobStarted JobStatus = "started"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// Job is a queue-resident unit of work. The Site row is the only
// authoritative pipeline state; a job references its site by subdomain only.
type Job struct {
	ID          string
	Queue       string
	FuncName    string
	Args        []byte // JSON-encoded per-function arguments
	Subdomain   string
	RunID       string
	Description string

	// ParentJobID is the job whose handler enqueued this one. Empty for
	// operator- and reconciler-issued jobs. Observability only: dependency
	// ordering lives in pipeline_job_deps.
	ParentJobID string

	Status      JobStatus
	RetryCount  int
	MaxRetries  int
	Timeout     time.Duration
	ResultTTL   time.Duration
	PendingDeps int

	AvailableAt time.Time
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time

	ErrorMessage string
	WorkerID     string
}

// FailedJob is a failure-registry entry. Jobs land here on critical errors,
// panics, timeouts, and exhausted retries, and stay until an operator
// retries or discards them.
type FailedJob struct {
	ID            string
	OriginalJobID string
	Queue         string
	FuncName      string
	Args          []byte
	Subdomain     string
	RunID         string

	// ErrorType is one of "critical", "panic", "timeout", "exhausted".
	ErrorType    string
	ErrorMessage string
	StackTrace   *string
	Fingerprint  string

	RetryCount   int
	LastWorkerID string
	FailedAt     time.Time

	ResolvedAt *time.Time
	Resolution *string
}

// QueueDepth is a per-queue snapshot of job states, reported by the ops
// surface and the depth gauge.
type QueueDepth struct {
	Queue    string
	Queued   int
	Deferred int
	Started  int
	Failed   int
}

package pipeline

import (
	"context"
	"time"

	"github.com/rezkam/towncrier/internal/domain"
)

// SiteStore is the authoritative pipeline state for tracked sites.
// All methods are safe for concurrent use by multiple workers: counter
// updates are single-row atomic operations and the coordinator latch is
// claimed by exactly one caller per stage transition.
type SiteStore interface {
	// === Roster ===

	// UpsertSite inserts or refreshes a site's identity fields. Pipeline
	// state (stage, counters, latch) is never touched on conflict.
	UpsertSite(ctx context.Context, site *domain.Site) error

	// GetSite returns a site with its per-stage counters.
	// Returns domain.ErrSiteNotFound if the subdomain is unknown.
	GetSite(ctx context.Context, subdomain string) (*domain.Site, error)

	// ListSites returns all tracked sites with counters, ordered by subdomain.
	ListSites(ctx context.Context) ([]*domain.Site, error)

	// === Stage Protocol ===

	// InitializeStage moves the site into stage with a fan-out of total
	// units: counters reset to {total, 0, 0} and the coordinator latch
	// reopens. This is the only operation that resets the latch.
	InitializeStage(ctx context.Context, subdomain string, stage domain.Stage, total int) error

	// IncrementCompleted adds one completed unit and returns the counters
	// as of this update. The site's updated_at advances, so counter
	// traffic counts as progress for stuck detection.
	IncrementCompleted(ctx context.Context, subdomain string, stage domain.Stage) (domain.StageCounters, error)

	// IncrementFailed adds one failed unit, records the error on the site
	// (message truncated to the store's bound), and returns the counters as
	// of this update. A failed unit still drives the stage toward
	// completion.
	IncrementFailed(ctx context.Context, subdomain string, stage domain.Stage, errMsg string) (domain.StageCounters, error)

	// ShouldTriggerCoordinator reports whether every unit of the stage has
	// terminated and the latch is still open. Advisory only: callers must
	// still win ClaimCoordinatorEnqueue before acting.
	ShouldTriggerCoordinator(ctx context.Context, subdomain string, stage domain.Stage) (bool, error)

	// ClaimCoordinatorEnqueue flips the single-shot latch. The claim is
	// scoped to the stage being left: once the site advances past it, late
	// claims for that transition can never win. Exactly one caller per
	// stage transition observes true; everyone else false.
	ClaimCoordinatorEnqueue(ctx context.Context, subdomain string, from domain.Stage) (bool, error)

	// MarkSiteCompleted records the terminal stage after deploy finishes.
	MarkSiteCompleted(ctx context.Context, subdomain string) error

	// === Reconciliation ===

	// ListStuckSites returns non-terminal sites without progress since the
	// cutoff, oldest first, limited to limit rows.
	ListStuckSites(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Site, error)

	// RaiseCompleted lifts a stage's completed counter to observed when the
	// filesystem shows more finished work than the counters recorded.
	// Clamped to total and never lowered; returns the counters after the
	// correction.
	RaiseCompleted(ctx context.Context, subdomain string, stage domain.Stage, observed int) (domain.StageCounters, error)
}

// JobQueue manages durable background job execution across named queues.
// All methods are safe for concurrent use by multiple workers. Job claiming
// is atomic: concurrent workers never receive the same job while its lease
// is live.
type JobQueue interface {
	// === Job Insertion ===

	// EnqueueJob inserts a job. With dependencies the job starts deferred
	// and becomes claimable only when every dependency finishes; a failed
	// dependency leaves it deferred forever.
	EnqueueJob(ctx context.Context, job *domain.Job, dependsOn []string) error

	// EnqueueMany inserts multiple independent jobs atomically.
	EnqueueMany(ctx context.Context, jobs []*domain.Job) error

	// === Job Claiming & Processing ===

	// ClaimNextJob atomically claims the next available job from the given
	// queues, honoring their order as priority. Returns nil if no job is
	// available. Jobs whose lease expired are reclaimed here, which is the
	// at-least-once redelivery path after a worker crash.
	ClaimNextJob(ctx context.Context, queues []string, workerID string, availabilityTimeout time.Duration) (*domain.Job, error)

	// ExtendJobLease extends the lease of a started job.
	// Returns domain.ErrJobOwnershipLost if the job is no longer held by
	// this worker. Used as heartbeat while processing.
	ExtendJobLease(ctx context.Context, jobID, workerID string, extension time.Duration) error

	// === Job Completion ===

	// CompleteJob marks a job finished and releases its dependents.
	// Returns domain.ErrJobOwnershipLost if the job is no longer held by
	// this worker.
	CompleteJob(ctx context.Context, jobID, workerID string) error

	// FailJob records a failed attempt and schedules a retry with
	// exponential backoff and full jitter. When retries are exhausted the
	// job moves to the failure registry instead. Returns true if the job
	// will retry.
	FailJob(ctx context.Context, jobID, workerID, errMsg string, cfg RetryConfig) (willRetry bool, err error)

	// === Failure Registry ===

	// MoveToFailed moves a job to the failure registry without retrying.
	// errType: "critical", "panic" or "timeout".
	// Returns domain.ErrJobOwnershipLost if the job is no longer held by
	// this worker.
	MoveToFailed(ctx context.Context, job *domain.Job, workerID, errType, errMsg string, stackTrace *string) error

	// ListFailedJobs returns unresolved registry entries, newest first.
	ListFailedJobs(ctx context.Context, limit int) ([]*domain.FailedJob, error)

	// RetryFailedJob re-enqueues a fresh job from a registry entry and
	// marks the entry retried. Returns the new job ID.
	// Returns domain.ErrFailedJobNotFound if the entry doesn't exist.
	RetryFailedJob(ctx context.Context, failedID string) (newJobID string, err error)

	// DiscardFailedJob marks a registry entry as permanently discarded.
	// Returns domain.ErrFailedJobNotFound if the entry doesn't exist.
	DiscardFailedJob(ctx context.Context, failedID, note string) error

	// === Inspection & Maintenance ===

	// GetJob returns a job by ID.
	// Returns domain.ErrJobNotFound if the job doesn't exist.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// CountActiveJobs counts a site's jobs that are queued, deferred or
	// started for the given function. Guards against duplicate enqueues.
	CountActiveJobs(ctx context.Context, subdomain, funcName string) (int, error)

	// QueueDepths returns per-queue job counts by status.
	QueueDepths(ctx context.Context) ([]domain.QueueDepth, error)

	// PruneFinishedJobs deletes finished and failed jobs past their result
	// TTL, falling back to defaultTTL for jobs without one. Returns the
	// number of rows removed.
	PruneFinishedJobs(ctx context.Context, defaultTTL time.Duration) (int64, error)

	// === Exclusive Execution ===

	// TryAcquireExclusiveRun attempts to acquire an exclusive execution lock.
	// Returns (releaseFunc, true, nil) if lock acquired successfully.
	// Returns (nil, false, nil) if lock is held by another process.
	// The lock automatically expires after leaseDuration for crash recovery.
	TryAcquireExclusiveRun(ctx context.Context, runType string, holderID string, leaseDuration time.Duration) (release func(), acquired bool, err error)
}

// StageTransitioner performs the coordinator protocol's data mutation as one
// atomic step: claim the latch for the stage being left, initialize the next
// stage, and enqueue its jobs. Atomicity means a crash can never leave a
// claimed latch without the enqueued work that justifies the claim.
type StageTransitioner interface {
	// AdvanceStage executes one stage transition. Returns false with no
	// side effects when the latch is already claimed or the site has moved
	// past params.From.
	AdvanceStage(ctx context.Context, params AdvanceParams) (won bool, err error)

	// ClaimAndEnqueue claims the latch for from and enqueues one job in
	// the same transaction. The reconciler uses it so a rescue job and its
	// claim are inseparable.
	ClaimAndEnqueue(ctx context.Context, subdomain string, from domain.Stage, job *domain.Job) (won bool, err error)
}

// AdvanceParams describes one stage transition.
type AdvanceParams struct {
	Subdomain string
	From      domain.Stage
	Next      domain.Stage

	// Total is the fan-out size recorded on Next's counters.
	Total int

	// Children are Next's unit jobs, enqueued ready to claim.
	Children []*domain.Job

	// Coordinator optionally fans back in: enqueued deferred on every
	// child, claimable once all of them finish. With no children it is
	// enqueued ready.
	Coordinator *domain.Job

	// InheritClaim accepts an already-claimed latch. Used by a coordinator
	// whose enqueuer claimed the transition on its behalf; the From stage
	// predicate still applies, so replays after the site advanced lose.
	InheritClaim bool
}

// RetryConfig configures retry behavior for failed jobs.
type RetryConfig struct {
	MaxRetries int           // Maximum retry attempts (default: 3)
	BaseDelay  time.Duration // Initial delay between retries (default: 1 minute)
	MaxDelay   time.Duration // Maximum delay cap (default: 1 hour)
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Minute,
		MaxDelay:   time.Hour,
	}
}

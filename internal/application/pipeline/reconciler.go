package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/metrics"
)

// ReconcileConfig holds configuration for the reconciliation sweep.
type ReconcileConfig struct {
	// WorkerID is the unique identifier for this instance.
	// Used for lease ownership verification.
	WorkerID string

	// Interval between reconciliation sweeps (default: 15min)
	Interval time.Duration

	// MaxStartupJitter is the maximum random delay before the first sweep
	// (default: 30s). Prevents thundering herd when instances start together.
	MaxStartupJitter time.Duration

	// StuckAfter is how long a site may go without progress before the sweep
	// examines it (default: 2h). Progress means any counter or stage update.
	StuckAfter time.Duration

	// RateLimitDelay is the pause between sites (default: 100ms).
	RateLimitDelay time.Duration

	// BatchSize limits sites examined per sweep (default: 100, 0 = unlimited)
	BatchSize int

	// LeaseDuration is how long the exclusive sweep lease is valid (default: 5min)
	LeaseDuration time.Duration

	// DryRun reports every intended rescue without mutating anything.
	DryRun bool
}

// DefaultReconcileConfig returns sensible defaults.
func DefaultReconcileConfig(workerID string) ReconcileConfig {
	return ReconcileConfig{
		WorkerID:         workerID,
		Interval:         15 * time.Minute,
		MaxStartupJitter: 30 * time.Second,
		StuckAfter:       2 * time.Hour,
		RateLimitDelay:   100 * time.Millisecond,
		BatchSize:        100,
		LeaseDuration:    5 * time.Minute,
	}
}

// ReconcileRunType is the exclusive-run lease key for the sweep.
const ReconcileRunType = "pipeline-reconciliation"

// ReconcileSummary counts the outcomes of one sweep.
type ReconcileSummary struct {
	// Acquired is false when another instance held the sweep lease.
	Acquired bool

	Examined int
	Repaired int
	Stalled  int
	Skipped  int
	Failed   int
}

// Reconciler recovers sites that stopped advancing: crashed workers, lost
// coordinators, counters trailing the filesystem. Single-instance,
// level-triggered and rate-limited; every rescue goes through the same latch
// the live pipeline uses, so a sweep can never double work that is merely
// slow.
type Reconciler struct {
	pipe *Pipeline
	cfg  ReconcileConfig
}

// NewReconciler creates a reconciler over the given pipeline.
func NewReconciler(p *Pipeline, cfg ReconcileConfig) *Reconciler {
	return &Reconciler{pipe: p, cfg: cfg}
}

// Run starts the reconciliation loop with jittered startup and runs until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.cfg.MaxStartupJitter > 0 {
		jitter := rand.N(r.cfg.MaxStartupJitter)
		slog.InfoContext(ctx, "reconciler starting",
			slog.Duration("startup_jitter", jitter),
			slog.Duration("interval", r.cfg.Interval),
			slog.Duration("stuck_after", r.cfg.StuckAfter))

		timer := time.NewTimer(jitter)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if _, err := r.ReconcileOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "initial reconciliation failed", logfields.Error(err))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "reconciler stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reconciliation failed", logfields.Error(err))
			}
		}
	}
}

// ReconcileOnce runs a single sweep: acquire the exclusive lease, list sites
// without recent progress, and rescue each according to its stage. Dry runs
// skip the lease since they touch nothing.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileSummary, error) {
	startTime := time.Now().UTC()
	summary := ReconcileSummary{Acquired: true}

	if !r.cfg.DryRun {
		release, acquired, err := r.pipe.queue.TryAcquireExclusiveRun(ctx, ReconcileRunType, r.cfg.WorkerID, r.cfg.LeaseDuration)
		if err != nil {
			return summary, fmt.Errorf("failed to acquire lease: %w", err)
		}
		if !acquired {
			slog.DebugContext(ctx, "reconciliation skipped, another instance holds the lease")
			summary.Acquired = false
			return summary, nil
		}
		defer release()
	}

	cutoff := time.Now().UTC().Add(-r.cfg.StuckAfter)
	sites, err := r.pipe.store.ListStuckSites(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.WarnContext(ctx, "reconciliation aborted: shutdown requested")
			return summary, nil
		}
		return summary, fmt.Errorf("failed to list stuck sites: %w", err)
	}

	if len(sites) == 0 {
		slog.DebugContext(ctx, "reconciliation: no stuck sites")
		return summary, nil
	}

	slog.InfoContext(ctx, "reconciliation started",
		slog.Int("stuck_sites", len(sites)),
		slog.Time("cutoff", cutoff),
		slog.Bool("dry_run", r.cfg.DryRun))

	for i, site := range sites {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "reconciliation interrupted",
				slog.Int("examined", summary.Examined),
				slog.Int("remaining", len(sites)-summary.Examined))
			return summary, nil // Expected during shutdown
		default:
		}

		if r.cfg.RateLimitDelay > 0 && i > 0 {
			time.Sleep(r.cfg.RateLimitDelay)
		}

		outcome := r.reconcileSite(ctx, site)
		summary.Examined++
		switch outcome {
		case metrics.ReconcileRepaired:
			summary.Repaired++
		case metrics.ReconcileStalled:
			summary.Stalled++
		case metrics.ReconcileSkipped:
			summary.Skipped++
		case metrics.ReconcileFailed:
			summary.Failed++
		}
		if !r.cfg.DryRun {
			r.pipe.recorder.IncReconcileOutcome(outcome)
		}
	}

	slog.InfoContext(ctx, "reconciliation completed",
		slog.Int("examined", summary.Examined),
		slog.Int("repaired", summary.Repaired),
		slog.Int("stalled", summary.Stalled),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", time.Since(startTime)),
		slog.Bool("dry_run", r.cfg.DryRun))

	return summary, nil
}

// reconcileSite dispatches one stuck site to its stage's rescue. Rescues
// only ever add: re-enqueue lost jobs, lift counters toward the filesystem's
// truth. Nothing is decremented and the stage never moves backward.
func (r *Reconciler) reconcileSite(ctx context.Context, site *domain.Site) metrics.ReconcileOutcome {
	switch site.CurrentStage {
	case domain.StageFetch:
		return r.rescueFetch(ctx, site)
	case domain.StageOCR:
		return r.rescueOCR(ctx, site)
	case domain.StageCompilation, domain.StageExtraction, domain.StageDeploy:
		return r.rescueStageJob(ctx, site)
	default:
		slog.WarnContext(ctx, "reconciliation: site in unexpected stage",
			logfields.Subdomain(site.Subdomain),
			logfields.Stage(string(site.CurrentStage)))
		return metrics.ReconcileSkipped
	}
}

// rescueFetch re-enqueues a lost fetch. Fetch restarts the pipeline head, so
// no transition claim is involved; the only guard is against a fetch that is
// merely slow or queued behind a backlog.
func (r *Reconciler) rescueFetch(ctx context.Context, site *domain.Site) metrics.ReconcileOutcome {
	active, err := r.pipe.queue.CountActiveJobs(ctx, site.Subdomain, domain.FuncFetch)
	if err != nil {
		return r.siteFailed(ctx, site, "failed to count fetch jobs", err)
	}
	if active > 0 {
		return r.siteSkipped(ctx, site, "fetch job still active")
	}

	if r.cfg.DryRun {
		slog.InfoContext(ctx, "reconciliation: would re-enqueue fetch",
			logfields.Subdomain(site.Subdomain),
			slog.Bool("dry_run", true))
		return metrics.ReconcileRepaired
	}

	runID := domain.RecoveredRunID(site.Subdomain)
	job, err := r.pipe.newJob(domain.QueueFetch, domain.FuncFetch, site.Subdomain, runID, "",
		fmt.Sprintf("fetch %s (recovered)", site.Subdomain), nil)
	if err != nil {
		return r.siteFailed(ctx, site, "failed to build fetch job", err)
	}
	if err := r.pipe.queue.EnqueueJob(ctx, job, nil); err != nil {
		return r.siteFailed(ctx, site, "failed to enqueue fetch", err)
	}

	slog.InfoContext(ctx, "reconciliation: re-enqueued fetch",
		logfields.Subdomain(site.Subdomain),
		logfields.RunID(runID),
		logfields.JobID(job.ID))
	return metrics.ReconcileRepaired
}

// rescueOCR recovers a site stuck mid fan-out. The filesystem is ground
// truth: documents with text on disk count as completed even if the worker
// died before recording them. Once the counters account for every unit, a
// recovery coordinator is issued through the same latch a live coordinator
// would claim.
func (r *Reconciler) rescueOCR(ctx context.Context, site *domain.Site) metrics.ReconcileOutcome {
	active, err := r.pipe.queue.CountActiveJobs(ctx, site.Subdomain, domain.FuncOCRPage)
	if err != nil {
		return r.siteFailed(ctx, site, "failed to count ocr jobs", err)
	}
	if active > 0 {
		return r.siteSkipped(ctx, site, "ocr fan-out still active")
	}

	observed, err := r.pipe.layout.CountTextComplete(site.Subdomain)
	if err != nil {
		return r.siteFailed(ctx, site, "failed to count recognized documents", err)
	}

	counters := site.CountersFor(domain.StageOCR)
	if observed > counters.Completed {
		if r.cfg.DryRun {
			slog.InfoContext(ctx, "reconciliation: would raise ocr completed",
				logfields.Subdomain(site.Subdomain),
				slog.Int("recorded", counters.Completed),
				slog.Int("observed", observed),
				slog.Bool("dry_run", true))
			lifted := counters
			lifted.Completed = min(observed, counters.Total-counters.Failed)
			counters = lifted
		} else {
			counters, err = r.pipe.store.RaiseCompleted(ctx, site.Subdomain, domain.StageOCR, observed)
			if err != nil {
				return r.siteFailed(ctx, site, "failed to raise completed counter", err)
			}
			slog.InfoContext(ctx, "reconciliation: raised ocr completed to filesystem truth",
				logfields.Subdomain(site.Subdomain),
				slog.Int("observed", observed),
				slog.Int("completed", counters.Completed),
				slog.Int("failed", counters.Failed),
				slog.Int("total", counters.Total))
		}
	}

	if !counters.Done() {
		// Units neither recorded nor on disk, and no jobs alive to produce
		// them: their jobs sit in the failure registry. Only an operator
		// retry can move this site.
		slog.WarnContext(ctx, "reconciliation: site stalled in ocr",
			logfields.Subdomain(site.Subdomain),
			slog.Int("completed", counters.Completed),
			slog.Int("failed", counters.Failed),
			slog.Int("total", counters.Total),
			slog.Int("observed", observed))
		return metrics.ReconcileStalled
	}

	if r.cfg.DryRun {
		slog.InfoContext(ctx, "reconciliation: would issue recovery coordinator",
			logfields.Subdomain(site.Subdomain),
			slog.Bool("latch_open", !site.CoordinatorEnqueued),
			slog.Bool("dry_run", true))
		return metrics.ReconcileRepaired
	}

	runID := domain.RecoveredRunID(site.Subdomain)
	job, err := r.pipe.newJob(domain.QueueCompilation, domain.FuncOCRCoordinator, site.Subdomain, runID, "",
		fmt.Sprintf("ocr coordinator %s (recovered)", site.Subdomain), StageArgs{InheritClaim: true})
	if err != nil {
		return r.siteFailed(ctx, site, "failed to build coordinator job", err)
	}

	if !site.CoordinatorEnqueued {
		// Latch open with a complete fan-out: the coordinator was lost.
		// Claim and enqueue atomically; losing means a live coordinator beat
		// us to it, which is the good outcome.
		won, err := r.pipe.advancer.ClaimAndEnqueue(ctx, site.Subdomain, domain.StageOCR, job)
		if err != nil {
			return r.siteFailed(ctx, site, "failed to claim and enqueue coordinator", err)
		}
		if !won {
			return r.siteSkipped(ctx, site, "coordinator latch claimed concurrently")
		}
	} else {
		// Latch already claimed yet the site never advanced: the claimer's
		// coordinator is gone, most likely into the failure registry. The
		// inherit flag lets the replacement proceed past the held latch.
		count, err := r.pipe.queue.CountActiveJobs(ctx, site.Subdomain, domain.FuncOCRCoordinator)
		if err != nil {
			return r.siteFailed(ctx, site, "failed to count coordinator jobs", err)
		}
		if count > 0 {
			return r.siteSkipped(ctx, site, "coordinator still active")
		}
		if err := r.pipe.queue.EnqueueJob(ctx, job, nil); err != nil {
			return r.siteFailed(ctx, site, "failed to enqueue coordinator", err)
		}
	}

	slog.InfoContext(ctx, "reconciliation: issued recovery coordinator",
		logfields.Subdomain(site.Subdomain),
		logfields.RunID(runID),
		logfields.JobID(job.ID))
	return metrics.ReconcileRepaired
}

// rescueStageJob re-issues the unit job of a single-job stage. The rescue
// claims the stage's transition latch when it is still open, so repeated
// sweeps cannot stack duplicate jobs; the job itself converges under
// redelivery regardless.
func (r *Reconciler) rescueStageJob(ctx context.Context, site *domain.Site) metrics.ReconcileOutcome {
	stage := site.CurrentStage
	queueName, funcName, ok := stageJobSpec(stage)
	if !ok {
		return r.siteFailed(ctx, site, "no unit job for stage", fmt.Errorf("%w: %s", domain.ErrUnknownStage, stage))
	}

	active, err := r.pipe.queue.CountActiveJobs(ctx, site.Subdomain, funcName)
	if err != nil {
		return r.siteFailed(ctx, site, "failed to count stage jobs", err)
	}
	if active > 0 {
		return r.siteSkipped(ctx, site, "stage job still active")
	}

	if r.cfg.DryRun {
		slog.InfoContext(ctx, "reconciliation: would re-enqueue stage job",
			logfields.Subdomain(site.Subdomain),
			logfields.Stage(string(stage)),
			logfields.FuncName(funcName),
			slog.Bool("dry_run", true))
		return metrics.ReconcileRepaired
	}

	runID := domain.RecoveredRunID(site.Subdomain)
	job, err := r.pipe.newJob(queueName, funcName, site.Subdomain, runID, "",
		fmt.Sprintf("%s %s (recovered)", funcName, site.Subdomain), StageArgs{InheritClaim: true})
	if err != nil {
		return r.siteFailed(ctx, site, "failed to build stage job", err)
	}

	if !site.CoordinatorEnqueued {
		won, err := r.pipe.advancer.ClaimAndEnqueue(ctx, site.Subdomain, stage, job)
		if err != nil {
			return r.siteFailed(ctx, site, "failed to claim and enqueue stage job", err)
		}
		if !won {
			return r.siteSkipped(ctx, site, "stage latch claimed concurrently")
		}
	} else {
		if err := r.pipe.queue.EnqueueJob(ctx, job, nil); err != nil {
			return r.siteFailed(ctx, site, "failed to enqueue stage job", err)
		}
	}

	slog.InfoContext(ctx, "reconciliation: re-enqueued stage job",
		logfields.Subdomain(site.Subdomain),
		logfields.Stage(string(stage)),
		logfields.RunID(runID),
		logfields.JobID(job.ID))
	return metrics.ReconcileRepaired
}

func (r *Reconciler) siteSkipped(ctx context.Context, site *domain.Site, reason string) metrics.ReconcileOutcome {
	slog.DebugContext(ctx, "reconciliation: site skipped",
		logfields.Subdomain(site.Subdomain),
		logfields.Stage(string(site.CurrentStage)),
		slog.String("reason", reason))
	return metrics.ReconcileSkipped
}

func (r *Reconciler) siteFailed(ctx context.Context, site *domain.Site, msg string, err error) metrics.ReconcileOutcome {
	slog.ErrorContext(ctx, "reconciliation: "+msg,
		logfields.Subdomain(site.Subdomain),
		logfields.Stage(string(site.CurrentStage)),
		logfields.Error(err))
	return metrics.ReconcileFailed
}

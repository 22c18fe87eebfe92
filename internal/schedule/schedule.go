// Package schedule runs the worker's periodic maintenance: enqueueing due
// sites, pruning finished job rows and refreshing queue depth gauges. One
// process at a time runs the site selector, guarded by an exclusive lease.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/rezkam/towncrier/internal/application/pipeline"
	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/metrics"
	"github.com/rezkam/towncrier/internal/roster"
)

// Config tunes the maintenance cadence.
type Config struct {
	RefreshInterval time.Duration
	PruneInterval   time.Duration
	DepthInterval   time.Duration

	// SitesFile is an optional YAML roster synced before each refresh.
	SitesFile string

	// ResultTTL is the fallback retention for finished job rows.
	ResultTTL time.Duration

	// HolderID identifies this process in the exclusive-run lease.
	HolderID string

	// LeaseDuration bounds how long a crashed holder blocks the selector.
	LeaseDuration time.Duration
}

// Scheduler owns the gocron instance and its three recurring tasks.
type Scheduler struct {
	scheduler gocron.Scheduler
	store     pipeline.SiteStore
	queue     pipeline.JobQueue
	pipe      *pipeline.Pipeline
	recorder  metrics.Recorder
	cfg       Config
}

// New creates the scheduler. A nil recorder disables depth gauges.
func New(store pipeline.SiteStore, queue pipeline.JobQueue, pipe *pipeline.Pipeline, recorder metrics.Recorder, cfg Config) (*Scheduler, error) {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: scheduler,
		store:     store,
		queue:     queue,
		pipe:      pipe,
		recorder:  recorder,
		cfg:       cfg,
	}, nil
}

// Start registers the recurring tasks and starts the scheduler. It returns
// immediately; tasks run on gocron's goroutines until Shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.RefreshInterval > 0 {
		if _, err := s.scheduler.NewJob(
			gocron.DurationJob(s.cfg.RefreshInterval),
			gocron.NewTask(s.refreshOnce, ctx),
			gocron.WithName("site-refresh"),
		); err != nil {
			return fmt.Errorf("failed to schedule site refresh: %w", err)
		}
	}
	if s.cfg.PruneInterval > 0 {
		if _, err := s.scheduler.NewJob(
			gocron.DurationJob(s.cfg.PruneInterval),
			gocron.NewTask(s.pruneOnce, ctx),
			gocron.WithName("job-prune"),
		); err != nil {
			return fmt.Errorf("failed to schedule job prune: %w", err)
		}
	}
	if s.cfg.DepthInterval > 0 {
		if _, err := s.scheduler.NewJob(
			gocron.DurationJob(s.cfg.DepthInterval),
			gocron.NewTask(s.depthOnce, ctx),
			gocron.WithName("queue-depth"),
		); err != nil {
			return fmt.Errorf("failed to schedule depth gauge: %w", err)
		}
	}

	s.scheduler.Start()
	slog.InfoContext(ctx, "scheduler started",
		slog.Duration("refresh_interval", s.cfg.RefreshInterval),
		slog.Duration("prune_interval", s.cfg.PruneInterval),
		slog.Duration("depth_interval", s.cfg.DepthInterval))
	return nil
}

// Shutdown stops the scheduler and waits for running tasks.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

// refreshOnce syncs the roster and enqueues a fetch for the due site, if
// any. Exactly one process runs a refresh at a time.
func (s *Scheduler) refreshOnce(ctx context.Context) {
	release, acquired, err := s.queue.TryAcquireExclusiveRun(ctx, "schedule", s.cfg.HolderID, s.cfg.LeaseDuration)
	if err != nil {
		slog.ErrorContext(ctx, "failed to acquire schedule lease", logfields.Error(err))
		return
	}
	if !acquired {
		slog.DebugContext(ctx, "schedule lease held elsewhere, skipping refresh")
		return
	}
	defer release()

	if s.cfg.SitesFile != "" {
		sites, err := roster.Load(s.cfg.SitesFile)
		if err != nil {
			slog.ErrorContext(ctx, "failed to load site roster", logfields.Error(err))
			return
		}
		if _, err := roster.Sync(ctx, s.store, sites); err != nil {
			slog.ErrorContext(ctx, "failed to sync site roster", logfields.Error(err))
			return
		}
	}

	site, err := s.dueSite(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to select due site", logfields.Error(err))
		return
	}
	if site == nil {
		slog.DebugContext(ctx, "no site due for refresh")
		return
	}

	runID, jobID, err := s.pipe.EnqueueSiteRun(ctx, site.Subdomain, pipeline.FetchArgs{}, false)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			slog.InfoContext(ctx, "due site already running", logfields.Subdomain(site.Subdomain))
			return
		}
		slog.ErrorContext(ctx, "failed to enqueue due site",
			logfields.Subdomain(site.Subdomain), logfields.Error(err))
		return
	}
	slog.InfoContext(ctx, "due site enqueued",
		logfields.Subdomain(site.Subdomain),
		logfields.RunID(runID),
		logfields.JobID(jobID))
}

// dueSite returns the idle site with the oldest update, or nil when every
// site is mid-pipeline or the roster is empty. A site is idle before its
// first run and after a completed one.
func (s *Scheduler) dueSite(ctx context.Context) (*domain.Site, error) {
	sites, err := s.store.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	var due *domain.Site
	for _, site := range sites {
		if site.CurrentStage != "" && site.CurrentStage != domain.StageCompleted {
			continue
		}
		if due == nil || site.UpdatedAt.Before(due.UpdatedAt) {
			due = site
		}
	}
	return due, nil
}

func (s *Scheduler) pruneOnce(ctx context.Context) {
	removed, err := s.queue.PruneFinishedJobs(ctx, s.cfg.ResultTTL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to prune finished jobs", logfields.Error(err))
		return
	}
	if removed > 0 {
		slog.InfoContext(ctx, "pruned finished jobs", slog.Int64("removed", removed))
	}
}

func (s *Scheduler) depthOnce(ctx context.Context) {
	depths, err := s.queue.QueueDepths(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read queue depths", logfields.Error(err))
		return
	}
	for _, d := range depths {
		s.recorder.SetQueueDepth(d.Queue, string(domain.JobQueued), d.Queued)
		s.recorder.SetQueueDepth(d.Queue, string(domain.JobDeferred), d.Deferred)
		s.recorder.SetQueueDepth(d.Queue, string(domain.JobStarted), d.Started)
		s.recorder.SetQueueDepth(d.Queue, string(domain.JobFailed), d.Failed)
	}
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/metrics"
)

// Worker drains the pipeline queues: claim, heartbeat, dispatch to the stage
// handler, then route the outcome. Leases make delivery at-least-once; every
// handler is written to converge under redelivery.
type Worker struct {
	queue        JobQueue
	store        SiteStore
	handlers     map[string]HandlerFunc
	cfg          WorkerConfig
	errorHandler ErrorHandler
	recorder     metrics.Recorder
}

// NewWorker creates a worker runtime for the given pipeline.
func NewWorker(p *Pipeline, cfg WorkerConfig) *Worker {
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = &DefaultErrorHandler{}
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = slices.Clone(domain.AllQueues)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		queue:        p.queue,
		store:        p.store,
		handlers:     p.Handlers(),
		cfg:          cfg,
		errorHandler: cfg.ErrorHandler,
		recorder:     p.recorder,
	}
}

// Start runs Concurrency claim loops until ctx is cancelled, then waits for
// in-flight jobs to finish routing.
func (w *Worker) Start(ctx context.Context) {
	slog.InfoContext(ctx, "worker started",
		logfields.WorkerID(w.cfg.WorkerID),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Any("queues", w.cfg.Queues))

	var wg sync.WaitGroup
	for range w.cfg.Concurrency {
		wg.Go(func() {
			w.runLoop(ctx)
		})
	}
	wg.Wait()

	slog.InfoContext(ctx, "worker stopped", logfields.WorkerID(w.cfg.WorkerID))
}

func (w *Worker) runLoop(ctx context.Context) {
	for {
		processed, err := w.RunProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "job processing failed",
				logfields.WorkerID(w.cfg.WorkerID),
				logfields.Error(err))
		}
		if processed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunProcessOnce claims and processes a single job with heartbeat and panic
// recovery. Returns whether a job was claimed. Only infrastructure failures
// surface as errors; handler failures are routed to retry, to the site's
// counters, or to the failure registry.
func (w *Worker) RunProcessOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.cfg.Queues, w.cfg.WorkerID, w.cfg.AvailabilityTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil // No jobs available
	}

	attrs := []slog.Attr{
		logfields.JobID(job.ID),
		logfields.Queue(job.Queue),
		logfields.FuncName(job.FuncName),
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID),
		logfields.WorkerID(w.cfg.WorkerID),
	}
	if job.ParentJobID != "" {
		attrs = append(attrs, logfields.ParentJobID(job.ParentJobID))
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "claimed job", attrs...)

	// Heartbeat goroutine extends the lease while the handler runs.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	jobCtx, cancelJob := ctx, context.CancelFunc(func() {})
	if job.Timeout > 0 {
		jobCtx, cancelJob = context.WithTimeout(ctx, job.Timeout)
	}

	start := time.Now()
	err = w.executeWithRecovery(jobCtx, job)
	timedOut := err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancelJob()
	cancelHeartbeat()
	w.recorder.ObserveJobDuration(job.Queue, job.FuncName, time.Since(start), err == nil)

	if err != nil {
		return true, w.handleJobError(ctx, job, err, timedOut)
	}

	if err := w.queue.CompleteJob(ctx, job.ID, w.cfg.WorkerID); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job ownership lost at completion - another worker may have reclaimed",
				logfields.JobID(job.ID))
			return true, nil
		}
		return true, fmt.Errorf("failed to complete job: %w", err)
	}

	slog.InfoContext(ctx, "job completed",
		logfields.JobID(job.ID),
		logfields.FuncName(job.FuncName),
		logfields.Subdomain(job.Subdomain),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return true, nil
}

// runHeartbeat periodically extends the job lease to prevent reclamation.
// Runs until cancelled, when the job completes or fails.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.ExtendJobLease(ctx, jobID, w.cfg.WorkerID, w.cfg.AvailabilityTimeout); err != nil {
				slog.WarnContext(ctx, "heartbeat failed",
					logfields.JobID(jobID),
					logfields.Error(err))
			}
		}
	}
}

// executeWithRecovery dispatches the job to its handler with panic recovery.
// A panicking handler yields a PanicError carrying the stack trace.
func (w *Worker) executeWithRecovery(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stackTrace := string(debug.Stack())
			w.errorHandler.HandlePanic(ctx, job, r, stackTrace)
			err = PanicError{Value: r, StackTrace: stackTrace}
		}
	}()

	handler, ok := w.handlers[job.FuncName]
	if !ok {
		return domain.Critical(fmt.Errorf("no handler registered for function %q", job.FuncName))
	}
	return handler(ctx, job)
}

// handleJobError routes a handler failure. Panics, timeouts, critical and
// unclassified errors land in the failure registry; transient errors retry
// with backoff; permanent errors are recorded on the site's stage counters
// and the job completes, so fan-in still terminates.
// Returns nil once the failure is durably routed.
func (w *Worker) handleJobError(ctx context.Context, job *domain.Job, jobErr error, timedOut bool) error {
	w.errorHandler.HandleError(ctx, job, jobErr)

	var panicErr PanicError
	if errors.As(jobErr, &panicErr) {
		return w.moveToFailed(ctx, job, "panic", panicErr.Error(), &panicErr.StackTrace)
	}

	if timedOut {
		msg := fmt.Sprintf("job exceeded %v timeout: %v", job.Timeout, jobErr)
		return w.moveToFailed(ctx, job, "timeout", msg, nil)
	}

	if errors.Is(jobErr, context.Canceled) {
		// Shutdown mid-job. Abandon silently: the lease expires and another
		// worker redelivers.
		slog.WarnContext(ctx, "job abandoned, shutting down",
			logfields.JobID(job.ID),
			logfields.FuncName(job.FuncName))
		return nil
	}

	if domain.IsTransient(jobErr) {
		return w.retryJob(ctx, job, jobErr.Error())
	}

	if permErr, ok := domain.AsPermanent(jobErr); ok {
		if stage, ok := stageForFunc(job.FuncName); ok {
			return w.recordPermanentFailure(ctx, job, stage, permErr)
		}
		// A permanent error from a job that is not a stage unit has no
		// counter to land on; treat it as critical.
	}

	return w.moveToFailed(ctx, job, "critical", jobErr.Error(), nil)
}

// recordPermanentFailure counts one failed unit on the site and completes
// the job: the unit is done, just unsuccessfully. If the counter update
// fails the job retries, so the failure is eventually recorded.
func (w *Worker) recordPermanentFailure(ctx context.Context, job *domain.Job, stage domain.Stage, permErr domain.PermanentError) error {
	counters, err := w.store.IncrementFailed(ctx, job.Subdomain, stage, permErr.Error())
	if err != nil {
		return w.retryJob(ctx, job, fmt.Sprintf("failed to record permanent failure: %v", err))
	}

	w.recorder.IncJobFailure(job.Queue, domain.Fingerprint(permErr.Error()))
	slog.WarnContext(ctx, "permanent failure recorded",
		logfields.JobID(job.ID),
		logfields.Subdomain(job.Subdomain),
		logfields.Stage(string(stage)),
		slog.String("class", permErr.Class),
		slog.Int("completed", counters.Completed),
		slog.Int("failed", counters.Failed),
		slog.Int("total", counters.Total),
		logfields.Error(permErr.Err))

	if err := w.queue.CompleteJob(ctx, job.ID, w.cfg.WorkerID); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job ownership lost after recording failure - another worker may have reclaimed",
				logfields.JobID(job.ID))
			return nil
		}
		return fmt.Errorf("failed to complete job after recording failure: %w", err)
	}
	return nil
}

// retryJob schedules a retry with backoff, or lets the queue move the job to
// the failure registry when attempts are exhausted.
func (w *Worker) retryJob(ctx context.Context, job *domain.Job, errMsg string) error {
	willRetry, err := w.queue.FailJob(ctx, job.ID, w.cfg.WorkerID, errMsg, w.cfg.RetryConfig)
	if err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job ownership lost during retry scheduling - another worker may have reclaimed",
				logfields.JobID(job.ID))
			return nil
		}
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	if !willRetry {
		w.recorder.IncJobFailure(job.Queue, domain.Fingerprint(errMsg))
		slog.WarnContext(ctx, "job exhausted retries",
			logfields.JobID(job.ID),
			logfields.Subdomain(job.Subdomain),
			logfields.RetryCount(job.RetryCount),
			slog.String("error", errMsg))
		return nil
	}

	w.recorder.IncJobRetry(job.Queue)
	slog.InfoContext(ctx, "job scheduled for retry",
		logfields.JobID(job.ID),
		logfields.Subdomain(job.Subdomain),
		logfields.RetryCount(job.RetryCount+1),
		slog.String("error", errMsg))
	return nil
}

// moveToFailed parks the job in the failure registry for operator review.
func (w *Worker) moveToFailed(ctx context.Context, job *domain.Job, errType, errMsg string, stackTrace *string) error {
	if err := w.queue.MoveToFailed(ctx, job, w.cfg.WorkerID, errType, errMsg, stackTrace); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job ownership lost during failure handling - another worker may have reclaimed",
				logfields.JobID(job.ID))
			return nil
		}
		return fmt.Errorf("failed to move job to failure registry: %w", err)
	}

	w.recorder.IncJobFailure(job.Queue, domain.Fingerprint(errMsg))
	slog.ErrorContext(ctx, "job moved to failure registry",
		logfields.JobID(job.ID),
		logfields.FuncName(job.FuncName),
		logfields.Subdomain(job.Subdomain),
		slog.String("error_type", errType),
		slog.String("error", errMsg))
	return nil
}

package postgres

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rezkam/towncrier/internal/application/pipeline"
	"github.com/rezkam/towncrier/internal/domain"
)

// === Job Queue Implementation ===
// Implements application/pipeline.JobQueue.

const jobColumns = `id, queue, func_name, args, subdomain, run_id, parent_job_id, description,
	status, retry_count, max_retries, timeout_ms, result_ttl_ms, pending_deps,
	available_at, enqueued_at, started_at, finished_at, error_message, claimed_by`

// EnqueueJob inserts a job. With dependencies the job starts deferred and
// pending_deps counts its unfinished dependencies; CompleteJob decrements it.
// A failed dependency is never counted down, which keeps dependents deferred
// forever, as intended.
func (s *Store) EnqueueJob(ctx context.Context, job *domain.Job, dependsOn []string) error {
	if err := prepareJobForInsert(job); err != nil {
		return err
	}

	return s.executeInTransaction(ctx, "enqueue_job", func(tx *Store) error {
		pending := 0
		if len(dependsOn) > 0 {
			var found int
			err := tx.db.QueryRow(ctx, `
				SELECT COUNT(*), COUNT(*) FILTER (WHERE status <> 'finished')
				FROM pipeline_jobs
				WHERE id = ANY($1)
			`, dependsOn).Scan(&found, &pending)
			if err != nil {
				return fmt.Errorf("failed to check dependencies: %w", err)
			}
			if found != len(dependsOn) {
				return fmt.Errorf("%w: dependency of job %s", domain.ErrJobNotFound, job.ID)
			}
		}

		status := domain.JobQueued
		if pending > 0 {
			status = domain.JobDeferred
		}
		job.Status = status
		job.PendingDeps = pending

		if err := insertJob(ctx, tx.db, job); err != nil {
			return err
		}

		if len(dependsOn) > 0 {
			if err := insertJobDeps(ctx, tx.db, job.ID, dependsOn); err != nil {
				return err
			}
		}

		return nil
	})
}

// EnqueueMany inserts multiple independent jobs atomically.
// All jobs succeed or fail together.
func (s *Store) EnqueueMany(ctx context.Context, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	for _, job := range jobs {
		if err := prepareJobForInsert(job); err != nil {
			return err
		}
		job.Status = domain.JobQueued
	}

	return s.executeInTransaction(ctx, "enqueue_many", func(tx *Store) error {
		for _, job := range jobs {
			if err := insertJob(ctx, tx.db, job); err != nil {
				return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// ClaimNextJob atomically claims the next available job using SKIP LOCKED.
// The queue slice doubles as priority order. Started jobs whose lease
// expired are claimable again here: that is the at-least-once redelivery
// path, and it does not consume a retry.
func (s *Store) ClaimNextJob(ctx context.Context, queues []string, workerID string, availabilityTimeout time.Duration) (*domain.Job, error) {
	if len(queues) == 0 {
		queues = domain.AllQueues
	}

	var job *domain.Job
	err := s.executeInTransaction(ctx, "claim_next_job", func(tx *Store) error {
		row := tx.db.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM pipeline_jobs
			WHERE queue = ANY($1)
			  AND status IN ('queued', 'started')
			  AND available_at <= NOW()
			ORDER BY array_position($1::text[], queue), enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, queues)

		claimed, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil // No jobs available
			}
			return fmt.Errorf("failed to claim job: %w", err)
		}

		now := time.Now().UTC()
		availableAt := now.Add(availabilityTimeout)
		_, err = tx.db.Exec(ctx, `
			UPDATE pipeline_jobs
			SET status = $2, claimed_by = $3, available_at = $4, started_at = $5
			WHERE id = $1
		`, claimed.ID, string(domain.JobStarted), workerID, availableAt, now)
		if err != nil {
			return fmt.Errorf("failed to mark job as started: %w", err)
		}

		claimed.Status = domain.JobStarted
		claimed.WorkerID = workerID
		claimed.AvailableAt = availableAt
		claimed.StartedAt = now
		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendJobLease extends the lease of a started job with an ownership check.
func (s *Store) ExtendJobLease(ctx context.Context, jobID, workerID string, extension time.Duration) error {
	availableAt := time.Now().UTC().Add(extension)
	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_jobs
		SET available_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status = 'started'
	`, jobID, workerID, availableAt)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// CompleteJob marks a job finished and releases dependents whose last
// unfinished dependency this was.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string) error {
	return s.executeInTransaction(ctx, "complete_job", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE pipeline_jobs
			SET status = 'finished', finished_at = NOW()
			WHERE id = $1 AND claimed_by = $2 AND status = 'started'
		`, jobID, workerID)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrJobOwnershipLost
		}

		_, err = tx.db.Exec(ctx, `
			UPDATE pipeline_jobs
			SET pending_deps = pending_deps - 1
			WHERE status = 'deferred'
			  AND id IN (SELECT job_id FROM pipeline_job_deps WHERE depends_on_id = $1)
		`, jobID)
		if err != nil {
			return fmt.Errorf("failed to decrement dependents: %w", err)
		}

		_, err = tx.db.Exec(ctx, `
			UPDATE pipeline_jobs
			SET status = 'queued', available_at = NOW()
			WHERE status = 'deferred'
			  AND pending_deps <= 0
			  AND id IN (SELECT job_id FROM pipeline_job_deps WHERE depends_on_id = $1)
		`, jobID)
		if err != nil {
			return fmt.Errorf("failed to release dependents: %w", err)
		}

		return nil
	})
}

// FailJob records a failed attempt and schedules a retry with exponential
// backoff and full jitter. When retries are exhausted the job moves to the
// failure registry atomically with its terminal status. Returns true if the
// job will be retried.
func (s *Store) FailJob(ctx context.Context, jobID, workerID, errMsg string, cfg pipeline.RetryConfig) (willRetry bool, err error) {
	// Fetch current job to check retry count
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	newRetryCount := job.RetryCount + 1
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = cfg.MaxRetries
	}

	if newRetryCount > maxRetries {
		// Max retries exceeded - atomically move to registry and fail
		err := s.executeInTransaction(ctx, "fail_job_exhausted", func(tx *Store) error {
			entry := &domain.FailedJob{
				OriginalJobID: job.ID,
				Queue:         job.Queue,
				FuncName:      job.FuncName,
				Args:          job.Args,
				Subdomain:     job.Subdomain,
				RunID:         job.RunID,
				ErrorType:     "exhausted",
				ErrorMessage:  errMsg,
				RetryCount:    newRetryCount,
				LastWorkerID:  workerID,
			}
			if err := insertFailedJob(ctx, tx.db, entry); err != nil {
				return err
			}

			tag, err := tx.db.Exec(ctx, `
				UPDATE pipeline_jobs
				SET status = 'failed', finished_at = NOW(), retry_count = $3, error_message = $4
				WHERE id = $1 AND claimed_by = $2 AND status = 'started'
			`, jobID, workerID, newRetryCount, errMsg)
			if err != nil {
				return fmt.Errorf("failed to mark job failed: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return domain.ErrJobOwnershipLost
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		return false, nil
	}

	// Calculate retry delay with exponential backoff + full jitter
	retryDelay := calculateRetryDelay(newRetryCount, cfg)
	availableAt := time.Now().UTC().Add(retryDelay)

	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_jobs
		SET status = 'queued', retry_count = $3, error_message = $4, available_at = $5, claimed_by = NULL
		WHERE id = $1 AND claimed_by = $2 AND status = 'started'
	`, jobID, workerID, newRetryCount, errMsg, availableAt)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, domain.ErrJobOwnershipLost
	}

	return true, nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// CountActiveJobs counts a site's queued, deferred and started jobs for one
// function. The enqueue paths use it to avoid double-scheduling a site.
func (s *Store) CountActiveJobs(ctx context.Context, subdomain, funcName string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pipeline_jobs
		WHERE subdomain = $1 AND func_name = $2
		  AND status IN ('queued', 'deferred', 'started')
	`, subdomain, funcName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// QueueDepths returns per-queue job counts by status.
func (s *Store) QueueDepths(ctx context.Context) ([]domain.QueueDepth, error) {
	rows, err := s.db.Query(ctx, `
		SELECT queue, status, COUNT(*)
		FROM pipeline_jobs
		WHERE status IN ('queued', 'deferred', 'started', 'failed')
		GROUP BY queue, status
		ORDER BY queue
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}
	defer rows.Close()

	var depths []domain.QueueDepth
	byQueue := map[string]int{}
	for rows.Next() {
		var (
			queue  string
			status string
			count  int
		)
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		idx, ok := byQueue[queue]
		if !ok {
			depths = append(depths, domain.QueueDepth{Queue: queue})
			idx = len(depths) - 1
			byQueue[queue] = idx
		}
		switch domain.JobStatus(status) {
		case domain.JobQueued:
			depths[idx].Queued = count
		case domain.JobDeferred:
			depths[idx].Deferred = count
		case domain.JobStarted:
			depths[idx].Started = count
		case domain.JobFailed:
			depths[idx].Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue depths: %w", err)
	}
	return depths, nil
}

// PruneFinishedJobs deletes finished and failed jobs past their result TTL.
// Jobs without a TTL of their own fall back to defaultTTL.
func (s *Store) PruneFinishedJobs(ctx context.Context, defaultTTL time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM pipeline_jobs
		WHERE status IN ('finished', 'failed')
		  AND finished_at IS NOT NULL
		  AND finished_at < NOW() - make_interval(secs => CASE
				WHEN result_ttl_ms > 0 THEN result_ttl_ms / 1000.0
				ELSE $1
			END)
	`, defaultTTL.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// === Helpers ===

// prepareJobForInsert fills generated and defaulted fields in place.
func prepareJobForInsert(job *domain.Job) error {
	if job.Queue == "" || job.FuncName == "" {
		return fmt.Errorf("job queue and func name are required")
	}
	if job.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate job ID: %w", err)
		}
		job.ID = id.String()
	}
	if len(job.Args) == 0 {
		job.Args = []byte("{}")
	}
	// If AvailableAt is zero, use current time with 1-second buffer.
	// The buffer prevents clock drift issues between Go and PostgreSQL:
	// Go's time.Now() and PostgreSQL's NOW() are independent clocks that can
	// drift by microseconds. Subtracting 1 second ensures the job is immediately
	// claimable even if PostgreSQL's clock is slightly behind.
	if job.AvailableAt.IsZero() {
		job.AvailableAt = time.Now().UTC().Add(-1 * time.Second)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = 3
	}
	return nil
}

func insertJobDeps(ctx context.Context, db dbtx, jobID string, dependsOn []string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO pipeline_job_deps (job_id, depends_on_id)
		SELECT $1, unnest($2::uuid[])
	`, jobID, dependsOn)
	if err != nil {
		return fmt.Errorf("failed to insert dependencies: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, db dbtx, job *domain.Job) error {
	var parentID *string
	if job.ParentJobID != "" {
		parentID = &job.ParentJobID
	}
	_, err := db.Exec(ctx, `
		INSERT INTO pipeline_jobs (
			id, queue, func_name, args, subdomain, run_id, parent_job_id, description,
			status, retry_count, max_retries, timeout_ms, result_ttl_ms, pending_deps,
			available_at, enqueued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, job.ID, job.Queue, job.FuncName, job.Args, job.Subdomain, job.RunID, parentID, job.Description,
		string(job.Status), job.RetryCount, job.MaxRetries,
		job.Timeout.Milliseconds(), job.ResultTTL.Milliseconds(), job.PendingDeps,
		job.AvailableAt, job.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		timeoutMs   int64
		resultTTLMs int64
		parentJobID *string
		startedAt   *time.Time
		finishedAt  *time.Time
		claimedBy   *string
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.FuncName, &job.Args, &job.Subdomain, &job.RunID, &parentJobID, &job.Description,
		&status, &job.RetryCount, &job.MaxRetries, &timeoutMs, &resultTTLMs, &job.PendingDeps,
		&job.AvailableAt, &job.EnqueuedAt, &startedAt, &finishedAt, &job.ErrorMessage, &claimedBy,
	)
	if err != nil {
		return nil, err
	}
	if parentJobID != nil {
		job.ParentJobID = *parentJobID
	}

	job.Status = domain.JobStatus(status)
	job.Timeout = time.Duration(timeoutMs) * time.Millisecond
	job.ResultTTL = time.Duration(resultTTLMs) * time.Millisecond
	job.AvailableAt = job.AvailableAt.UTC()
	job.EnqueuedAt = job.EnqueuedAt.UTC()
	if startedAt != nil {
		job.StartedAt = startedAt.UTC()
	}
	if finishedAt != nil {
		job.FinishedAt = finishedAt.UTC()
	}
	if claimedBy != nil {
		job.WorkerID = *claimedBy
	}

	return &job, nil
}

// calculateRetryDelay computes exponential backoff with full jitter.
// Formula: random(0, min(max_delay, base_delay * 2^attempt))
func calculateRetryDelay(attempt int, cfg pipeline.RetryConfig) time.Duration {
	// Calculate exponential backoff: base * 2^attempt
	backoff := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))

	// Cap at max delay
	if backoff > float64(cfg.MaxDelay) {
		backoff = float64(cfg.MaxDelay)
	}

	// Full jitter: random(0, backoff)
	maxJitter := int64(backoff)
	if maxJitter <= 0 {
		return cfg.BaseDelay
	}

	jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		// Fallback to base delay if random fails
		return cfg.BaseDelay
	}

	return time.Duration(jitter.Int64())
}

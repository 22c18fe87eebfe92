package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rezkam/towncrier/internal/domain"
)

// === Failure Registry ===
// Jobs land here on critical errors, panics, timeouts and exhausted retries.
// Entries stay until an operator retries or discards them; the pipeline
// never reads them back on its own.

// MoveToFailed atomically moves a job to the failure registry without a
// retry. errType is "critical", "panic" or "timeout".
func (s *Store) MoveToFailed(ctx context.Context, job *domain.Job, workerID, errType, errMsg string, stackTrace *string) error {
	return s.executeInTransaction(ctx, "move_to_failed", func(tx *Store) error {
		entry := &domain.FailedJob{
			OriginalJobID: job.ID,
			Queue:         job.Queue,
			FuncName:      job.FuncName,
			Args:          job.Args,
			Subdomain:     job.Subdomain,
			RunID:         job.RunID,
			ErrorType:     errType,
			ErrorMessage:  errMsg,
			StackTrace:    stackTrace,
			RetryCount:    job.RetryCount,
			LastWorkerID:  workerID,
		}
		if err := insertFailedJob(ctx, tx.db, entry); err != nil {
			return err
		}

		tag, err := tx.db.Exec(ctx, `
			UPDATE pipeline_jobs
			SET status = 'failed', finished_at = NOW(), error_message = $3
			WHERE id = $1 AND claimed_by = $2 AND status = 'started'
		`, job.ID, workerID, errMsg)
		if err != nil {
			return fmt.Errorf("failed to mark job failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrJobOwnershipLost
		}
		return nil
	})
}

// ListFailedJobs returns unresolved registry entries, newest first.
func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]*domain.FailedJob, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, original_job_id, queue, func_name, args, subdomain, run_id,
			error_type, error_message, stack_trace, fingerprint,
			retry_count, last_worker_id, failed_at, resolved_at, resolution
		FROM pipeline_failed_jobs
		WHERE resolved_at IS NULL
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	defer rows.Close()

	var entries []*domain.FailedJob
	for rows.Next() {
		entry, err := scanFailedJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed job: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed jobs: %w", err)
	}
	return entries, nil
}

// RetryFailedJob creates a fresh job from a registry entry and marks the
// entry retried. The new job starts with a clean retry budget.
func (s *Store) RetryFailedJob(ctx context.Context, failedID string) (newJobID string, err error) {
	err = s.executeInTransaction(ctx, "retry_failed_job", func(tx *Store) error {
		row := tx.db.QueryRow(ctx, `
			SELECT queue, func_name, args, subdomain, run_id
			FROM pipeline_failed_jobs
			WHERE id = $1 AND resolved_at IS NULL
		`, failedID)

		job := &domain.Job{}
		if err := row.Scan(&job.Queue, &job.FuncName, &job.Args, &job.Subdomain, &job.RunID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrFailedJobNotFound, failedID)
			}
			return fmt.Errorf("failed to get failed job: %w", err)
		}

		if err := prepareJobForInsert(job); err != nil {
			return err
		}
		job.Status = domain.JobQueued
		if err := insertJob(ctx, tx.db, job); err != nil {
			return err
		}
		newJobID = job.ID

		tag, err := tx.db.Exec(ctx, `
			UPDATE pipeline_failed_jobs
			SET resolved_at = NOW(), resolution = 'retried'
			WHERE id = $1 AND resolved_at IS NULL
		`, failedID)
		if err != nil {
			return fmt.Errorf("failed to mark entry retried: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", domain.ErrFailedJobNotFound, failedID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return newJobID, nil
}

// DiscardFailedJob marks a registry entry as permanently discarded. The
// note, when given, becomes the recorded resolution.
func (s *Store) DiscardFailedJob(ctx context.Context, failedID, note string) error {
	resolution := "discarded"
	if note != "" {
		resolution = note
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE pipeline_failed_jobs
		SET resolved_at = NOW(), resolution = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, failedID, resolution)
	if err != nil {
		return fmt.Errorf("failed to discard entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrFailedJobNotFound, failedID)
	}
	return nil
}

// === Helpers ===

// insertFailedJob writes one registry row. The fingerprint is derived from
// the error message here so both the exhausted-retries path and the direct
// registry path classify identically.
func insertFailedJob(ctx context.Context, db dbtx, entry *domain.FailedJob) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate registry ID: %w", err)
	}
	if len(entry.Args) == 0 {
		entry.Args = []byte("{}")
	}

	_, err = db.Exec(ctx, `
		INSERT INTO pipeline_failed_jobs (
			id, original_job_id, queue, func_name, args, subdomain, run_id,
			error_type, error_message, stack_trace, fingerprint,
			retry_count, last_worker_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, id.String(), nullIfEmpty(entry.OriginalJobID), entry.Queue, entry.FuncName, entry.Args,
		entry.Subdomain, entry.RunID,
		entry.ErrorType, entry.ErrorMessage, entry.StackTrace, domain.Fingerprint(entry.ErrorMessage),
		entry.RetryCount, entry.LastWorkerID)
	if err != nil {
		return fmt.Errorf("failed to insert failed job: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanFailedJob(rows pgx.Rows) (*domain.FailedJob, error) {
	var (
		entry         domain.FailedJob
		originalJobID *string
		resolvedAt    *time.Time
	)
	err := rows.Scan(
		&entry.ID, &originalJobID, &entry.Queue, &entry.FuncName, &entry.Args,
		&entry.Subdomain, &entry.RunID,
		&entry.ErrorType, &entry.ErrorMessage, &entry.StackTrace, &entry.Fingerprint,
		&entry.RetryCount, &entry.LastWorkerID, &entry.FailedAt, &resolvedAt, &entry.Resolution,
	)
	if err != nil {
		return nil, err
	}

	if originalJobID != nil {
		entry.OriginalJobID = *originalJobID
	}
	entry.FailedAt = entry.FailedAt.UTC()
	if resolvedAt != nil {
		t := resolvedAt.UTC()
		entry.ResolvedAt = &t
	}
	return &entry, nil
}

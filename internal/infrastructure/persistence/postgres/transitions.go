package postgres

import (
	"context"
	"fmt"

	"github.com/rezkam/towncrier/internal/application/pipeline"
	"github.com/rezkam/towncrier/internal/domain"
)

// === Stage Transitions ===
// Implements application/pipeline.StageTransitioner.

// AdvanceStage performs one stage transition in a single transaction: claim
// the latch for the stage being left, initialize the next stage, insert the
// next stage's jobs. The claim UPDATE takes the site row lock first, so
// concurrent transitions on the same site serialize and every loser sees the
// committed stage in the predicate. A crash rolls the whole transition back,
// latch included, so a claim can never outlive its enqueued work.
func (s *Store) AdvanceStage(ctx context.Context, params pipeline.AdvanceParams) (bool, error) {
	if !params.Next.Valid() {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownStage, params.Next)
	}
	for _, job := range params.Children {
		if err := prepareJobForInsert(job); err != nil {
			return false, err
		}
		job.Status = domain.JobQueued
	}
	if params.Coordinator != nil {
		if err := prepareJobForInsert(params.Coordinator); err != nil {
			return false, err
		}
	}

	won := false
	err := s.executeInTransaction(ctx, "advance_stage", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE sites
			SET coordinator_enqueued = TRUE, updated_at = GREATEST(updated_at, NOW())
			WHERE subdomain = $1 AND current_stage = $2
			  AND (coordinator_enqueued = FALSE OR $3)
		`, params.Subdomain, string(params.From), params.InheritClaim)
		if err != nil {
			return fmt.Errorf("failed to claim coordinator latch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil // lost the claim, another transition happened
		}
		won = true

		// Reopens the latch for the transition out of params.Next.
		if err := tx.initializeStageTx(ctx, params.Subdomain, params.Next, params.Total); err != nil {
			return err
		}

		childIDs := make([]string, 0, len(params.Children))
		for _, job := range params.Children {
			if err := insertJob(ctx, tx.db, job); err != nil {
				return err
			}
			childIDs = append(childIDs, job.ID)
		}

		if coord := params.Coordinator; coord != nil {
			coord.PendingDeps = len(childIDs)
			coord.Status = domain.JobQueued
			if coord.PendingDeps > 0 {
				coord.Status = domain.JobDeferred
			}
			if err := insertJob(ctx, tx.db, coord); err != nil {
				return err
			}
			if len(childIDs) > 0 {
				if err := insertJobDeps(ctx, tx.db, coord.ID, childIDs); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// ClaimAndEnqueue claims the latch for from and inserts one job atomically.
// Losing the claim inserts nothing.
func (s *Store) ClaimAndEnqueue(ctx context.Context, subdomain string, from domain.Stage, job *domain.Job) (bool, error) {
	if err := prepareJobForInsert(job); err != nil {
		return false, err
	}
	job.Status = domain.JobQueued

	won := false
	err := s.executeInTransaction(ctx, "claim_and_enqueue", func(tx *Store) error {
		tag, err := tx.db.Exec(ctx, `
			UPDATE sites
			SET coordinator_enqueued = TRUE, updated_at = GREATEST(updated_at, NOW())
			WHERE subdomain = $1 AND current_stage = $2 AND coordinator_enqueued = FALSE
		`, subdomain, string(from))
		if err != nil {
			return fmt.Errorf("failed to claim coordinator latch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		won = true

		return insertJob(ctx, tx.db, job)
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

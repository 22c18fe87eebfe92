package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// === Exclusive Execution ===

// TryAcquireExclusiveRun attempts to acquire an exclusive execution lock.
// The upsert only succeeds when the lease is free, expired, or already held
// by the same holder (re-entrant renewal). The lease expires on its own for
// crash recovery; release early when done.
func (s *Store) TryAcquireExclusiveRun(ctx context.Context, runType string, holderID string, leaseDuration time.Duration) (release func(), acquired bool, err error) {
	expiresAt := time.Now().UTC().Add(leaseDuration)

	var holder string
	err = s.db.QueryRow(ctx, `
		INSERT INTO pipeline_leases (run_type, holder_id, expires_at, acquired_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_type) DO UPDATE
		SET holder_id = EXCLUDED.holder_id, expires_at = EXCLUDED.expires_at, acquired_at = NOW()
		WHERE pipeline_leases.expires_at < NOW() OR pipeline_leases.holder_id = EXCLUDED.holder_id
		RETURNING holder_id
	`, runType, holderID, expiresAt).Scan(&holder)
	if err != nil {
		// No rows means the lease is held by another worker - normal contention
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	if holder != holderID {
		return nil, false, nil
	}

	releaseFunc := func() {
		_, _ = s.db.Exec(context.Background(), `
			DELETE FROM pipeline_leases
			WHERE run_type = $1 AND holder_id = $2
		`, runType, holderID)
	}

	return releaseFunc, true, nil
}

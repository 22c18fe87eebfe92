package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rezkam/towncrier/internal/domain"
)

// === Site Store Implementation ===
// Implements application/pipeline.SiteStore.
//
// Every site write clamps updated_at with GREATEST(updated_at, NOW()).
// NOW() is transaction start time, so a long transaction committing after a
// later one would otherwise rewind the progress timestamp that
// ListStuckSites keys on.

const siteColumns = `subdomain, name, state, country, kind, scraper, start_year, extra, lat, lng,
	current_stage, status, coordinator_enqueued,
	last_error_stage, last_error_message, last_error_at,
	started_at, updated_at`

// UpsertSite inserts or refreshes a site's identity fields. Pipeline state
// is deliberately excluded from the conflict update: a roster re-import must
// never disturb a run in flight.
func (s *Store) UpsertSite(ctx context.Context, site *domain.Site) error {
	extra, err := marshalExtra(site.Extra)
	if err != nil {
		return fmt.Errorf("failed to marshal site extra: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO sites (subdomain, name, state, country, kind, scraper, start_year, extra, lat, lng)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subdomain) DO UPDATE SET
			name = EXCLUDED.name,
			state = EXCLUDED.state,
			country = EXCLUDED.country,
			kind = EXCLUDED.kind,
			scraper = EXCLUDED.scraper,
			start_year = EXCLUDED.start_year,
			extra = EXCLUDED.extra,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = GREATEST(updated_at, NOW())
	`, site.Subdomain, site.Name, site.State, site.Country, site.Kind, site.Scraper,
		site.StartYear, extra, site.Lat, site.Lng)
	if err != nil {
		return fmt.Errorf("failed to upsert site: %w", err)
	}

	return nil
}

// GetSite returns a site with its per-stage counters.
func (s *Store) GetSite(ctx context.Context, subdomain string) (*domain.Site, error) {
	row := s.db.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE subdomain = $1`, subdomain)

	site, err := scanSite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	counters, err := s.loadCounters(ctx, []string{subdomain})
	if err != nil {
		return nil, err
	}
	site.Counters = counters[subdomain]
	if site.Counters == nil {
		site.Counters = map[domain.Stage]domain.StageCounters{}
	}

	return site, nil
}

// ListSites returns all tracked sites with counters, ordered by subdomain.
func (s *Store) ListSites(ctx context.Context) ([]*domain.Site, error) {
	rows, err := s.db.Query(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY subdomain`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	sites, err := collectSites(rows)
	if err != nil {
		return nil, err
	}

	return s.attachCounters(ctx, sites)
}

// InitializeStage moves the site into stage with a fan-out of total units.
// The counters reset to {total, 0, 0} and the coordinator latch reopens:
// this is the single point where coordinator_enqueued returns to FALSE.
func (s *Store) InitializeStage(ctx context.Context, subdomain string, stage domain.Stage, total int) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: %s", domain.ErrUnknownStage, stage)
	}
	if total < 0 {
		return fmt.Errorf("stage total must not be negative, got %d", total)
	}

	return s.executeInTransaction(ctx, "initialize_stage", func(tx *Store) error {
		return tx.initializeStageTx(ctx, subdomain, stage, total)
	})
}

// initializeStageTx is the transaction body of InitializeStage, shared with
// AdvanceStage so a transition initializes its target stage in the same
// transaction that claims the latch.
func (s *Store) initializeStageTx(ctx context.Context, subdomain string, stage domain.Stage, total int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sites
		SET current_stage = $2,
			status = $3,
			coordinator_enqueued = FALSE,
			started_at = CASE WHEN $4 THEN NOW() ELSE started_at END,
			updated_at = GREATEST(updated_at, NOW())
		WHERE subdomain = $1
	`, subdomain, string(stage), domain.DeriveStatus(stage), stage == domain.StageFetch)
	if err != nil {
		return fmt.Errorf("failed to update site stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO site_stage_counters (subdomain, stage, total, completed, failed)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (subdomain, stage) DO UPDATE SET
			total = EXCLUDED.total,
			completed = 0,
			failed = 0
	`, subdomain, string(stage), total)
	if err != nil {
		return fmt.Errorf("failed to reset stage counters: %w", err)
	}

	return nil
}

// IncrementCompleted adds one completed unit and returns the counters as of
// this update. The increment is a single-row atomic add: concurrent workers
// each observe a distinct counter value, so exactly one of them sees the
// stage complete.
func (s *Store) IncrementCompleted(ctx context.Context, subdomain string, stage domain.Stage) (domain.StageCounters, error) {
	var counters domain.StageCounters
	err := s.executeInTransaction(ctx, "increment_completed", func(tx *Store) error {
		var err error
		counters, err = tx.bumpCounter(ctx, subdomain, stage, "completed")
		if err != nil {
			return err
		}

		_, err = tx.db.Exec(ctx, `UPDATE sites SET updated_at = GREATEST(updated_at, NOW()) WHERE subdomain = $1`, subdomain)
		if err != nil {
			return fmt.Errorf("failed to touch site: %w", err)
		}
		return nil
	})
	return counters, err
}

// maxErrorMessageLen bounds last_error_message. Scraper and OCR failures
// can carry whole response bodies; the site row keeps only the head.
const maxErrorMessageLen = 500

// IncrementFailed adds one failed unit and records the error on the site.
// A failed unit still drives the stage toward completion: the stage is done
// when completed+failed reaches total. errMsg is stored truncated to
// maxErrorMessageLen.
func (s *Store) IncrementFailed(ctx context.Context, subdomain string, stage domain.Stage, errMsg string) (domain.StageCounters, error) {
	if len(errMsg) > maxErrorMessageLen {
		errMsg = errMsg[:maxErrorMessageLen]
	}
	var counters domain.StageCounters
	err := s.executeInTransaction(ctx, "increment_failed", func(tx *Store) error {
		var err error
		counters, err = tx.bumpCounter(ctx, subdomain, stage, "failed")
		if err != nil {
			return err
		}

		_, err = tx.db.Exec(ctx, `
			UPDATE sites
			SET updated_at = GREATEST(updated_at, NOW()),
				last_error_stage = $2,
				last_error_message = $3,
				last_error_at = NOW()
			WHERE subdomain = $1
		`, subdomain, string(stage), errMsg)
		if err != nil {
			return fmt.Errorf("failed to record site error: %w", err)
		}
		return nil
	})
	return counters, err
}

// bumpCounter adds one to the named counter column and returns the row.
// column is one of the fixed names "completed" or "failed", never caller input.
// The add saturates at total: a redelivered job whose first delivery already
// counted cannot push completed+failed past the fan-out size.
func (s *Store) bumpCounter(ctx context.Context, subdomain string, stage domain.Stage, column string) (domain.StageCounters, error) {
	var c domain.StageCounters
	err := s.db.QueryRow(ctx, `
		UPDATE site_stage_counters
		SET `+column+` = `+column+` + 1
		WHERE subdomain = $1 AND stage = $2 AND completed + failed < total
		RETURNING total, completed, failed
	`, subdomain, string(stage)).Scan(&c.Total, &c.Completed, &c.Failed)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("failed to increment %s counter: %w", column, err)
	}

	// Either the stage was never initialized or it already terminated.
	return s.readCounters(ctx, subdomain, stage)
}

// readCounters returns the counter row without modifying it.
func (s *Store) readCounters(ctx context.Context, subdomain string, stage domain.Stage) (domain.StageCounters, error) {
	var c domain.StageCounters
	err := s.db.QueryRow(ctx, `
		SELECT total, completed, failed
		FROM site_stage_counters
		WHERE subdomain = $1 AND stage = $2
	`, subdomain, string(stage)).Scan(&c.Total, &c.Completed, &c.Failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, fmt.Errorf("%w: %s stage %s not initialized", domain.ErrSiteNotFound, subdomain, stage)
		}
		return c, fmt.Errorf("failed to read stage counters: %w", err)
	}
	return c, nil
}

// ShouldTriggerCoordinator reports whether the stage has fully terminated
// and the latch is still open. Advisory: the answer can be stale by the time
// the caller acts, so enqueueing still requires winning the latch.
func (s *Store) ShouldTriggerCoordinator(ctx context.Context, subdomain string, stage domain.Stage) (bool, error) {
	var c domain.StageCounters
	var enqueued bool
	err := s.db.QueryRow(ctx, `
		SELECT c.total, c.completed, c.failed, s.coordinator_enqueued
		FROM site_stage_counters c
		JOIN sites s ON s.subdomain = c.subdomain
		WHERE c.subdomain = $1 AND c.stage = $2
	`, subdomain, string(stage)).Scan(&c.Total, &c.Completed, &c.Failed, &enqueued)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: %s stage %s not initialized", domain.ErrSiteNotFound, subdomain, stage)
		}
		return false, fmt.Errorf("failed to read stage counters: %w", err)
	}
	return c.Done() && !enqueued, nil
}

// ClaimCoordinatorEnqueue flips the single-shot latch. The compare-and-set
// runs as one UPDATE with the stage being left in the predicate, so under any
// interleaving of workers and reconciler exactly one caller per stage
// transition gets true, and a claim replayed after the site advanced loses.
func (s *Store) ClaimCoordinatorEnqueue(ctx context.Context, subdomain string, from domain.Stage) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE sites
		SET coordinator_enqueued = TRUE, updated_at = GREATEST(updated_at, NOW())
		WHERE subdomain = $1 AND current_stage = $2 AND coordinator_enqueued = FALSE
	`, subdomain, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to claim coordinator latch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSiteCompleted records the terminal stage. Idempotent: redelivered
// deploy jobs may land here more than once.
func (s *Store) MarkSiteCompleted(ctx context.Context, subdomain string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sites
		SET current_stage = $2, status = $3, updated_at = GREATEST(updated_at, NOW())
		WHERE subdomain = $1
	`, subdomain, string(domain.StageCompleted), domain.StatusDeployed)
	if err != nil {
		return fmt.Errorf("failed to mark site completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}
	return nil
}

// RaiseCompleted lifts the completed counter to observed, clamped to the
// range [completed, total]. GREATEST keeps the correction upward-only and
// LEAST keeps it inside the fan-out size; concurrent in-flight increments can
// only raise the value further, never conflict with it.
func (s *Store) RaiseCompleted(ctx context.Context, subdomain string, stage domain.Stage, observed int) (domain.StageCounters, error) {
	var c domain.StageCounters
	err := s.executeInTransaction(ctx, "raise_completed", func(tx *Store) error {
		err := tx.db.QueryRow(ctx, `
			UPDATE site_stage_counters
			SET completed = LEAST(GREATEST(completed, $3), total - failed)
			WHERE subdomain = $1 AND stage = $2
			RETURNING total, completed, failed
		`, subdomain, string(stage), observed).Scan(&c.Total, &c.Completed, &c.Failed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s stage %s not initialized", domain.ErrSiteNotFound, subdomain, stage)
			}
			return fmt.Errorf("failed to raise completed counter: %w", err)
		}

		_, err = tx.db.Exec(ctx, `UPDATE sites SET updated_at = GREATEST(updated_at, NOW()) WHERE subdomain = $1`, subdomain)
		if err != nil {
			return fmt.Errorf("failed to touch site: %w", err)
		}
		return nil
	})
	return c, err
}

// ListStuckSites returns non-terminal sites without progress since the
// cutoff, oldest first.
func (s *Store) ListStuckSites(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Site, error) {
	// LIMIT NULL means no limit.
	var rowLimit any
	if limit > 0 {
		rowLimit = limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+siteColumns+`
		FROM sites
		WHERE current_stage NOT IN ('', $1)
		  AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(domain.StageCompleted), cutoff, rowLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck sites: %w", err)
	}
	defer rows.Close()

	sites, err := collectSites(rows)
	if err != nil {
		return nil, err
	}

	return s.attachCounters(ctx, sites)
}

// === Helpers ===

func marshalExtra(extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(extra)
}

func scanSite(row pgx.Row) (*domain.Site, error) {
	var (
		site        domain.Site
		stage       string
		extraJSON   []byte
		lastErrAt   *time.Time
		startedAt   *time.Time
		lastErStage string
	)
	err := row.Scan(
		&site.Subdomain, &site.Name, &site.State, &site.Country, &site.Kind, &site.Scraper,
		&site.StartYear, &extraJSON, &site.Lat, &site.Lng,
		&stage, &site.Status, &site.CoordinatorEnqueued,
		&lastErStage, &site.LastErrorMessage, &lastErrAt,
		&startedAt, &site.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	site.CurrentStage = domain.Stage(stage)
	site.LastErrorStage = domain.Stage(lastErStage)
	if lastErrAt != nil {
		site.LastErrorAt = lastErrAt.UTC()
	}
	if startedAt != nil {
		site.StartedAt = startedAt.UTC()
	}
	site.UpdatedAt = site.UpdatedAt.UTC()
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &site.Extra); err != nil {
			return nil, fmt.Errorf("failed to unmarshal site extra: %w", err)
		}
	}

	return &site, nil
}

func collectSites(rows pgx.Rows) ([]*domain.Site, error) {
	var sites []*domain.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sites: %w", err)
	}
	return sites, nil
}

// loadCounters fetches stage counters for the given subdomains in one query.
func (s *Store) loadCounters(ctx context.Context, subdomains []string) (map[string]map[domain.Stage]domain.StageCounters, error) {
	rows, err := s.db.Query(ctx, `
		SELECT subdomain, stage, total, completed, failed
		FROM site_stage_counters
		WHERE subdomain = ANY($1)
	`, subdomains)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[domain.Stage]domain.StageCounters, len(subdomains))
	for rows.Next() {
		var (
			subdomain string
			stage     string
			c         domain.StageCounters
		)
		if err := rows.Scan(&subdomain, &stage, &c.Total, &c.Completed, &c.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan stage counters: %w", err)
		}
		if out[subdomain] == nil {
			out[subdomain] = map[domain.Stage]domain.StageCounters{}
		}
		out[subdomain][domain.Stage(stage)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage counters: %w", err)
	}
	return out, nil
}

func (s *Store) attachCounters(ctx context.Context, sites []*domain.Site) ([]*domain.Site, error) {
	if len(sites) == 0 {
		return sites, nil
	}
	subdomains := make([]string, 0, len(sites))
	for _, site := range sites {
		subdomains = append(subdomains, site.Subdomain)
	}
	counters, err := s.loadCounters(ctx, subdomains)
	if err != nil {
		return nil, err
	}
	for _, site := range sites {
		site.Counters = counters[site.Subdomain]
		if site.Counters == nil {
			site.Counters = map[domain.Stage]domain.StageCounters{}
		}
	}
	return sites, nil
}

package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/sitefs"
)

const motionsSchema = `
CREATE TABLE IF NOT EXISTS motions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id  INTEGER NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	page_number INTEGER NOT NULL,
	text        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	ayes        INTEGER,
	nays        INTEGER
);

CREATE INDEX IF NOT EXISTS idx_motions_meeting ON motions(meeting_id);
`

var (
	// motionPattern matches the sentence introducing a motion in minutes
	// prose, through its terminating period.
	motionPattern = regexp.MustCompile(`(?i)(?:a\s+)?motion\s+(?:was\s+made|by|to)\s[^.]*\.`)

	carriedPattern = regexp.MustCompile(`(?i)motion\s+(?:carried|passed|approved)`)
	failedPattern  = regexp.MustCompile(`(?i)motion\s+(?:failed|denied|defeated)`)
	tallyPattern   = regexp.MustCompile(`(?i)ayes?[:\s]+(\d+)[,;\s]+nays?[:\s]+(\d+)`)
)

// MotionExtractor scans the compiled database's page text for motions and
// their vote outcomes and writes them back as a motions table. Re-running
// extraction replaces the table wholesale, so redelivery converges.
type MotionExtractor struct {
	layout sitefs.Layout
}

var _ Extractor = (*MotionExtractor)(nil)

// NewMotionExtractor creates an extractor over the given artifact layout.
func NewMotionExtractor(layout sitefs.Layout) *MotionExtractor {
	return &MotionExtractor{layout: layout}
}

// Extract implements Extractor.
func (e *MotionExtractor) Extract(ctx context.Context, subdomain string) error {
	dbPath := e.layout.DBPath(subdomain)
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Permanent(domain.ClassExtract, fmt.Errorf("no compiled database for %s", subdomain))
		}
		return domain.Transient(fmt.Errorf("failed to stat database: %w", err))
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return domain.Critical(fmt.Errorf("failed to open database: %w", err))
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, motionsSchema); err != nil {
		return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to create motions schema: %w", err))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM motions`); err != nil {
		return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to reset motions: %w", err))
	}

	rows, err := tx.QueryContext(ctx, `SELECT meeting_id, page_number, content FROM pages ORDER BY meeting_id, page_number`)
	if err != nil {
		return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to read pages: %w", err))
	}
	defer rows.Close()

	type pageRow struct {
		meetingID int64
		page      int
		content   string
	}
	var pages []pageRow
	for rows.Next() {
		var r pageRow
		if err := rows.Scan(&r.meetingID, &r.page, &r.content); err != nil {
			return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to scan page: %w", err))
		}
		pages = append(pages, r)
	}
	if err := rows.Err(); err != nil {
		return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to iterate pages: %w", err))
	}

	found := 0
	for _, page := range pages {
		for _, m := range pageMotions(page.content) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO motions (meeting_id, page_number, text, outcome, ayes, nays) VALUES (?, ?, ?, ?, ?, ?)`,
				page.meetingID, page.page, m.text, m.outcome, m.ayes, m.nays); err != nil {
				return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to insert motion: %w", err))
			}
			found++
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Permanent(domain.ClassExtract, fmt.Errorf("failed to commit: %w", err))
	}

	slog.InfoContext(ctx, "motions extracted",
		logfields.Subdomain(subdomain),
		slog.Int("motion_count", found))
	return nil
}

// Motion outcome labels stored in the motions table.
const (
	OutcomeCarried = "carried"
	OutcomeFailed  = "failed"
	OutcomeUnknown = "unknown"
)

type motion struct {
	text    string
	outcome string
	ayes    sql.NullInt64
	nays    sql.NullInt64
}

// pageMotions finds every motion on one page of minutes text. The outcome
// and tally are taken from the text between a motion and the next one, which
// is where minutes record the vote.
func pageMotions(content string) []motion {
	locs := motionPattern.FindAllStringIndex(content, -1)
	motions := make([]motion, 0, len(locs))
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		span := content[loc[0]:end]

		m := motion{
			text:    strings.TrimSpace(content[loc[0]:loc[1]]),
			outcome: OutcomeUnknown,
		}
		switch {
		case carriedPattern.MatchString(span):
			m.outcome = OutcomeCarried
		case failedPattern.MatchString(span):
			m.outcome = OutcomeFailed
		}
		if tally := tallyPattern.FindStringSubmatch(span); tally != nil {
			if ayes, err := strconv.ParseInt(tally[1], 10, 64); err == nil {
				m.ayes = sql.NullInt64{Int64: ayes, Valid: true}
			}
			if nays, err := strconv.ParseInt(tally[2], 10, 64); err == nil {
				m.nays = sql.NullInt64{Int64: nays, Valid: true}
			}
		}
		motions = append(motions, m)
	}
	return motions
}

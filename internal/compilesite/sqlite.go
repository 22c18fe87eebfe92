package compilesite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/sitefs"
)

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting  TEXT NOT NULL,
	date     TEXT NOT NULL,
	pages    INTEGER NOT NULL,
	UNIQUE (meeting, date)
);

CREATE TABLE IF NOT EXISTS pages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id  INTEGER NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	page_number INTEGER NOT NULL,
	content     TEXT NOT NULL,
	UNIQUE (meeting_id, page_number)
);

CREATE INDEX IF NOT EXISTS idx_meetings_date ON meetings(date);
CREATE INDEX IF NOT EXISTS idx_pages_meeting ON pages(meeting_id);
`

// SQLiteCompiler folds a site's recognized text tree into one sqlite
// database. The artifact is built under a scratch name and swapped into
// place, keeping the previous database as a .bk backup, so deploy never
// observes a half-written file.
type SQLiteCompiler struct {
	layout sitefs.Layout
}

var _ Compiler = (*SQLiteCompiler)(nil)

// NewSQLiteCompiler creates a compiler over the given artifact layout.
func NewSQLiteCompiler(layout sitefs.Layout) *SQLiteCompiler {
	return &SQLiteCompiler{layout: layout}
}

// Compile implements Compiler.
func (c *SQLiteCompiler) Compile(ctx context.Context, subdomain string) (Artifact, error) {
	docs, err := c.textDocuments(subdomain)
	if err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(c.layout.SiteDir(subdomain), 0o755); err != nil {
		return Artifact{}, domain.Critical(fmt.Errorf("failed to create site directory: %w", err))
	}
	dbPath := c.layout.DBPath(subdomain)
	tmpPath := dbPath + ".tmp"
	os.Remove(tmpPath)

	artifact, err := c.build(ctx, tmpPath, docs)
	if err != nil {
		os.Remove(tmpPath)
		return Artifact{}, err
	}

	if err := c.rotate(subdomain, dbPath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return Artifact{}, err
	}
	artifact.Path = dbPath

	slog.InfoContext(ctx, "database compiled",
		logfields.Subdomain(subdomain),
		slog.String("db_path", dbPath),
		slog.Int("documents", artifact.Documents),
		slog.Int("pages", artifact.Pages))
	return artifact, nil
}

// textDocument is one {meeting}/{date} directory of page files.
type textDocument struct {
	meeting string
	date    string
	pages   []string
}

// textDocuments walks the txt tree in sorted order. A missing tree is an
// empty compilation, not a failure.
func (c *SQLiteCompiler) textDocuments(subdomain string) ([]textDocument, error) {
	root := c.layout.TxtDir(subdomain)
	meetings, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, domain.Transient(fmt.Errorf("failed to read txt directory: %w", err))
	}

	var docs []textDocument
	for _, meeting := range meetings {
		if !meeting.IsDir() {
			continue
		}
		dates, err := os.ReadDir(filepath.Join(root, meeting.Name()))
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("failed to read meeting directory: %w", err))
		}
		for _, date := range dates {
			if !date.IsDir() {
				continue
			}
			dir := filepath.Join(root, meeting.Name(), date.Name())
			files, err := os.ReadDir(dir)
			if err != nil {
				return nil, domain.Transient(fmt.Errorf("failed to read document directory: %w", err))
			}
			doc := textDocument{meeting: meeting.Name(), date: date.Name()}
			for _, f := range files {
				if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".txt") {
					continue
				}
				doc.pages = append(doc.pages, filepath.Join(dir, f.Name()))
			}
			if len(doc.pages) > 0 {
				sort.Strings(doc.pages)
				docs = append(docs, doc)
			}
		}
	}
	return docs, nil
}

func (c *SQLiteCompiler) build(ctx context.Context, path string, docs []textDocument) (Artifact, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return Artifact{}, domain.Critical(fmt.Errorf("failed to open database: %w", err))
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return Artifact{}, domain.Permanent(domain.ClassCompile, fmt.Errorf("failed to create schema: %w", err))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Artifact{}, domain.Permanent(domain.ClassCompile, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	artifact := Artifact{Path: path}
	for _, doc := range docs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO meetings (meeting, date, pages) VALUES (?, ?, ?)`,
			doc.meeting, doc.date, len(doc.pages))
		if err != nil {
			return Artifact{}, domain.Permanent(domain.ClassCompile, fmt.Errorf("failed to insert meeting: %w", err))
		}
		meetingID, err := res.LastInsertId()
		if err != nil {
			return Artifact{}, domain.Permanent(domain.ClassCompile, fmt.Errorf("failed to read meeting id: %w", err))
		}

		for i, pagePath := range doc.pages {
			content, err := os.ReadFile(pagePath)
			if err != nil {
				return Artifact{}, domain.Transient(fmt.Errorf("failed to read %s: %w", pagePath, err))
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pages (meeting_id, page_number, content) VALUES (?, ?, ?)`,
				meetingID, i+1, string(content)); err != nil {
				return Artifact{}, domain.Permanent(domain.ClassCompile, fmt.Errorf("failed to insert page: %w", err))
			}
			artifact.Pages++
		}
		artifact.Documents++
	}

	if err := tx.Commit(); err != nil {
		return Artifact{}, domain.Permanent(domain.ClassCompile, fmt.Errorf("failed to commit: %w", err))
	}
	if err := db.Close(); err != nil {
		return Artifact{}, domain.Permanent(domain.ClassCompile, fmt.Errorf("failed to close database: %w", err))
	}
	return artifact, nil
}

// rotate keeps the previous artifact as a backup and moves the new one into
// place. Both renames stay inside the site directory, so they are atomic.
func (c *SQLiteCompiler) rotate(subdomain, dbPath, tmpPath string) error {
	if _, err := os.Stat(dbPath); err == nil {
		if err := os.Rename(dbPath, c.layout.BackupDBPath(subdomain)); err != nil {
			return domain.Critical(fmt.Errorf("failed to rotate previous database: %w", err))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return domain.Transient(fmt.Errorf("failed to stat previous database: %w", err))
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return domain.Critical(fmt.Errorf("failed to move database into place: %w", err))
	}
	return nil
}

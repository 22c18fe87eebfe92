package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// FS publishes artifacts into a local directory tree, one subdirectory per
// subdomain. The previously served copy stays behind as meetings.db.prev.
type FS struct {
	root string
}

var _ Target = (*FS)(nil)

// NewFS creates a filesystem target rooted at dir.
func NewFS(dir string) *FS {
	return &FS{root: dir}
}

func (f *FS) Name() string { return TargetFS }

// Publish implements Target. The artifact is copied next to its destination
// and renamed into place, so readers never see a partial file.
func (f *FS) Publish(ctx context.Context, subdomain, dbPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Permanent(domain.ClassDeploy, fmt.Errorf("artifact not found: %s", dbPath))
		}
		return domain.Transient(fmt.Errorf("failed to stat artifact: %w", err))
	}

	destDir := filepath.Join(f.root, subdomain)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return domain.Critical(fmt.Errorf("failed to create publish directory: %w", err))
	}

	dest := filepath.Join(destDir, filepath.Base(dbPath))
	tmp := dest + ".tmp"
	if err := copyFile(dbPath, tmp); err != nil {
		os.Remove(tmp)
		return domain.Transient(fmt.Errorf("failed to stage artifact: %w", err))
	}

	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, dest+".prev"); err != nil {
			os.Remove(tmp)
			return domain.Critical(fmt.Errorf("failed to keep previous artifact: %w", err))
		}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return domain.Critical(fmt.Errorf("failed to publish artifact: %w", err))
	}

	slog.InfoContext(ctx, "site published",
		logfields.Subdomain(subdomain),
		slog.String("target", f.Name()),
		slog.String("path", dest))
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"

	"cloud.google.com/go/storage"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// GCS publishes artifacts into a Cloud Storage bucket under
// {subdomain}/meetings.db, keeping the previous generation as a .prev copy.
type GCS struct {
	client *storage.Client
	bucket string
}

var _ Target = (*GCS)(nil)

// NewGCS creates a bucket target. The client authenticates through
// application default credentials.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Name() string { return TargetGCS }

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }

// Publish implements Target. The currently served object is copied server
// side to its .prev name before the upload overwrites it, so a failed upload
// still leaves a recoverable copy.
func (g *GCS) Publish(ctx context.Context, subdomain, dbPath string) error {
	in, err := os.Open(dbPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Permanent(domain.ClassDeploy, fmt.Errorf("artifact not found: %s", dbPath))
		}
		return domain.Transient(fmt.Errorf("failed to open artifact: %w", err))
	}
	defer in.Close()

	name := path.Join(subdomain, path.Base(dbPath))
	obj := g.client.Bucket(g.bucket).Object(name)

	if _, err := obj.Attrs(ctx); err == nil {
		prev := g.client.Bucket(g.bucket).Object(name + ".prev")
		if _, err := prev.CopierFrom(obj).Run(ctx); err != nil {
			return domain.Transient(fmt.Errorf("failed to keep previous object: %w", err))
		}
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return domain.Transient(fmt.Errorf("failed to check object existence: %w", err))
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/vnd.sqlite3"
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return domain.Transient(fmt.Errorf("failed to upload artifact: %w", err))
	}
	if err := w.Close(); err != nil {
		return domain.Transient(fmt.Errorf("failed to finish upload: %w", err))
	}

	slog.InfoContext(ctx, "site published",
		logfields.Subdomain(subdomain),
		slog.String("target", g.Name()),
		slog.String("bucket", g.bucket),
		slog.String("object", name))
	return nil
}

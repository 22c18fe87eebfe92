package pipeline

import (
	"context"
	"log/slog"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// handleDeploy publishes the compiled database and marks the site completed.
// Completion needs no transition claim: publishing the same artifact twice
// is harmless and MarkSiteCompleted is idempotent.
func (p *Pipeline) handleDeploy(ctx context.Context, job *domain.Job) error {
	dbPath := p.layout.DBPath(job.Subdomain)
	if err := p.collab.Deployer.Publish(ctx, job.Subdomain, dbPath); err != nil {
		return err // classified by the target
	}

	if _, err := p.store.IncrementCompleted(ctx, job.Subdomain, domain.StageDeploy); err != nil {
		return domain.Transient(err)
	}
	if err := p.store.MarkSiteCompleted(ctx, job.Subdomain); err != nil {
		return domain.Transient(err)
	}

	slog.InfoContext(ctx, "site deployed",
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID),
		slog.String("target", p.collab.Deployer.Name()),
		slog.String("db_path", dbPath))
	return nil
}

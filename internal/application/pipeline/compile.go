package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// handleCompile builds the site's database from the recognized text tree and
// advances toward extraction or deploy, whichever the stage graph says comes
// next. An empty text tree still compiles: the artifact just has no rows.
func (p *Pipeline) handleCompile(ctx context.Context, job *domain.Job) error {
	var args StageArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return domain.Critical(fmt.Errorf("malformed compile args: %w", err))
	}

	artifact, err := p.collab.Compiler.Compile(ctx, job.Subdomain)
	if err != nil {
		return err // classified by the compiler
	}

	slog.InfoContext(ctx, "site compiled",
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID),
		slog.String("db_path", artifact.Path),
		slog.Int("documents", artifact.Documents),
		slog.Int("pages", artifact.Pages))

	if _, err := p.store.IncrementCompleted(ctx, job.Subdomain, domain.StageCompilation); err != nil {
		return domain.Transient(err)
	}
	if _, err := p.advanceSingle(ctx, job.Subdomain, job.RunID, job.ID, domain.StageCompilation, args.InheritClaim); err != nil {
		return classifyTransitionError(err)
	}
	return nil
}

// handleExtract runs the optional structured-extraction pass over the
// compiled database, then advances the site to deploy.
func (p *Pipeline) handleExtract(ctx context.Context, job *domain.Job) error {
	var args StageArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return domain.Critical(fmt.Errorf("malformed extract args: %w", err))
	}

	if err := p.collab.Extractor.Extract(ctx, job.Subdomain); err != nil {
		return err // classified by the extractor
	}

	slog.InfoContext(ctx, "extraction complete",
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID))

	if _, err := p.store.IncrementCompleted(ctx, job.Subdomain, domain.StageExtraction); err != nil {
		return domain.Transient(err)
	}
	if _, err := p.advanceSingle(ctx, job.Subdomain, job.RunID, job.ID, domain.StageExtraction, args.InheritClaim); err != nil {
		return classifyTransitionError(err)
	}
	return nil
}

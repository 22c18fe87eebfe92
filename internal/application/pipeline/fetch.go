package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/scrape"
)

// handleFetch runs the first pipeline stage: scrape the site's documents
// onto the filesystem, then fan the run out into one ocr-page job per
// downloaded document.
//
// The handler initializes its own stage because nothing precedes fetch; the
// re-initialization also gives a rescued fetch a clean counter slate after
// an earlier permanent failure.
func (p *Pipeline) handleFetch(ctx context.Context, job *domain.Job) error {
	var args FetchArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return domain.Critical(fmt.Errorf("malformed fetch args: %w", err))
	}

	site, err := p.store.GetSite(ctx, job.Subdomain)
	if err != nil {
		if errors.Is(err, domain.ErrSiteNotFound) {
			return domain.Critical(err)
		}
		return domain.Transient(err)
	}

	if err := p.store.InitializeStage(ctx, site.Subdomain, domain.StageFetch, 1); err != nil {
		return domain.Transient(err)
	}

	scraper, err := p.collab.Scrapers.Lookup(site.Scraper)
	if err != nil {
		return domain.Critical(err)
	}
	if err := p.layout.EnsureSiteDirs(site.Subdomain); err != nil {
		return domain.Critical(err)
	}

	slog.InfoContext(ctx, "fetching site",
		logfields.Subdomain(site.Subdomain),
		logfields.RunID(job.RunID),
		slog.String("scraper", site.Scraper),
		slog.Bool("all_years", args.AllYears),
		slog.Bool("all_agendas", args.AllAgendas))

	opts := scrape.FetchOptions{AllYears: args.AllYears, AllAgendas: args.AllAgendas}
	if err := scraper.Fetch(ctx, site, opts); err != nil {
		return err // classified by the scraper
	}

	if _, err := p.store.IncrementCompleted(ctx, site.Subdomain, domain.StageFetch); err != nil {
		return domain.Transient(err)
	}

	// The filesystem, not the scraper's report, decides the fan-out: every
	// document on disk gets a page job, including ones from earlier runs.
	docs, err := p.layout.EnumerateDocuments(site.Subdomain)
	if err != nil {
		return domain.Critical(err)
	}

	slog.InfoContext(ctx, "fetch complete",
		logfields.Subdomain(site.Subdomain),
		logfields.RunID(job.RunID),
		logfields.DocCount(len(docs)))

	if _, err := p.advanceToOCR(ctx, site.Subdomain, job.RunID, job.ID, docs); err != nil {
		return classifyTransitionError(err)
	}
	return nil
}

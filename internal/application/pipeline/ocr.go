package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// handleOCRPage recognizes one document: every pdf under the document's
// directory, page-numbered continuously into its txt directory. Page files
// are overwritten on reprocessing, so redelivery converges.
func (p *Pipeline) handleOCRPage(ctx context.Context, job *domain.Job) error {
	var args OCRPageArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return domain.Critical(fmt.Errorf("malformed ocr-page args: %w", err))
	}
	meeting, date, ok := strings.Cut(args.DocumentPath, "/")
	if !ok || meeting == "" || date == "" {
		return domain.Critical(fmt.Errorf("malformed document path %q", args.DocumentPath))
	}

	pdfs, err := p.layout.DocumentPDFs(job.Subdomain, meeting, date)
	if err != nil {
		return domain.Transient(err)
	}
	if len(pdfs) == 0 {
		// The document vanished between fetch and here. Count it failed so
		// the fan-in still terminates.
		return domain.Permanent(domain.ClassPdfRead, fmt.Errorf("no pdf files for %s", args.DocumentPath))
	}

	slog.InfoContext(ctx, "recognizing document",
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID),
		slog.String("document", args.DocumentPath),
		slog.String("backend", args.Backend),
		slog.Int("pdf_count", len(pdfs)))

	outDir := p.layout.DocumentTxtDir(job.Subdomain, meeting, date)
	offset := 0
	for _, pdf := range pdfs {
		pages, err := p.collab.OCR.ProcessPDF(ctx, args.Backend, pdf, outDir, offset)
		if err != nil {
			return err // classified by the processor
		}
		offset += pages
	}

	if _, err := p.store.IncrementCompleted(ctx, job.Subdomain, domain.StageOCR); err != nil {
		return domain.Transient(err)
	}

	slog.InfoContext(ctx, "document recognized",
		logfields.Subdomain(job.Subdomain),
		logfields.RunID(job.RunID),
		slog.String("document", args.DocumentPath),
		slog.Int("page_count", offset))
	return nil
}

// handleOCRCoordinator fires once every ocr-page job of the fan-out has
// finished, and moves the site into compilation. Losing the transition claim
// is a normal outcome: a redelivered duplicate, or a site the reconciler
// already advanced.
func (p *Pipeline) handleOCRCoordinator(ctx context.Context, job *domain.Job) error {
	var args StageArgs
	if err := decodeArgs(job.Args, &args); err != nil {
		return domain.Critical(fmt.Errorf("malformed ocr-coordinator args: %w", err))
	}
	if _, err := p.advanceSingle(ctx, job.Subdomain, job.RunID, job.ID, domain.StageOCR, args.InheritClaim); err != nil {
		return classifyTransitionError(err)
	}
	return nil
}

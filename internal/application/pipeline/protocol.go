package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/sitefs"
)

// advanceToOCR moves a site from fetch into the OCR fan-out: one ocr-page
// job per document plus one ocr-coordinator deferred on all of them. With
// zero documents the coordinator is enqueued ready and fires immediately.
//
// Claim, counter initialization and enqueues commit atomically, so a won
// transition always leaves the fan-out in flight. Losing the claim means
// another delivery of the same fetch already advanced the site.
func (p *Pipeline) advanceToOCR(ctx context.Context, subdomain, runID, parentJobID string, docs []sitefs.Document) (bool, error) {
	children := make([]*domain.Job, 0, len(docs))
	for _, doc := range docs {
		job, err := p.newJob(domain.QueueOCR, domain.FuncOCRPage, subdomain, runID, parentJobID,
			fmt.Sprintf("ocr %s %s", subdomain, doc.Key()),
			OCRPageArgs{DocumentPath: doc.Key(), Backend: p.cfg.OCRBackend})
		if err != nil {
			return false, err
		}
		children = append(children, job)
	}

	coordinator, err := p.newJob(domain.QueueCompilation, domain.FuncOCRCoordinator, subdomain, runID, parentJobID,
		fmt.Sprintf("ocr coordinator %s", subdomain), nil)
	if err != nil {
		return false, err
	}

	won, err := p.advancer.AdvanceStage(ctx, AdvanceParams{
		Subdomain:   subdomain,
		From:        domain.StageFetch,
		Next:        domain.StageOCR,
		Total:       len(docs),
		Children:    children,
		Coordinator: coordinator,
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance %s to ocr: %w", subdomain, err)
	}
	p.logTransition(ctx, won, subdomain, runID, domain.StageFetch, domain.StageOCR, len(docs))
	return won, nil
}

// advanceSingle moves a site out of a stage whose successor runs as a single
// job (ocr to compilation, compilation onward, extraction to deploy). The
// successor's unit job is enqueued in the same transaction as the claim.
//
// inheritClaim accepts a transition latch the reconciler already claimed on
// this job's behalf; the from-stage predicate still rejects replays after
// the site advanced.
func (p *Pipeline) advanceSingle(ctx context.Context, subdomain, runID, parentJobID string, from domain.Stage, inheritClaim bool) (bool, error) {
	next, ok := domain.NextStage(from, p.cfg.ExtractionEnabled)
	if !ok {
		return false, fmt.Errorf("%w: no stage after %s", domain.ErrUnknownStage, from)
	}
	queue, funcName, ok := stageJobSpec(next)
	if !ok {
		return false, fmt.Errorf("%w: %s has no unit job", domain.ErrUnknownStage, next)
	}

	job, err := p.newJob(queue, funcName, subdomain, runID, parentJobID,
		fmt.Sprintf("%s %s", funcName, subdomain), nil)
	if err != nil {
		return false, err
	}

	won, err := p.advancer.AdvanceStage(ctx, AdvanceParams{
		Subdomain:    subdomain,
		From:         from,
		Next:         next,
		Total:        1,
		Children:     []*domain.Job{job},
		InheritClaim: inheritClaim,
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance %s to %s: %w", subdomain, next, err)
	}
	p.logTransition(ctx, won, subdomain, runID, from, next, 1)
	return won, nil
}

// classifyTransitionError routes a failed stage advance: a broken stage
// graph is a configuration fault, anything else is a store hiccup worth
// retrying. A rolled-back advance leaves no partial state behind.
func classifyTransitionError(err error) error {
	if errors.Is(err, domain.ErrUnknownStage) {
		return domain.Critical(err)
	}
	return domain.Transient(err)
}

func (p *Pipeline) logTransition(ctx context.Context, won bool, subdomain, runID string, from, next domain.Stage, fanOut int) {
	if !won {
		slog.InfoContext(ctx, "stage transition already claimed",
			logfields.Subdomain(subdomain),
			logfields.RunID(runID),
			logfields.Stage(string(from)))
		return
	}
	p.recorder.IncStageTransition(string(next))
	slog.InfoContext(ctx, "stage advanced",
		logfields.Subdomain(subdomain),
		logfields.RunID(runID),
		slog.String("from_stage", string(from)),
		slog.String("to_stage", string(next)),
		slog.Int("fan_out", fanOut))
}

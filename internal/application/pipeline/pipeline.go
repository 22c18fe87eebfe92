// Package pipeline implements the document pipeline's coordination core: the
// stage protocol with its atomic counters and single-shot coordinator latch,
// the worker runtime that executes jobs from the durable queues, and the
// reconciler that recovers sites which stopped advancing.
//
// The site row is the only authoritative pipeline state. Jobs reference a
// site by subdomain and carry a run id for correlation, nothing more, so
// there are no ownership cycles across the queue boundary.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/towncrier/internal/compilesite"
	"github.com/rezkam/towncrier/internal/deploy"
	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/extract"
	"github.com/rezkam/towncrier/internal/metrics"
	"github.com/rezkam/towncrier/internal/ocr"
	"github.com/rezkam/towncrier/internal/scrape"
	"github.com/rezkam/towncrier/internal/sitefs"
)

// ErrRunActive indicates the site already has a fetch queued or running, so
// enqueueing another would double the pipeline's fan-out.
var ErrRunActive = errors.New("site already has an active fetch")

// Config tunes job construction and the stage graph shape.
type Config struct {
	// ExtractionEnabled inserts the extraction stage between compilation
	// and deploy.
	ExtractionEnabled bool

	// OCRBackend is the backend name stamped into ocr-page job args.
	OCRBackend string

	// JobTimeout is the wall-clock budget stamped onto enqueued jobs.
	// Zero means unbounded.
	JobTimeout time.Duration

	// ResultTTL is how long finished job rows are retained before pruning.
	ResultTTL time.Duration
}

// Collaborators are the pluggable adapters the stage handlers delegate to.
// Each one works purely against the filesystem contract and classifies its
// own failures.
type Collaborators struct {
	Scrapers  *scrape.Registry
	OCR       ocr.DocumentProcessor
	Compiler  compilesite.Compiler
	Extractor extract.Extractor
	Deployer  deploy.Target
}

// Pipeline wires the stage handlers to the store, the queue and the
// collaborators. One Pipeline serves every site; all per-site state lives in
// the store.
type Pipeline struct {
	store    SiteStore
	queue    JobQueue
	advancer StageTransitioner
	layout   sitefs.Layout
	collab   Collaborators
	recorder metrics.Recorder
	cfg      Config
}

// NewPipeline creates a pipeline. A nil recorder disables metrics.
func NewPipeline(store SiteStore, queue JobQueue, advancer StageTransitioner, layout sitefs.Layout, collab Collaborators, recorder metrics.Recorder, cfg Config) *Pipeline {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Pipeline{
		store:    store,
		queue:    queue,
		advancer: advancer,
		layout:   layout,
		collab:   collab,
		recorder: recorder,
		cfg:      cfg,
	}
}

// HandlerFunc processes one claimed job. The returned error's class decides
// routing: transient retries, permanent records on the site's counters,
// critical (or unclassified) lands in the failure registry.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Handlers returns the dispatch table consumed by the worker runtime.
func (p *Pipeline) Handlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		domain.FuncFetch:          p.handleFetch,
		domain.FuncOCRPage:        p.handleOCRPage,
		domain.FuncOCRCoordinator: p.handleOCRCoordinator,
		domain.FuncCompile:        p.handleCompile,
		domain.FuncExtract:        p.handleExtract,
		domain.FuncDeploy:         p.handleDeploy,
	}
}

// === Job Arguments ===
// Subdomain and run id are first-class job columns; args carry only the
// per-function extras.

// FetchArgs tune one fetch job.
type FetchArgs struct {
	AllYears   bool `json:"all_years,omitempty"`
	AllAgendas bool `json:"all_agendas,omitempty"`
}

// OCRPageArgs identify the document one ocr-page job processes.
type OCRPageArgs struct {
	// DocumentPath is "{meeting}/{date}" relative to the site's pdfs dir.
	DocumentPath string `json:"document_path"`

	// Backend is the recognition backend requested at enqueue time; the
	// processor resolves it when the job runs, downgrading if needed.
	Backend string `json:"backend,omitempty"`
}

// StageArgs tune the jobs that advance a site out of their stage
// (ocr-coordinator, compile, extract).
type StageArgs struct {
	// InheritClaim marks a job whose enqueuer already claimed the stage
	// transition on its behalf (the reconciler's rescue paths).
	InheritClaim bool `json:"inherit_claim,omitempty"`
}

func decodeArgs(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// === Job Construction ===

// newJob builds a queue job carrying the pipeline's configured timeout and
// result retention. parentJobID is the enqueuing job, empty at the pipeline
// head. A nil args marshals to an empty object.
func (p *Pipeline) newJob(queue, funcName, subdomain, runID, parentJobID, description string, args any) (*domain.Job, error) {
	raw := []byte("{}")
	if args != nil {
		var err error
		raw, err = json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s args: %w", funcName, err)
		}
	}
	return &domain.Job{
		Queue:       queue,
		FuncName:    funcName,
		Args:        raw,
		Subdomain:   subdomain,
		RunID:       runID,
		ParentJobID: parentJobID,
		Description: description,
		Timeout:     p.cfg.JobTimeout,
		ResultTTL:   p.cfg.ResultTTL,
	}, nil
}

// stageForFunc maps a unit job function to the stage whose counters it
// drives. The ocr-coordinator is not a unit of any stage and has no mapping.
func stageForFunc(funcName string) (domain.Stage, bool) {
	switch funcName {
	case domain.FuncFetch:
		return domain.StageFetch, true
	case domain.FuncOCRPage:
		return domain.StageOCR, true
	case domain.FuncCompile:
		return domain.StageCompilation, true
	case domain.FuncExtract:
		return domain.StageExtraction, true
	case domain.FuncDeploy:
		return domain.StageDeploy, true
	}
	return "", false
}

// stageJobSpec maps a 1-of-1 stage to the queue and function of its single
// unit job. Fetch and OCR have bespoke fan-out paths and no spec here.
func stageJobSpec(stage domain.Stage) (queue, funcName string, ok bool) {
	switch stage {
	case domain.StageCompilation:
		return domain.QueueCompilation, domain.FuncCompile, true
	case domain.StageExtraction:
		return domain.QueueExtraction, domain.FuncExtract, true
	case domain.StageDeploy:
		return domain.QueueDeploy, domain.FuncDeploy, true
	}
	return "", "", false
}

// === Run Seeding ===

// EnqueueSiteRun seeds a pipeline run for a site: one fetch job on the fetch
// queue, or the high queue for operator-priority runs. Returns ErrRunActive
// if the site already has a fetch queued or running.
func (p *Pipeline) EnqueueSiteRun(ctx context.Context, subdomain string, args FetchArgs, priority bool) (runID, jobID string, err error) {
	site, err := p.store.GetSite(ctx, subdomain)
	if err != nil {
		return "", "", err
	}

	active, err := p.queue.CountActiveJobs(ctx, site.Subdomain, domain.FuncFetch)
	if err != nil {
		return "", "", err
	}
	if active > 0 {
		return "", "", fmt.Errorf("%w: %s", ErrRunActive, site.Subdomain)
	}

	queue := domain.QueueFetch
	if priority {
		queue = domain.QueueHigh
	}

	runID = domain.NewRunID(site.Subdomain)
	job, err := p.newJob(queue, domain.FuncFetch, site.Subdomain, runID, "",
		fmt.Sprintf("fetch %s", site.Subdomain), args)
	if err != nil {
		return "", "", err
	}
	if err := p.queue.EnqueueJob(ctx, job, nil); err != nil {
		return "", "", err
	}
	return runID, job.ID, nil
}

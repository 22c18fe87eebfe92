package domain

import "time"

// Stage identifies a phase of the document pipeline.
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageOCR         Stage = "ocr"
	StageCompilation Stage = "compilation"
	StageExtraction  Stage = "extraction"
	StageDeploy      Stage = "deploy"

	// StageCompleted is the terminal stage. It carries no counters.
	StageCompleted Stage = "completed"
)

// Stages lists the counter-bearing pipeline stages in execution order.
var Stages = []Stage{StageFetch, StageOCR, StageCompilation, StageExtraction, StageDeploy}

// Valid reports whether s is a counter-bearing stage.
func (s Stage) Valid() bool {
	switch s {
	case StageFetch, StageOCR, StageCompilation, StageExtraction, StageDeploy:
		return true
	}
	return false
}

// NextStage returns the stage that follows s in the pipeline graph.
// Extraction is optional: when disabled, compilation advances directly to
// deploy. The second return value is false when s has no successor.
func NextStage(s Stage, extractionEnabled bool) (Stage, bool) {
	switch s {
	case StageFetch:
		return StageOCR, true
	case StageOCR:
		return StageCompilation, true
	case StageCompilation:
		if extractionEnabled {
			return StageExtraction, true
		}
		return StageDeploy, true
	case StageExtraction:
		return StageDeploy, true
	case StageDeploy:
		return StageCompleted, true
	}
	return "", false
}

// StageCounters is the fan-out progress record for one stage.
type StageCounters struct {
	Total     int
	Completed int
	Failed    int
}

// Done reports whether every unit of the stage has terminated,
// successfully or with a recorded failure.
func (c StageCounters) Done() bool {
	return c.Completed+c.Failed == c.Total
}

// Site is the authoritative pipeline state for one tracked subdomain.
// Workers and the reconciler mutate it exclusively through the store's
// counter primitives; queue jobs carry no site state of their own.
type Site struct {
	Subdomain string
	Name      string
	State     string
	Country   string
	Kind      string
	Scraper   string
	StartYear int
	Extra     map[string]any
	Lat       float64
	Lng       float64

	// CurrentStage is empty until the first fetch initializes the pipeline
	// and becomes StageCompleted when deploy finishes.
	CurrentStage Stage

	// Status is the legacy operator-facing label derived from CurrentStage.
	Status string

	StartedAt time.Time
	UpdatedAt time.Time

	// CoordinatorEnqueued is the single-shot latch claimed by exactly one
	// caller per stage transition. Reset by the next stage initialization.
	CoordinatorEnqueued bool

	Counters map[Stage]StageCounters

	LastErrorStage   Stage
	LastErrorMessage string
	LastErrorAt      time.Time
}

// CountersFor returns the counters recorded for stage s.
func (s *Site) CountersFor(stage Stage) StageCounters {
	return s.Counters[stage]
}

// Legacy status labels kept for operator visibility. CurrentStage is
// authoritative; these are derived display values only.
const (
	StatusNew              = "new"
	StatusFetching         = "fetching"
	StatusNeedsOCR         = "needs_ocr"
	StatusNeedsCompilation = "needs_compilation"
	StatusNeedsExtraction  = "needs_extraction"
	StatusNeedsDeploy      = "needs_deploy"
	StatusDeployed         = "deployed"
)

// DeriveStatus maps a pipeline stage to its legacy status label.
func DeriveStatus(stage Stage) string {
	switch stage {
	case StageFetch:
		return StatusFetching
	case StageOCR:
		return StatusNeedsOCR
	case StageCompilation:
		return StatusNeedsCompilation
	case StageExtraction:
		return StatusNeedsExtraction
	case StageDeploy:
		return StatusNeedsDeploy
	case StageCompleted:
		return StatusDeployed
	}
	return StatusNew
}

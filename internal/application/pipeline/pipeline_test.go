package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/towncrier/internal/compilesite"
	"github.com/rezkam/towncrier/internal/domain"
)

// TestHappyPath_ThreeDocuments runs a full pipeline for a site with three
// fetched documents: fetch fans out three ocr-page jobs plus a coordinator,
// every page succeeds, and the site ends up deployed.
func TestHappyPath_ThreeDocuments(t *testing.T) {
	env := newTestEnv(t, Config{OCRBackend: "tesseract"})
	env.addSite("ex.test")
	env.writeDocPDF(t, "ex.test", "council", "2026-01-05", "agenda.pdf")
	env.writeDocPDF(t, "ex.test", "council", "2026-02-02", "agenda.pdf")
	env.writeDocPDF(t, "ex.test", "planning", "2026-01-12", "minutes.pdf")

	runID, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(runID, "ex.test_"))

	env.drain(t)

	site := env.store.sites["ex.test"]
	assert.Equal(t, domain.StageCompleted, site.CurrentStage)
	assert.Equal(t, domain.StatusDeployed, site.Status)

	ocr := site.CountersFor(domain.StageOCR)
	assert.Equal(t, domain.StageCounters{Total: 3, Completed: 3, Failed: 0}, ocr)
	assert.Equal(t, domain.StageCounters{Total: 1, Completed: 1}, site.CountersFor(domain.StageCompilation))
	assert.Equal(t, domain.StageCounters{Total: 1, Completed: 1}, site.CountersFor(domain.StageDeploy))

	assert.Equal(t, 1, env.scraper.calls)
	assert.Equal(t, 3, env.ocr.calls)
	assert.Equal(t, 1, env.compiler.calls)
	assert.Equal(t, 0, env.extractor.calls, "extraction disabled by default")
	assert.Equal(t, 1, env.deployer.calls)

	// Exactly one coordinator and one compile job ever existed.
	assert.Len(t, env.queue.jobsByFunc(domain.FuncOCRCoordinator), 1)
	assert.Len(t, env.queue.jobsByFunc(domain.FuncCompile), 1)
	assert.Empty(t, env.queue.failed)
}

// TestMixedFailure_PermanentPagesStillComplete processes five documents, two
// of which are unreadable. The failed units advance the failed counter, the
// coordinator still fires exactly once, and the pipeline reaches completed.
func TestMixedFailure_PermanentPagesStillComplete(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")
	for i := range 5 {
		env.writeDocPDF(t, "ex.test", "council", fmt.Sprintf("2026-01-%02d", i+1), "agenda.pdf")
	}

	corrupt := map[string]bool{"2026-01-02": true, "2026-01-04": true}
	env.ocr.processFunc = func(_ context.Context, _, pdfPath, outDir string, _ int) (int, error) {
		for date := range corrupt {
			if strings.Contains(pdfPath, date) {
				return 0, domain.Permanent(domain.ClassPdfRead, errors.New("startxref not found"))
			}
		}
		return (&fakeProcessor{}).ProcessPDF(context.Background(), "", pdfPath, outDir, 0)
	}

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	site := env.store.sites["ex.test"]
	assert.Equal(t, domain.StageCompleted, site.CurrentStage)
	assert.Equal(t, domain.StageCounters{Total: 5, Completed: 3, Failed: 2}, site.CountersFor(domain.StageOCR))

	assert.Equal(t, domain.StageOCR, site.LastErrorStage)
	assert.True(t, strings.HasPrefix(site.LastErrorMessage, "PdfReadError:"),
		"last error %q should carry the class label", site.LastErrorMessage)
	assert.False(t, site.LastErrorAt.IsZero())

	assert.Len(t, env.queue.jobsByFunc(domain.FuncCompile), 1)
	assert.Equal(t, 1, env.compiler.calls)
	assert.Empty(t, env.queue.failed, "permanent failures must not reach the registry")

	// Both recorded failures share the pdf-read fingerprint.
	require.Len(t, env.recorder.failures, 2)
	for _, fp := range env.recorder.failures {
		assert.Equal(t, domain.FingerprintPdfFailedToRead, fp)
	}
}

// TestDuplicateCoordinator_SecondInvocationIsNoOp invokes the ocr
// coordinator twice for the same transition. The latch admits one.
func TestDuplicateCoordinator_SecondInvocationIsNoOp(t *testing.T) {
	env := newTestEnv(t, Config{})
	site := env.addSite("ex.test")
	site.CurrentStage = domain.StageOCR
	site.Counters[domain.StageOCR] = domain.StageCounters{Total: 2, Completed: 2}

	job := &domain.Job{
		ID:        "coord-1",
		Queue:     domain.QueueCompilation,
		FuncName:  domain.FuncOCRCoordinator,
		Subdomain: "ex.test",
		RunID:     "ex.test_run",
	}

	require.NoError(t, env.pipe.handleOCRCoordinator(context.Background(), job))
	require.NoError(t, env.pipe.handleOCRCoordinator(context.Background(), job))

	assert.Len(t, env.queue.jobsByFunc(domain.FuncCompile), 1,
		"exactly one compile job despite two coordinator invocations")
	assert.Equal(t, domain.StageCompilation, env.store.sites["ex.test"].CurrentStage)
}

// TestTransientRetry_SingleIncrement drives one page through two transient
// failures before success. Counters move exactly once, at the success.
func TestTransientRetry_SingleIncrement(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")
	env.writeDocPDF(t, "ex.test", "council", "2026-03-02", "agenda.pdf")

	attempts := 0
	env.ocr.processFunc = func(_ context.Context, _, pdfPath, outDir string, _ int) (int, error) {
		attempts++
		if attempts <= 2 {
			return 0, domain.Transient(errors.New("connection reset by peer"))
		}
		return (&fakeProcessor{}).ProcessPDF(context.Background(), "", pdfPath, outDir, 0)
	}

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	site := env.store.sites["ex.test"]
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, env.recorder.retries)
	assert.Equal(t, domain.StageCounters{Total: 1, Completed: 1, Failed: 0}, site.CountersFor(domain.StageOCR))
	assert.Equal(t, domain.StageCompleted, site.CurrentStage)

	page := env.queue.jobsByFunc(domain.FuncOCRPage)[0]
	assert.Equal(t, 2, page.RetryCount)
	assert.Equal(t, domain.JobFinished, page.Status)
}

// TestCriticalFailure_StopsPipeline sends a critical error up from the
// processor: the page job enters the failure registry, counters never move,
// and the coordinator stays deferred.
func TestCriticalFailure_StopsPipeline(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")
	env.writeDocPDF(t, "ex.test", "council", "2026-03-02", "agenda.pdf")

	env.ocr.processFunc = func(context.Context, string, string, string, int) (int, error) {
		return 0, domain.Critical(errors.New("tesseract binary not found"))
	}

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	site := env.store.sites["ex.test"]
	assert.Equal(t, domain.StageOCR, site.CurrentStage)
	assert.Equal(t, domain.StageCounters{Total: 1, Completed: 0, Failed: 0}, site.CountersFor(domain.StageOCR))

	require.Len(t, env.queue.failed, 1)
	assert.Equal(t, "critical", env.queue.failed[0].ErrorType)
	assert.Equal(t, domain.FuncOCRPage, env.queue.failed[0].FuncName)

	coords := env.queue.jobsByFunc(domain.FuncOCRCoordinator)
	require.Len(t, coords, 1)
	assert.Equal(t, domain.JobDeferred, coords[0].Status, "coordinator must not fire over a critical failure")
	assert.Equal(t, 0, env.compiler.calls)
}

// TestEmptyFetch_CoordinatorFiresImmediately covers a fetch that produces no
// documents: the coordinator is enqueued ready and the site still reaches
// completed with an empty artifact.
func TestEmptyFetch_CoordinatorFiresImmediately(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	site := env.store.sites["ex.test"]
	assert.Equal(t, domain.StageCompleted, site.CurrentStage)
	assert.Equal(t, domain.StageCounters{Total: 0}, site.CountersFor(domain.StageOCR))
	assert.Equal(t, 0, env.ocr.calls)
	assert.Equal(t, 1, env.compiler.calls)
	assert.Equal(t, 1, env.deployer.calls)
}

// TestExtractionStage_RunsBetweenCompilationAndDeploy verifies the optional
// stage graph: with extraction enabled the site passes through it on the way
// to deploy.
func TestExtractionStage_RunsBetweenCompilationAndDeploy(t *testing.T) {
	env := newTestEnv(t, Config{ExtractionEnabled: true})
	env.addSite("ex.test")
	env.writeDocPDF(t, "ex.test", "council", "2026-03-02", "agenda.pdf")

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	site := env.store.sites["ex.test"]
	assert.Equal(t, domain.StageCompleted, site.CurrentStage)
	assert.Equal(t, 1, env.extractor.calls)
	assert.Equal(t, domain.StageCounters{Total: 1, Completed: 1}, site.CountersFor(domain.StageExtraction))

	// Stage order: extraction entered after compilation, before deploy.
	assert.Equal(t, []string{"ocr", "compilation", "extraction", "deploy"}, env.recorder.transitions)
}

// TestEnqueueSiteRun_ActiveRunRejected refuses to seed a second fetch while
// one is still queued or running.
func TestEnqueueSiteRun_ActiveRunRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)

	_, _, err = env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	assert.ErrorIs(t, err, ErrRunActive)
}

// TestEnqueueSiteRun_PriorityUsesHighQueue routes operator-priority runs
// through the high queue.
func TestEnqueueSiteRun_PriorityUsesHighQueue(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{AllYears: true}, true)
	require.NoError(t, err)

	jobs := env.queue.jobsByFunc(domain.FuncFetch)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.QueueHigh, jobs[0].Queue)

	var args FetchArgs
	require.NoError(t, decodeArgs(jobs[0].Args, &args))
	assert.True(t, args.AllYears)
}

// TestEnqueueSiteRun_UnknownSite fails fast when the subdomain is not in the
// roster.
func TestEnqueueSiteRun_UnknownSite(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "nowhere.test", FetchArgs{}, false)
	assert.ErrorIs(t, err, domain.ErrSiteNotFound)
}

// TestPanicInHandler_MovesJobToRegistry recovers a panicking compiler into a
// registry entry with its stack trace.
func TestPanicInHandler_MovesJobToRegistry(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")
	env.writeDocPDF(t, "ex.test", "council", "2026-03-02", "agenda.pdf")

	env.compiler.compileFunc = func(context.Context, string) (compilesite.Artifact, error) {
		panic("index out of range in meeting parser")
	}

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	require.Len(t, env.queue.failed, 1)
	entry := env.queue.failed[0]
	assert.Equal(t, "panic", entry.ErrorType)
	assert.Equal(t, domain.FuncCompile, entry.FuncName)
	require.NotNil(t, entry.StackTrace)
	assert.Contains(t, *entry.StackTrace, "goroutine")

	assert.Equal(t, domain.StageCompilation, env.store.sites["ex.test"].CurrentStage)
	assert.Equal(t, 0, env.deployer.calls)
}

// TestCounterBounds_NeverExceedTotal replays a page success after the stage
// already accounted for every unit; the saturating store keeps the invariant
// completed+failed <= total.
func TestCounterBounds_NeverExceedTotal(t *testing.T) {
	env := newTestEnv(t, Config{})
	site := env.addSite("ex.test")
	site.CurrentStage = domain.StageOCR
	site.Counters[domain.StageOCR] = domain.StageCounters{Total: 2, Completed: 1, Failed: 1}

	for range 3 {
		c, err := env.store.IncrementCompleted(context.Background(), "ex.test", domain.StageOCR)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Completed+c.Failed, c.Total)
	}
	assert.Equal(t, domain.StageCounters{Total: 2, Completed: 1, Failed: 1},
		env.store.sites["ex.test"].CountersFor(domain.StageOCR))
}

// TestOCRBackend_ReachesProcessor checks that the backend name stamped into
// ocr-page args at enqueue time is handed to the processor per document, so
// execution-time backend selection sees the job's choice, not the worker's.
func TestOCRBackend_ReachesProcessor(t *testing.T) {
	env := newTestEnv(t, Config{OCRBackend: "vision"})
	env.addSite("ex.test")
	env.writeDocPDF(t, "ex.test", "council", "2026-04-06", "agenda.pdf")
	env.writeDocPDF(t, "ex.test", "council", "2026-04-20", "agenda.pdf")

	_, _, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	require.Len(t, env.ocr.backends, 2)
	for _, backend := range env.ocr.backends {
		assert.Equal(t, "vision", backend)
	}
}

// TestParentJobID_ThreadsThroughFanOut walks a run end to end and checks
// every enqueued job records the job whose handler enqueued it, while
// operator-issued fetches carry none.
func TestParentJobID_ThreadsThroughFanOut(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.addSite("ex.test")
	env.writeDocPDF(t, "ex.test", "council", "2026-05-04", "agenda.pdf")

	_, fetchID, err := env.pipe.EnqueueSiteRun(context.Background(), "ex.test", FetchArgs{}, false)
	require.NoError(t, err)
	env.drain(t)

	fetch := env.queue.jobsByFunc(domain.FuncFetch)[0]
	assert.Empty(t, fetch.ParentJobID)

	page := env.queue.jobsByFunc(domain.FuncOCRPage)[0]
	assert.Equal(t, fetchID, page.ParentJobID)

	coord := env.queue.jobsByFunc(domain.FuncOCRCoordinator)[0]
	assert.Equal(t, fetchID, coord.ParentJobID)

	compile := env.queue.jobsByFunc(domain.FuncCompile)[0]
	assert.Equal(t, coord.ID, compile.ParentJobID)

	deployJob := env.queue.jobsByFunc(domain.FuncDeploy)[0]
	assert.Equal(t, compile.ID, deployJob.ParentJobID)
}

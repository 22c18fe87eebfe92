package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rezkam/towncrier/internal/compilesite"
	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/metrics"
	"github.com/rezkam/towncrier/internal/scrape"
	"github.com/rezkam/towncrier/internal/sitefs"
)

// === Store Fake ===

// fakeStore is an in-memory SiteStore with the same counter saturation and
// latch semantics as the postgres implementation.
type fakeStore struct {
	sites map[string]*domain.Site
}

func newFakeStore() *fakeStore {
	return &fakeStore{sites: make(map[string]*domain.Site)}
}

func (f *fakeStore) addSite(subdomain, scraper string) *domain.Site {
	site := &domain.Site{
		Subdomain: subdomain,
		Name:      subdomain,
		Scraper:   scraper,
		Status:    domain.StatusNew,
		UpdatedAt: time.Now(),
		Counters:  make(map[domain.Stage]domain.StageCounters),
	}
	f.sites[subdomain] = site
	return site
}

func (f *fakeStore) UpsertSite(_ context.Context, site *domain.Site) error {
	if site.Counters == nil {
		site.Counters = make(map[domain.Stage]domain.StageCounters)
	}
	f.sites[site.Subdomain] = site
	return nil
}

func (f *fakeStore) GetSite(_ context.Context, subdomain string) (*domain.Site, error) {
	site, ok := f.sites[subdomain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}
	return site, nil
}

func (f *fakeStore) ListSites(_ context.Context) ([]*domain.Site, error) {
	subs := make([]string, 0, len(f.sites))
	for sub := range f.sites {
		subs = append(subs, sub)
	}
	sort.Strings(subs)
	sites := make([]*domain.Site, 0, len(subs))
	for _, sub := range subs {
		sites = append(sites, f.sites[sub])
	}
	return sites, nil
}

func (f *fakeStore) InitializeStage(_ context.Context, subdomain string, stage domain.Stage, total int) error {
	site, ok := f.sites[subdomain]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}
	site.CurrentStage = stage
	site.Status = domain.DeriveStatus(stage)
	site.CoordinatorEnqueued = false
	if stage == domain.StageFetch {
		site.StartedAt = time.Now()
	}
	site.Counters[stage] = domain.StageCounters{Total: total}
	site.UpdatedAt = time.Now()
	return nil
}

// bump applies one saturating counter increment.
func (f *fakeStore) bump(subdomain string, stage domain.Stage, failed bool) (domain.StageCounters, error) {
	site, ok := f.sites[subdomain]
	if !ok {
		return domain.StageCounters{}, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}
	c, ok := site.Counters[stage]
	if !ok {
		return domain.StageCounters{}, fmt.Errorf("%w: %s stage %s not initialized", domain.ErrSiteNotFound, subdomain, stage)
	}
	if c.Completed+c.Failed < c.Total {
		if failed {
			c.Failed++
		} else {
			c.Completed++
		}
		site.Counters[stage] = c
	}
	site.UpdatedAt = time.Now()
	return c, nil
}

func (f *fakeStore) IncrementCompleted(_ context.Context, subdomain string, stage domain.Stage) (domain.StageCounters, error) {
	return f.bump(subdomain, stage, false)
}

func (f *fakeStore) IncrementFailed(_ context.Context, subdomain string, stage domain.Stage, errMsg string) (domain.StageCounters, error) {
	c, err := f.bump(subdomain, stage, true)
	if err != nil {
		return c, err
	}
	site := f.sites[subdomain]
	site.LastErrorStage = stage
	site.LastErrorMessage = errMsg
	site.LastErrorAt = time.Now()
	return c, nil
}

func (f *fakeStore) ShouldTriggerCoordinator(_ context.Context, subdomain string, stage domain.Stage) (bool, error) {
	site, ok := f.sites[subdomain]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}
	return site.Counters[stage].Done() && !site.CoordinatorEnqueued, nil
}

func (f *fakeStore) ClaimCoordinatorEnqueue(_ context.Context, subdomain string, from domain.Stage) (bool, error) {
	site, ok := f.sites[subdomain]
	if !ok {
		return false, nil
	}
	if site.CurrentStage != from || site.CoordinatorEnqueued {
		return false, nil
	}
	site.CoordinatorEnqueued = true
	site.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) MarkSiteCompleted(_ context.Context, subdomain string) error {
	site, ok := f.sites[subdomain]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}
	site.CurrentStage = domain.StageCompleted
	site.Status = domain.StatusDeployed
	site.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) ListStuckSites(_ context.Context, cutoff time.Time, limit int) ([]*domain.Site, error) {
	var stuck []*domain.Site
	subs := make([]string, 0, len(f.sites))
	for sub := range f.sites {
		subs = append(subs, sub)
	}
	sort.Strings(subs)
	for _, sub := range subs {
		site := f.sites[sub]
		if site.CurrentStage == "" || site.CurrentStage == domain.StageCompleted {
			continue
		}
		if !site.UpdatedAt.Before(cutoff) {
			continue
		}
		stuck = append(stuck, site)
		if limit > 0 && len(stuck) == limit {
			break
		}
	}
	return stuck, nil
}

func (f *fakeStore) RaiseCompleted(_ context.Context, subdomain string, stage domain.Stage, observed int) (domain.StageCounters, error) {
	site, ok := f.sites[subdomain]
	if !ok {
		return domain.StageCounters{}, fmt.Errorf("%w: %s", domain.ErrSiteNotFound, subdomain)
	}
	c := site.Counters[stage]
	c.Completed = min(max(c.Completed, observed), c.Total-c.Failed)
	site.Counters[stage] = c
	site.UpdatedAt = time.Now()
	return c, nil
}

// === Queue Fake ===

// fakeQueue is an in-memory JobQueue. Retried jobs become claimable
// immediately (no backoff simulation) and leases never expire on their own.
type fakeQueue struct {
	seq        int
	jobs       map[string]*domain.Job
	order      []string
	dependents map[string][]string // dependency id -> jobs waiting on it
	failed     []*domain.FailedJob
	leaseHeld  bool // simulates another instance holding the exclusive run
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:       make(map[string]*domain.Job),
		dependents: make(map[string][]string),
	}
}

func (f *fakeQueue) add(job *domain.Job, dependsOn []string) error {
	f.seq++
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%04d", f.seq)
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = 3
	}
	if len(job.Args) == 0 {
		job.Args = []byte("{}")
	}
	job.EnqueuedAt = time.Now()

	pending := 0
	for _, depID := range dependsOn {
		dep, ok := f.jobs[depID]
		if !ok {
			return fmt.Errorf("dependency %s not found", depID)
		}
		if dep.Status != domain.JobFinished {
			pending++
			f.dependents[depID] = append(f.dependents[depID], job.ID)
		}
	}
	job.PendingDeps = pending
	job.Status = domain.JobQueued
	if pending > 0 {
		job.Status = domain.JobDeferred
	}

	f.jobs[job.ID] = job
	f.order = append(f.order, job.ID)
	return nil
}

func (f *fakeQueue) EnqueueJob(_ context.Context, job *domain.Job, dependsOn []string) error {
	return f.add(job, dependsOn)
}

func (f *fakeQueue) EnqueueMany(_ context.Context, jobs []*domain.Job) error {
	for _, job := range jobs {
		if err := f.add(job, nil); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeQueue) ClaimNextJob(_ context.Context, queues []string, workerID string, availabilityTimeout time.Duration) (*domain.Job, error) {
	for _, q := range queues {
		for _, id := range f.order {
			job := f.jobs[id]
			if job.Queue != q || job.Status != domain.JobQueued {
				continue
			}
			job.Status = domain.JobStarted
			job.WorkerID = workerID
			job.StartedAt = time.Now()
			job.AvailableAt = time.Now().Add(availabilityTimeout)
			return job, nil
		}
	}
	return nil, nil
}

func (f *fakeQueue) ExtendJobLease(_ context.Context, jobID, workerID string, extension time.Duration) error {
	job, ok := f.jobs[jobID]
	if !ok || job.WorkerID != workerID || job.Status != domain.JobStarted {
		return domain.ErrJobOwnershipLost
	}
	job.AvailableAt = time.Now().Add(extension)
	return nil
}

func (f *fakeQueue) CompleteJob(_ context.Context, jobID, workerID string) error {
	job, ok := f.jobs[jobID]
	if !ok || job.WorkerID != workerID || job.Status != domain.JobStarted {
		return domain.ErrJobOwnershipLost
	}
	job.Status = domain.JobFinished
	job.FinishedAt = time.Now()
	for _, depID := range f.dependents[jobID] {
		dep := f.jobs[depID]
		dep.PendingDeps--
		if dep.PendingDeps <= 0 && dep.Status == domain.JobDeferred {
			dep.Status = domain.JobQueued
		}
	}
	return nil
}

func (f *fakeQueue) FailJob(_ context.Context, jobID, workerID, errMsg string, cfg RetryConfig) (bool, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.WorkerID != workerID || job.Status != domain.JobStarted {
		return false, domain.ErrJobOwnershipLost
	}

	newRetryCount := job.RetryCount + 1
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = cfg.MaxRetries
	}

	if newRetryCount > maxRetries {
		job.Status = domain.JobFailed
		job.RetryCount = newRetryCount
		job.ErrorMessage = errMsg
		job.FinishedAt = time.Now()
		f.failed = append(f.failed, &domain.FailedJob{
			ID:            fmt.Sprintf("failed-%04d", len(f.failed)+1),
			OriginalJobID: job.ID,
			Queue:         job.Queue,
			FuncName:      job.FuncName,
			Args:          job.Args,
			Subdomain:     job.Subdomain,
			RunID:         job.RunID,
			ErrorType:     "exhausted",
			ErrorMessage:  errMsg,
			Fingerprint:   domain.Fingerprint(errMsg),
			RetryCount:    newRetryCount,
			LastWorkerID:  workerID,
			FailedAt:      time.Now(),
		})
		return false, nil
	}

	job.Status = domain.JobQueued
	job.RetryCount = newRetryCount
	job.ErrorMessage = errMsg
	job.WorkerID = ""
	return true, nil
}

func (f *fakeQueue) MoveToFailed(_ context.Context, job *domain.Job, workerID, errType, errMsg string, stackTrace *string) error {
	stored, ok := f.jobs[job.ID]
	if !ok || stored.WorkerID != workerID || stored.Status != domain.JobStarted {
		return domain.ErrJobOwnershipLost
	}
	stored.Status = domain.JobFailed
	stored.ErrorMessage = errMsg
	stored.FinishedAt = time.Now()
	f.failed = append(f.failed, &domain.FailedJob{
		ID:            fmt.Sprintf("failed-%04d", len(f.failed)+1),
		OriginalJobID: job.ID,
		Queue:         job.Queue,
		FuncName:      job.FuncName,
		Args:          job.Args,
		Subdomain:     job.Subdomain,
		RunID:         job.RunID,
		ErrorType:     errType,
		ErrorMessage:  errMsg,
		StackTrace:    stackTrace,
		Fingerprint:   domain.Fingerprint(errMsg),
		RetryCount:    job.RetryCount,
		LastWorkerID:  workerID,
		FailedAt:      time.Now(),
	})
	return nil
}

func (f *fakeQueue) ListFailedJobs(_ context.Context, limit int) ([]*domain.FailedJob, error) {
	var out []*domain.FailedJob
	for i := len(f.failed) - 1; i >= 0; i-- {
		if f.failed[i].ResolvedAt != nil {
			continue
		}
		out = append(out, f.failed[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeQueue) RetryFailedJob(_ context.Context, failedID string) (string, error) {
	for _, entry := range f.failed {
		if entry.ID != failedID || entry.ResolvedAt != nil {
			continue
		}
		job := &domain.Job{
			Queue:     entry.Queue,
			FuncName:  entry.FuncName,
			Args:      entry.Args,
			Subdomain: entry.Subdomain,
			RunID:     entry.RunID,
		}
		if err := f.add(job, nil); err != nil {
			return "", err
		}
		now := time.Now()
		resolution := "retried"
		entry.ResolvedAt = &now
		entry.Resolution = &resolution
		return job.ID, nil
	}
	return "", domain.ErrFailedJobNotFound
}

func (f *fakeQueue) DiscardFailedJob(_ context.Context, failedID, note string) error {
	for _, entry := range f.failed {
		if entry.ID != failedID || entry.ResolvedAt != nil {
			continue
		}
		now := time.Now()
		entry.ResolvedAt = &now
		entry.Resolution = &note
		return nil
	}
	return domain.ErrFailedJobNotFound
}

func (f *fakeQueue) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeQueue) CountActiveJobs(_ context.Context, subdomain, funcName string) (int, error) {
	count := 0
	for _, job := range f.jobs {
		if job.Subdomain != subdomain || job.FuncName != funcName {
			continue
		}
		switch job.Status {
		case domain.JobQueued, domain.JobDeferred, domain.JobStarted:
			count++
		}
	}
	return count, nil
}

func (f *fakeQueue) QueueDepths(_ context.Context) ([]domain.QueueDepth, error) {
	byQueue := make(map[string]*domain.QueueDepth)
	for _, job := range f.jobs {
		d, ok := byQueue[job.Queue]
		if !ok {
			d = &domain.QueueDepth{Queue: job.Queue}
			byQueue[job.Queue] = d
		}
		switch job.Status {
		case domain.JobQueued:
			d.Queued++
		case domain.JobDeferred:
			d.Deferred++
		case domain.JobStarted:
			d.Started++
		case domain.JobFailed:
			d.Failed++
		}
	}
	var out []domain.QueueDepth
	for _, d := range byQueue {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

func (f *fakeQueue) PruneFinishedJobs(_ context.Context, _ time.Duration) (int64, error) {
	var pruned int64
	for id, job := range f.jobs {
		if job.Status == domain.JobFinished || job.Status == domain.JobFailed {
			delete(f.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

func (f *fakeQueue) TryAcquireExclusiveRun(_ context.Context, _, _ string, _ time.Duration) (func(), bool, error) {
	if f.leaseHeld {
		return nil, false, nil
	}
	return func() {}, true, nil
}

// jobsByFunc returns every job ever enqueued for funcName, in enqueue order.
func (f *fakeQueue) jobsByFunc(funcName string) []*domain.Job {
	var out []*domain.Job
	for _, id := range f.order {
		if job, ok := f.jobs[id]; ok && job.FuncName == funcName {
			out = append(out, job)
		}
	}
	return out
}

// === Transitioner Fake ===

// fakeAdvancer composes the store and queue fakes into the same atomic
// transition the postgres transitioner performs.
type fakeAdvancer struct {
	store *fakeStore
	queue *fakeQueue
}

func (f *fakeAdvancer) claim(subdomain string, from domain.Stage, inherit bool) bool {
	site, ok := f.store.sites[subdomain]
	if !ok || site.CurrentStage != from {
		return false
	}
	if site.CoordinatorEnqueued && !inherit {
		return false
	}
	site.CoordinatorEnqueued = true
	site.UpdatedAt = time.Now()
	return true
}

func (f *fakeAdvancer) AdvanceStage(ctx context.Context, params AdvanceParams) (bool, error) {
	if !f.claim(params.Subdomain, params.From, params.InheritClaim) {
		return false, nil
	}
	if err := f.store.InitializeStage(ctx, params.Subdomain, params.Next, params.Total); err != nil {
		return false, err
	}
	childIDs := make([]string, 0, len(params.Children))
	for _, job := range params.Children {
		if err := f.queue.add(job, nil); err != nil {
			return false, err
		}
		childIDs = append(childIDs, job.ID)
	}
	if params.Coordinator != nil {
		if err := f.queue.add(params.Coordinator, childIDs); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (f *fakeAdvancer) ClaimAndEnqueue(_ context.Context, subdomain string, from domain.Stage, job *domain.Job) (bool, error) {
	if !f.claim(subdomain, from, false) {
		return false, nil
	}
	return true, f.queue.add(job, nil)
}

// === Collaborator Fakes ===

type fakeScraper struct {
	fetchFunc func(ctx context.Context, site *domain.Site, opts scrape.FetchOptions) error
	calls     int
}

func (f *fakeScraper) Fetch(ctx context.Context, site *domain.Site, opts scrape.FetchOptions) error {
	f.calls++
	if f.fetchFunc != nil {
		return f.fetchFunc(ctx, site, opts)
	}
	return nil
}

type fakeProcessor struct {
	processFunc func(ctx context.Context, backend, pdfPath, outDir string, pageOffset int) (int, error)
	calls       int
	backends    []string
}

// ProcessPDF writes one page file by default so the filesystem shows the
// document recognized, the way the real processor leaves output behind.
func (f *fakeProcessor) ProcessPDF(ctx context.Context, backend, pdfPath, outDir string, pageOffset int) (int, error) {
	f.calls++
	f.backends = append(f.backends, backend)
	if f.processFunc != nil {
		return f.processFunc(ctx, backend, pdfPath, outDir, pageOffset)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, err
	}
	name := fmt.Sprintf("page_%04d.txt", pageOffset+1)
	if err := os.WriteFile(filepath.Join(outDir, name), []byte("recognized text"), 0o644); err != nil {
		return 0, err
	}
	return 1, nil
}

type fakeCompiler struct {
	compileFunc func(ctx context.Context, subdomain string) (compilesite.Artifact, error)
	calls       int
}

func (f *fakeCompiler) Compile(ctx context.Context, subdomain string) (compilesite.Artifact, error) {
	f.calls++
	if f.compileFunc != nil {
		return f.compileFunc(ctx, subdomain)
	}
	return compilesite.Artifact{Path: subdomain + ".db", Documents: 1, Pages: 1}, nil
}

type fakeExtractor struct {
	extractFunc func(ctx context.Context, subdomain string) error
	calls       int
}

func (f *fakeExtractor) Extract(ctx context.Context, subdomain string) error {
	f.calls++
	if f.extractFunc != nil {
		return f.extractFunc(ctx, subdomain)
	}
	return nil
}

type fakeDeployer struct {
	publishFunc func(ctx context.Context, subdomain, dbPath string) error
	calls       int
}

func (f *fakeDeployer) Publish(ctx context.Context, subdomain, dbPath string) error {
	f.calls++
	if f.publishFunc != nil {
		return f.publishFunc(ctx, subdomain, dbPath)
	}
	return nil
}

func (f *fakeDeployer) Name() string { return "fake" }

// === Recorder Fake ===

type fakeRecorder struct {
	durations   int
	retries     int
	failures    []string // fingerprints
	transitions []string // stages entered
	outcomes    []metrics.ReconcileOutcome
}

func (f *fakeRecorder) ObserveJobDuration(string, string, time.Duration, bool) { f.durations++ }
func (f *fakeRecorder) IncJobRetry(string)                                     { f.retries++ }
func (f *fakeRecorder) IncJobFailure(_, fingerprint string) {
	f.failures = append(f.failures, fingerprint)
}
func (f *fakeRecorder) IncStageTransition(stage string) {
	f.transitions = append(f.transitions, stage)
}
func (f *fakeRecorder) IncReconcileOutcome(outcome metrics.ReconcileOutcome) {
	f.outcomes = append(f.outcomes, outcome)
}
func (f *fakeRecorder) SetQueueDepth(string, string, int) {}

// === Test Harness ===

const testScraperLabel = "civicclerk"

type testEnv struct {
	store     *fakeStore
	queue     *fakeQueue
	advancer  *fakeAdvancer
	layout    sitefs.Layout
	scraper   *fakeScraper
	ocr       *fakeProcessor
	compiler  *fakeCompiler
	extractor *fakeExtractor
	deployer  *fakeDeployer
	recorder  *fakeRecorder
	pipe      *Pipeline
	worker    *Worker
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     newFakeStore(),
		queue:     newFakeQueue(),
		layout:    sitefs.NewLayout(t.TempDir()),
		scraper:   &fakeScraper{},
		ocr:       &fakeProcessor{},
		compiler:  &fakeCompiler{},
		extractor: &fakeExtractor{},
		deployer:  &fakeDeployer{},
		recorder:  &fakeRecorder{},
	}
	env.advancer = &fakeAdvancer{store: env.store, queue: env.queue}

	registry := scrape.NewRegistry()
	registry.Register(testScraperLabel, env.scraper)

	env.pipe = NewPipeline(env.store, env.queue, env.advancer, env.layout, Collaborators{
		Scrapers:  registry,
		OCR:       env.ocr,
		Compiler:  env.compiler,
		Extractor: env.extractor,
		Deployer:  env.deployer,
	}, env.recorder, cfg)

	wcfg := DefaultWorkerConfig("test-worker")
	wcfg.PollInterval = time.Millisecond
	env.worker = NewWorker(env.pipe, wcfg)
	return env
}

func (e *testEnv) addSite(subdomain string) *domain.Site {
	return e.store.addSite(subdomain, testScraperLabel)
}

// writeDocPDF puts one pdf on disk where fetch output would land.
func (e *testEnv) writeDocPDF(t *testing.T, subdomain, meeting, date, name string) {
	t.Helper()
	dir := e.layout.DocumentPDFDir(subdomain, meeting, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatalf("write pdf: %v", err)
	}
}

// writeDocText marks one document recognized on disk.
func (e *testEnv) writeDocText(t *testing.T, subdomain, meeting, date string) {
	t.Helper()
	dir := e.layout.DocumentTxtDir(subdomain, meeting, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "page_0001.txt"), []byte("recognized text"), 0o644); err != nil {
		t.Fatalf("write txt: %v", err)
	}
}

// drain pumps the worker until no claimable jobs remain.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for range 200 {
		processed, err := e.worker.RunProcessOnce(ctx)
		if err != nil {
			t.Fatalf("RunProcessOnce failed: %v", err)
		}
		if !processed {
			return
		}
	}
	t.Fatal("queue did not drain after 200 iterations")
}

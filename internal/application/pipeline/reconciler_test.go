package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/metrics"
)

func testReconcileConfig() ReconcileConfig {
	cfg := DefaultReconcileConfig("test-reconciler")
	cfg.MaxStartupJitter = 0
	cfg.RateLimitDelay = 0
	return cfg
}

// stuckSite plants a site mid-stage with stale progress, the state a crashed
// worker leaves behind.
func stuckSite(env *testEnv, subdomain string, stage domain.Stage, c domain.StageCounters, latchClaimed bool) *domain.Site {
	site := env.addSite(subdomain)
	site.CurrentStage = stage
	site.Status = domain.DeriveStatus(stage)
	site.CoordinatorEnqueued = latchClaimed
	site.Counters[stage] = c
	site.UpdatedAt = time.Now().Add(-3 * time.Hour)
	return site
}

// TestReconciler_RecoversLostCoordinator covers the common rescue: the OCR
// fan-out finished on disk but the counters lag and the coordinator is gone.
// The sweep lifts the counter to the filesystem's truth, claims the latch
// and issues a recovery coordinator.
func TestReconciler_RecoversLostCoordinator(t *testing.T) {
	env := newTestEnv(t, Config{})
	site := stuckSite(env, "ex.test", domain.StageOCR, domain.StageCounters{Total: 4, Completed: 2}, false)
	for _, date := range []string{"2026-01-05", "2026-01-12", "2026-02-02", "2026-02-09"} {
		env.writeDocText(t, "ex.test", "council", date)
	}

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Acquired)
	assert.Equal(t, 1, summary.Examined)
	assert.Equal(t, 1, summary.Repaired)

	assert.Equal(t, domain.StageCounters{Total: 4, Completed: 4}, site.CountersFor(domain.StageOCR))
	assert.True(t, site.CoordinatorEnqueued)

	coords := env.queue.jobsByFunc(domain.FuncOCRCoordinator)
	require.Len(t, coords, 1)
	assert.True(t, domain.IsRecoveredRun(coords[0].RunID), "rescue run id %q should carry the recovered suffix", coords[0].RunID)

	// The rescued site makes it to completion through the normal machinery.
	env.drain(t)
	assert.Equal(t, domain.StageCompleted, site.CurrentStage)
}

// TestReconciler_StalledSiteUntouched covers an OCR fan-out with no output
// on disk and no jobs alive: the site is reported stalled and nothing moves.
func TestReconciler_StalledSiteUntouched(t *testing.T) {
	env := newTestEnv(t, Config{})
	site := stuckSite(env, "ex.test", domain.StageOCR, domain.StageCounters{Total: 4, Completed: 2}, false)

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stalled)
	assert.Equal(t, 0, summary.Repaired)

	assert.Equal(t, domain.StageCounters{Total: 4, Completed: 2}, site.CountersFor(domain.StageOCR))
	assert.False(t, site.CoordinatorEnqueued, "no claim on a stalled site")
	assert.Empty(t, env.queue.jobsByFunc(domain.FuncOCRCoordinator))
	assert.Equal(t, []metrics.ReconcileOutcome{metrics.ReconcileStalled}, env.recorder.outcomes)
}

// TestReconciler_SkipsActiveFanOut leaves a site alone while its page jobs
// are still queued or running, no matter how stale the row looks.
func TestReconciler_SkipsActiveFanOut(t *testing.T) {
	env := newTestEnv(t, Config{})
	stuckSite(env, "ex.test", domain.StageOCR, domain.StageCounters{Total: 4, Completed: 2}, false)
	require.NoError(t, env.queue.add(&domain.Job{
		Queue: domain.QueueOCR, FuncName: domain.FuncOCRPage,
		Subdomain: "ex.test", RunID: "ex.test_run",
	}, nil))

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, env.queue.jobsByFunc(domain.FuncOCRCoordinator))
}

// TestReconciler_ReplacesFailedCoordinator covers the held-latch variant:
// the claim won but its coordinator died into the registry. A replacement
// with the inherit flag goes out, and only one, even across repeated sweeps.
func TestReconciler_ReplacesFailedCoordinator(t *testing.T) {
	env := newTestEnv(t, Config{})
	stuckSite(env, "ex.test", domain.StageOCR, domain.StageCounters{Total: 3, Completed: 3}, true)

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)

	coords := env.queue.jobsByFunc(domain.FuncOCRCoordinator)
	require.Len(t, coords, 1)
	var args StageArgs
	require.NoError(t, decodeArgs(coords[0].Args, &args))
	assert.True(t, args.InheritClaim, "replacement must be allowed past the held latch")

	// A second sweep sees the replacement active and stays out of the way.
	summary, err = rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Len(t, env.queue.jobsByFunc(domain.FuncOCRCoordinator), 1)
}

// TestReconciler_RescuesSingleJobStage re-issues the unit job of a 1-of-1
// stage and lets the normal machinery finish the site.
func TestReconciler_RescuesSingleJobStage(t *testing.T) {
	env := newTestEnv(t, Config{})
	site := stuckSite(env, "ex.test", domain.StageCompilation, domain.StageCounters{Total: 1}, false)

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)

	compiles := env.queue.jobsByFunc(domain.FuncCompile)
	require.Len(t, compiles, 1)
	assert.True(t, domain.IsRecoveredRun(compiles[0].RunID))

	env.drain(t)
	assert.Equal(t, domain.StageCompleted, site.CurrentStage)
	assert.Equal(t, 1, env.compiler.calls)
	assert.Equal(t, 1, env.deployer.calls)
}

// TestReconciler_RescuesFetch restarts the pipeline head with a fresh run.
func TestReconciler_RescuesFetch(t *testing.T) {
	env := newTestEnv(t, Config{})
	stuckSite(env, "ex.test", domain.StageFetch, domain.StageCounters{Total: 1}, false)

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)

	fetches := env.queue.jobsByFunc(domain.FuncFetch)
	require.Len(t, fetches, 1)
	assert.Equal(t, domain.QueueFetch, fetches[0].Queue)
	assert.True(t, domain.IsRecoveredRun(fetches[0].RunID))
}

// TestReconciler_DryRunMutatesNothing reports the would-be repair while
// leaving counters, latch and queue untouched.
func TestReconciler_DryRunMutatesNothing(t *testing.T) {
	env := newTestEnv(t, Config{})
	site := stuckSite(env, "ex.test", domain.StageOCR, domain.StageCounters{Total: 4, Completed: 2}, false)
	for _, date := range []string{"2026-01-05", "2026-01-12", "2026-02-02", "2026-02-09"} {
		env.writeDocText(t, "ex.test", "council", date)
	}

	cfg := testReconcileConfig()
	cfg.DryRun = true
	rec := NewReconciler(env.pipe, cfg)
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Repaired)

	assert.Equal(t, domain.StageCounters{Total: 4, Completed: 2}, site.CountersFor(domain.StageOCR))
	assert.False(t, site.CoordinatorEnqueued)
	assert.Empty(t, env.queue.jobsByFunc(domain.FuncOCRCoordinator))
	assert.Empty(t, env.recorder.outcomes, "dry runs record no outcome metrics")
}

// TestReconciler_LeaseHeldElsewhere yields to the instance holding the
// exclusive sweep lease.
func TestReconciler_LeaseHeldElsewhere(t *testing.T) {
	env := newTestEnv(t, Config{})
	stuckSite(env, "ex.test", domain.StageOCR, domain.StageCounters{Total: 1}, false)
	env.queue.leaseHeld = true

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Acquired)
	assert.Equal(t, 0, summary.Examined)
}

// TestReconciler_IgnoresHealthySites only examines rows past the cutoff.
func TestReconciler_IgnoresHealthySites(t *testing.T) {
	env := newTestEnv(t, Config{})
	fresh := env.addSite("fresh.test")
	fresh.CurrentStage = domain.StageOCR
	fresh.Counters[domain.StageOCR] = domain.StageCounters{Total: 3, Completed: 1}
	fresh.UpdatedAt = time.Now()

	done := env.addSite("done.test")
	done.CurrentStage = domain.StageCompleted
	done.UpdatedAt = time.Now().Add(-48 * time.Hour)

	rec := NewReconciler(env.pipe, testReconcileConfig())
	summary, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Examined)
}

// TestReconciler_NeverLowersCompleted is the monotonicity property: a sweep
// observing less work on disk than the counters record leaves them alone.
func TestReconciler_NeverLowersCompleted(t *testing.T) {
	env := newTestEnv(t, Config{})
	site := stuckSite(env, "ex.test", domain.StageOCR, domain.StageCounters{Total: 4, Completed: 3}, false)
	env.writeDocText(t, "ex.test", "council", "2026-01-05") // one on disk, three recorded

	rec := NewReconciler(env.pipe, testReconcileConfig())
	_, err := rec.ReconcileOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StageCounters{Total: 4, Completed: 3}, site.CountersFor(domain.StageOCR))
	assert.Equal(t, domain.StageOCR, site.CurrentStage, "stage never moves backward")
}

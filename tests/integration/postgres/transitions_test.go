package integration

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/towncrier/internal/application/pipeline"
	"github.com/rezkam/towncrier/internal/domain"
)

func TestAdvanceStage_WinnerEnqueuesNextStage(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()
	seedSite(t, store, "adv-winner")
	require.NoError(t, store.InitializeStage(ctx, "adv-winner", domain.StageOCR, 2))

	children := []*domain.Job{
		testJob(domain.QueueCompilation, domain.FuncCompile, "adv-winner"),
	}
	coord := testJob(domain.QueueCompilation, domain.FuncCompile, "adv-winner")

	won, err := store.AdvanceStage(ctx, pipeline.AdvanceParams{
		Subdomain:   "adv-winner",
		From:        domain.StageOCR,
		Next:        domain.StageCompilation,
		Total:       1,
		Children:    children,
		Coordinator: coord,
	})
	require.NoError(t, err)
	require.True(t, won)

	site, err := store.GetSite(ctx, "adv-winner")
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompilation, site.CurrentStage)
	assert.False(t, site.CoordinatorEnqueued, "latch reopened for the next transition")
	assert.Equal(t, domain.StageCounters{Total: 1}, site.Counters[domain.StageCompilation])

	child, err := store.GetJob(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, child.Status)

	// The coordinator waits on its children.
	got, err := store.GetJob(ctx, coord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDeferred, got.Status)
	assert.Equal(t, 1, got.PendingDeps)
}

func TestAdvanceStage_LoserInsertsNothing(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()
	seedSite(t, store, "adv-loser")
	require.NoError(t, store.InitializeStage(ctx, "adv-loser", domain.StageOCR, 1))

	advance := func() (bool, string, error) {
		child := testJob(domain.QueueCompilation, domain.FuncCompile, "adv-loser")
		won, err := store.AdvanceStage(ctx, pipeline.AdvanceParams{
			Subdomain: "adv-loser",
			From:      domain.StageOCR,
			Next:      domain.StageCompilation,
			Total:     1,
			Children:  []*domain.Job{child},
		})
		return won, child.ID, err
	}

	const racers = 8
	type result struct {
		won   bool
		jobID string
	}
	var wg sync.WaitGroup
	results := make(chan result, racers)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, jobID, err := advance()
			assert.NoError(t, err)
			results <- result{won, jobID}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for r := range results {
		_, err := store.GetJob(ctx, r.jobID)
		if r.won {
			winners++
			assert.NoError(t, err, "winner's child must exist")
		} else {
			assert.ErrorIs(t, err, domain.ErrJobNotFound, "loser's child must not exist")
		}
	}
	assert.Equal(t, 1, winners)
}

func TestAdvanceStage_CoordinatorReadyWithoutChildren(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()
	seedSite(t, store, "adv-empty")
	require.NoError(t, store.InitializeStage(ctx, "adv-empty", domain.StageOCR, 0))

	// An empty fan-out enqueues the coordinator ready to claim so the
	// pipeline keeps moving.
	coord := testJob(domain.QueueCompilation, domain.FuncCompile, "adv-empty")
	won, err := store.AdvanceStage(ctx, pipeline.AdvanceParams{
		Subdomain:   "adv-empty",
		From:        domain.StageOCR,
		Next:        domain.StageCompilation,
		Total:       0,
		Coordinator: coord,
	})
	require.NoError(t, err)
	require.True(t, won)

	got, err := store.GetJob(ctx, coord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.Status)
	assert.Equal(t, 0, got.PendingDeps)
}

func TestAdvanceStage_InheritClaim(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()
	seedSite(t, store, "adv-inherit")
	require.NoError(t, store.InitializeStage(ctx, "adv-inherit", domain.StageOCR, 1))

	// The enqueuer claims the transition on the coordinator's behalf.
	won, err := store.ClaimCoordinatorEnqueue(ctx, "adv-inherit", domain.StageOCR)
	require.NoError(t, err)
	require.True(t, won)

	// Without inheritance the closed latch blocks the transition.
	won, err = store.AdvanceStage(ctx, pipeline.AdvanceParams{
		Subdomain: "adv-inherit",
		From:      domain.StageOCR,
		Next:      domain.StageCompilation,
	})
	require.NoError(t, err)
	assert.False(t, won)

	won, err = store.AdvanceStage(ctx, pipeline.AdvanceParams{
		Subdomain:    "adv-inherit",
		From:         domain.StageOCR,
		Next:         domain.StageCompilation,
		InheritClaim: true,
	})
	require.NoError(t, err)
	assert.True(t, won)

	// A replay after the site advanced loses even with inheritance: the
	// From predicate no longer matches.
	won, err = store.AdvanceStage(ctx, pipeline.AdvanceParams{
		Subdomain:    "adv-inherit",
		From:         domain.StageOCR,
		Next:         domain.StageCompilation,
		InheritClaim: true,
	})
	require.NoError(t, err)
	assert.False(t, won)
}

func TestClaimAndEnqueue_Atomic(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()
	seedSite(t, store, "claim-enq")
	require.NoError(t, store.InitializeStage(ctx, "claim-enq", domain.StageOCR, 1))

	first := testJob(domain.QueueOCR, domain.FuncOCRCoordinator, "claim-enq")
	won, err := store.ClaimAndEnqueue(ctx, "claim-enq", domain.StageOCR, first)
	require.NoError(t, err)
	require.True(t, won)

	second := testJob(domain.QueueOCR, domain.FuncOCRCoordinator, "claim-enq")
	won, err = store.ClaimAndEnqueue(ctx, "claim-enq", domain.StageOCR, second)
	require.NoError(t, err)
	assert.False(t, won)

	_, err = store.GetJob(ctx, first.ID)
	assert.NoError(t, err)
	_, err = store.GetJob(ctx, second.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "losing the claim inserts nothing")
}

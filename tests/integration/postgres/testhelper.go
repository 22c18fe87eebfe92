// Package integration holds tests that exercise the Postgres store against a
// real database. They skip unless TOWNCRIER_TEST_POSTGRES_URL points at a
// disposable database; migrations run automatically on setup and every test
// truncates its own state on cleanup.
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/infrastructure/persistence/postgres"
)

const dsnEnv = "TOWNCRIER_TEST_POSTGRES_URL"

// setupStore connects to the test database and registers cleanup. Tests
// share one database, so each test uses its own subdomains and the cleanup
// truncate keeps runs independent.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("set %s to run postgres integration tests", dsnEnv)
	}

	store, err := postgres.NewStoreWithConfig(t.Context(), postgres.DBConfig{
		DSN:         dsn,
		AutoMigrate: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = store.Pool().Exec(context.Background(),
			`TRUNCATE sites, site_stage_counters, pipeline_jobs, pipeline_job_deps, pipeline_failed_jobs, pipeline_leases CASCADE`)
		_ = store.Close()
	})

	return store
}

// seedSite inserts a minimal site row for counter and latch tests.
func seedSite(t *testing.T, store *postgres.Store, subdomain string) *domain.Site {
	t.Helper()

	site := &domain.Site{
		Subdomain: subdomain,
		Name:      fmt.Sprintf("Test Site %s", subdomain),
		Scraper:   "civicclerk",
		StartYear: 2020,
	}
	require.NoError(t, store.UpsertSite(t.Context(), site))
	return site
}

// testJob builds a queue job with the fields the store requires set.
func testJob(queue, funcName, subdomain string) *domain.Job {
	return &domain.Job{
		Queue:     queue,
		FuncName:  funcName,
		Args:      []byte(`{}`),
		Subdomain: subdomain,
		RunID:     "run-" + subdomain,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/rezkam/towncrier/internal/application/pipeline"
	"github.com/rezkam/towncrier/internal/config"
	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/towncrier/internal/roster"
	"github.com/rezkam/towncrier/internal/sitefs"
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	Enqueue struct {
		Subdomain  string `arg:"" help:"Site subdomain to run"`
		Priority   bool   `help:"Enqueue on the high queue ahead of scheduled work"`
		AllYears   bool   `help:"Fetch from the site's start year instead of the recent window"`
		AllAgendas bool   `help:"Also fetch agenda documents"`
	} `cmd:"" help:"Queue a full pipeline run for one site"`

	Status struct {
		Site string `help:"Show one site's stage counters instead of the queue summary"`
	} `cmd:"" help:"Show queue depths or one site's progress"`

	Reconcile struct {
		DryRun         bool `help:"Log planned repairs without enqueueing anything"`
		ThresholdHours int  `default:"2" help:"Hours without progress before a site counts as stuck"`
	} `cmd:"" help:"Run one crash-recovery sweep over stuck sites"`

	Failures struct {
		List struct {
			Limit int `default:"50" help:"Maximum rows to show"`
		} `cmd:"" help:"List permanently failed jobs"`
		Retry struct {
			ID string `arg:"" help:"Failed job id to re-enqueue"`
		} `cmd:"" help:"Re-enqueue a failed job with a fresh retry budget"`
		Discard struct {
			ID   string `arg:"" help:"Failed job id to discard"`
			Note string `help:"Operator note recorded with the discard"`
		} `cmd:"" help:"Mark a failed job as resolved without retrying"`
	} `cmd:"" help:"Inspect and resolve the failed-job registry"`

	Sites struct {
		Import struct {
			File string `arg:"" type:"existingfile" help:"YAML roster file"`
		} `cmd:"" help:"Upsert sites from a roster file"`
	} `cmd:"" help:"Manage the site roster"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("towncrierctl"),
		kong.Description("Operator tooling for the towncrier pipeline."))

	level := slog.LevelWarn
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(kctx.Command()); err != nil {
		fmt.Fprintf(os.Stderr, "towncrierctl: %v\n", err)
		os.Exit(1)
	}
}

func run(command string) error {
	_ = godotenv.Load()

	cfg, err := config.LoadCtlConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer store.Close()

	switch command {
	case "enqueue <subdomain>":
		return runEnqueue(ctx, store)
	case "status":
		return runStatus(ctx, store)
	case "reconcile":
		return runReconcile(ctx, store)
	case "failures list":
		return runFailuresList(ctx, store)
	case "failures retry <id>":
		newID, err := store.RetryFailedJob(ctx, CLI.Failures.Retry.ID)
		if err != nil {
			return err
		}
		fmt.Printf("re-enqueued as job %s\n", newID)
		return nil
	case "failures discard <id>":
		if err := store.DiscardFailedJob(ctx, CLI.Failures.Discard.ID, CLI.Failures.Discard.Note); err != nil {
			return err
		}
		fmt.Println("discarded")
		return nil
	case "sites import <file>":
		return runSitesImport(ctx, store)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func newPipeline(store *postgres.Store) *pipeline.Pipeline {
	// The CLI only drives enqueue and reconcile paths; stage collaborators
	// stay nil because no jobs execute in this process.
	return pipeline.NewPipeline(store, store, store, sitefs.NewLayout(""), pipeline.Collaborators{}, nil, pipeline.Config{})
}

func runEnqueue(ctx context.Context, store *postgres.Store) error {
	pipe := newPipeline(store)
	runID, jobID, err := pipe.EnqueueSiteRun(ctx, CLI.Enqueue.Subdomain, pipeline.FetchArgs{
		AllYears:   CLI.Enqueue.AllYears,
		AllAgendas: CLI.Enqueue.AllAgendas,
	}, CLI.Enqueue.Priority)
	if errors.Is(err, pipeline.ErrRunActive) {
		return fmt.Errorf("site %s already has an active run", CLI.Enqueue.Subdomain)
	}
	if err != nil {
		return err
	}
	fmt.Printf("run %s queued (fetch job %s)\n", runID, jobID)
	return nil
}

func runStatus(ctx context.Context, store *postgres.Store) error {
	if CLI.Status.Site != "" {
		return printSiteStatus(ctx, store, CLI.Status.Site)
	}

	depths, err := store.QueueDepths(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tQUEUED\tDEFERRED\tSTARTED\tFAILED")
	for _, d := range depths {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", d.Queue, d.Queued, d.Deferred, d.Started, d.Failed)
	}
	return w.Flush()
}

func printSiteStatus(ctx context.Context, store *postgres.Store, subdomain string) error {
	site, err := store.GetSite(ctx, subdomain)
	if errors.Is(err, domain.ErrSiteNotFound) {
		return fmt.Errorf("unknown site %q", subdomain)
	}
	if err != nil {
		return err
	}

	stage := site.CurrentStage
	if stage == "" {
		stage = "never-run"
	}
	fmt.Printf("site:    %s (%s)\n", site.Subdomain, site.Name)
	fmt.Printf("stage:   %s\n", stage)
	if !site.UpdatedAt.IsZero() {
		fmt.Printf("updated: %s\n", site.UpdatedAt.Format(time.RFC3339))
	}
	if site.LastErrorMessage != "" {
		fmt.Printf("last error (%s): %s\n", site.LastErrorStage, site.LastErrorMessage)
	}

	if len(site.Counters) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tTOTAL\tCOMPLETED\tFAILED")
	for _, s := range domain.Stages {
		c, ok := site.Counters[s]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", s, c.Total, c.Completed, c.Failed)
	}
	return w.Flush()
}

func runReconcile(ctx context.Context, store *postgres.Store) error {
	host, _ := os.Hostname()
	rec := pipeline.NewReconciler(newPipeline(store), pipeline.ReconcileConfig{
		WorkerID:      fmt.Sprintf("ctl-%s-%d", host, os.Getpid()),
		StuckAfter:    time.Duration(CLI.Reconcile.ThresholdHours) * time.Hour,
		BatchSize:     100,
		LeaseDuration: 5 * time.Minute,
		DryRun:        CLI.Reconcile.DryRun,
	})
	summary, err := rec.ReconcileOnce(ctx)
	if err != nil {
		return err
	}
	if !summary.Acquired {
		fmt.Println("sweep lease held by another instance, nothing done")
		return nil
	}
	fmt.Printf("examined %d, repaired %d, stalled %d, skipped %d, failed %d\n",
		summary.Examined, summary.Repaired, summary.Stalled, summary.Skipped, summary.Failed)
	return nil
}

func runFailuresList(ctx context.Context, store *postgres.Store) error {
	failed, err := store.ListFailedJobs(ctx, CLI.Failures.List.Limit)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		fmt.Println("no failed jobs")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSITE\tFUNC\tTYPE\tFINGERPRINT\tFAILED AT")
	for _, f := range failed {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.Subdomain, f.FuncName, f.ErrorType, f.Fingerprint, f.FailedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSitesImport(ctx context.Context, store *postgres.Store) error {
	sites, err := roster.Load(CLI.Sites.Import.File)
	if err != nil {
		return err
	}
	n, err := roster.Sync(ctx, store, sites)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d sites\n", n)
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rezkam/towncrier/internal/env"
)

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Database      DatabaseConfig
	Pipeline      PipelineConfig
	Reconciler    ReconcilerConfig
	Scheduler     SchedulerConfig
	Site          SiteConfig
	Scrape        ScrapeConfig
	OCR           OCRConfig
	Deploy        DeployConfig
	Ops           OpsConfig
	Observability ObservabilityConfig

	ShutdownTimeout time.Duration `env:"TOWNCRIER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// PipelineConfig holds job processing configuration shared by all queue workers.
type PipelineConfig struct {
	// WorkerID identifies this process in job claims and lease rows.
	// Empty means derive one from hostname and pid at startup.
	WorkerID string `env:"TOWNCRIER_WORKER_ID"`

	// Queues is a comma-separated list of queue names this process claims
	// from, in priority order. Empty means all queues.
	Queues string `env:"TOWNCRIER_QUEUES"`

	Concurrency         int           `env:"TOWNCRIER_CONCURRENCY" default:"10"`
	PollInterval        time.Duration `env:"TOWNCRIER_POLL_INTERVAL" default:"1s"`
	AvailabilityTimeout time.Duration `env:"TOWNCRIER_AVAILABILITY_TIMEOUT" default:"5m"`
	HeartbeatInterval   time.Duration `env:"TOWNCRIER_HEARTBEAT_INTERVAL" default:"1m"`

	MaxRetries     int           `env:"TOWNCRIER_MAX_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `env:"TOWNCRIER_RETRY_BASE_DELAY" default:"1m"`
	RetryMaxDelay  time.Duration `env:"TOWNCRIER_RETRY_MAX_DELAY" default:"1h"`
}

// QueueNames returns the configured queue names split from the CSV value.
// Returns nil when no explicit binding is configured.
func (c *PipelineConfig) QueueNames() []string {
	if c.Queues == "" {
		return nil
	}
	parts := strings.Split(c.Queues, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return names
}

// ReconcilerConfig holds configuration for the crash-recovery sweep.
type ReconcilerConfig struct {
	Enabled bool `env:"TOWNCRIER_RECONCILER_ENABLED" default:"true"`

	Interval         time.Duration `env:"TOWNCRIER_RECONCILER_INTERVAL" default:"15m"`
	MaxStartupJitter time.Duration `env:"TOWNCRIER_RECONCILER_MAX_STARTUP_JITTER" default:"30s"`

	// StuckAfter is how long a site may sit in one stage without progress
	// before the reconciler inspects it.
	StuckAfter time.Duration `env:"TOWNCRIER_RECONCILER_STUCK_AFTER" default:"2h"`

	RateLimitDelay time.Duration `env:"TOWNCRIER_RECONCILER_RATE_LIMIT_DELAY" default:"100ms"`
	BatchSize      int           `env:"TOWNCRIER_RECONCILER_BATCH_SIZE" default:"100"`
	LeaseDuration  time.Duration `env:"TOWNCRIER_RECONCILER_LEASE_DURATION" default:"5m"`

	// DryRun logs planned repairs without enqueueing or mutating anything.
	DryRun bool `env:"TOWNCRIER_RECONCILER_DRY_RUN"`
}

// SchedulerConfig holds configuration for periodic maintenance jobs.
type SchedulerConfig struct {
	Enabled bool `env:"TOWNCRIER_SCHEDULER_ENABLED" default:"true"`

	// RefreshInterval is how often due sites are enqueued for a new run.
	RefreshInterval time.Duration `env:"TOWNCRIER_SCHEDULER_REFRESH_INTERVAL" default:"1h"`

	// PruneInterval is how often finished job rows past their TTL are removed.
	PruneInterval time.Duration `env:"TOWNCRIER_SCHEDULER_PRUNE_INTERVAL" default:"24h"`

	// DepthInterval is how often queue depth gauges are refreshed.
	DepthInterval time.Duration `env:"TOWNCRIER_SCHEDULER_DEPTH_INTERVAL" default:"30s"`
}

// SiteConfig holds site roster and artifact layout configuration.
type SiteConfig struct {
	// StorageRoot is the directory holding per-site artifact trees.
	StorageRoot string `env:"TOWNCRIER_STORAGE_ROOT" default:"./sites"`

	// SitesFile is an optional YAML roster of sites the scheduler keeps
	// in sync with the store.
	SitesFile string `env:"TOWNCRIER_SITES_FILE"`

	// ExtractionEnabled turns on the extraction stage for new runs unless
	// the site overrides it.
	ExtractionEnabled bool `env:"TOWNCRIER_EXTRACTION_ENABLED"`

	// ResultTTL is how long finished job rows are kept for inspection.
	ResultTTL time.Duration `env:"TOWNCRIER_RESULT_TTL" default:"168h"`
}

// ScrapeConfig holds document source access configuration.
type ScrapeConfig struct {
	RequestTimeout time.Duration `env:"TOWNCRIER_SCRAPE_REQUEST_TIMEOUT" default:"30s"`

	// RateLimit is the per-host request rate in requests per second.
	RateLimit float64 `env:"TOWNCRIER_SCRAPE_RATE_LIMIT" default:"2"`

	UserAgent string `env:"TOWNCRIER_SCRAPE_USER_AGENT" default:"towncrier/1.0"`

	// YearsBack bounds how far fetch enumerates past meeting documents.
	YearsBack int `env:"TOWNCRIER_SCRAPE_YEARS_BACK" default:"1"`
}

// OCRConfig holds text recognition configuration.
type OCRConfig struct {
	// Backend selects the recognizer: "auto", "vision" or "tesseract".
	// Auto prefers the Vision API when credentials resolve and falls back
	// to a local tesseract binary.
	Backend string `env:"TOWNCRIER_OCR_BACKEND" default:"auto"`

	// VisionCredentials is the path to a service account key file. Empty
	// means application default credentials.
	VisionCredentials string `env:"TOWNCRIER_OCR_VISION_CREDENTIALS"`

	TesseractPath string `env:"TOWNCRIER_OCR_TESSERACT_PATH" default:"tesseract"`
	Languages     string `env:"TOWNCRIER_OCR_LANGUAGES" default:"eng"`

	// PageTimeout bounds recognition of a single page.
	PageTimeout time.Duration `env:"TOWNCRIER_OCR_PAGE_TIMEOUT" default:"2m"`
}

// Validate validates the OCR configuration.
func (c *OCRConfig) Validate() error {
	switch c.Backend {
	case "auto", "vision", "tesseract":
		return nil
	default:
		return fmt.Errorf("unknown TOWNCRIER_OCR_BACKEND: %s", c.Backend)
	}
}

// DeployConfig holds publish target configuration.
type DeployConfig struct {
	// Target selects where compiled sites are published: "fs" or "gcs".
	Target    string `env:"TOWNCRIER_DEPLOY_TARGET" default:"fs"`
	GCSBucket string `env:"TOWNCRIER_GCS_BUCKET"`
	FSDir     string `env:"TOWNCRIER_DEPLOY_FS_DIR" default:"./public"`
}

// Validate validates the deploy configuration.
func (c *DeployConfig) Validate() error {
	switch c.Target {
	case "fs":
		if c.FSDir == "" {
			return fmt.Errorf("TOWNCRIER_DEPLOY_FS_DIR is required when TOWNCRIER_DEPLOY_TARGET is 'fs'")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("TOWNCRIER_GCS_BUCKET is required when TOWNCRIER_DEPLOY_TARGET is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown TOWNCRIER_DEPLOY_TARGET: %s", c.Target)
	}
	return nil
}

// OpsConfig holds the operational HTTP endpoint configuration.
type OpsConfig struct {
	Addr              string        `env:"TOWNCRIER_OPS_ADDR" default:":8081"`
	ReadHeaderTimeout time.Duration `env:"TOWNCRIER_OPS_READ_HEADER_TIMEOUT" default:"5s"`
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	return cfg, nil
}

package pipeline

import (
	"slices"
	"time"

	"github.com/rezkam/towncrier/internal/domain"
)

// WorkerConfig configures worker process behavior.
type WorkerConfig struct {
	WorkerID            string        // Unique worker identifier (e.g., hostname-pid-uuid)
	Queues              []string      // Subscribed queues in priority order (default: all queues)
	Concurrency         int           // Max concurrent jobs (default: 10, must be > 0)
	AvailabilityTimeout time.Duration // Job reclaim timeout (default: 5min)
	HeartbeatInterval   time.Duration // Lease extension frequency (default: 1min, should be < AvailabilityTimeout)
	PollInterval        time.Duration // Job polling frequency (default: 1s)
	ErrorHandler        ErrorHandler  // Custom error/panic handler (default: DefaultErrorHandler)
	RetryConfig         RetryConfig   // Retry policy configuration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig(workerID string) WorkerConfig {
	return WorkerConfig{
		WorkerID:            workerID,
		Queues:              slices.Clone(domain.AllQueues),
		Concurrency:         10,
		AvailabilityTimeout: 5 * time.Minute,
		HeartbeatInterval:   time.Minute,
		PollInterval:        time.Second,
		ErrorHandler:        &DefaultErrorHandler{},
		RetryConfig:         DefaultRetryConfig(),
	}
}

// Package deploy publishes a site's compiled artifact to its serving
// location. Targets are selected by configuration; publishing the same
// artifact twice is safe and overwrites the previous copy.
package deploy

import "context"

// Target names accepted by configuration.
const (
	TargetFS  = "fs"
	TargetGCS = "gcs"
)

// Target publishes one site's database artifact.
type Target interface {
	// Publish copies the artifact at dbPath to the target's location for
	// subdomain, keeping the previously published copy recoverable.
	Publish(ctx context.Context, subdomain, dbPath string) error

	// Name returns the target's configuration name.
	Name() string
}

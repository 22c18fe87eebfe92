// Package extract derives structured motion and vote rows from a compiled
// meetings database. Extraction is optional and feature-flagged; when
// enabled it runs between compilation and deploy.
package extract

import "context"

// Extractor reads a site's compiled database and writes entity and vote
// tables back into it.
type Extractor interface {
	Extract(ctx context.Context, subdomain string) error
}

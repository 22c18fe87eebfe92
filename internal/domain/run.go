package domain

import (
	"fmt"
	"strings"
	"time"
)

// RecoveredRunSuffix marks reconciler-issued runs so rescue traffic is
// distinguishable from normal runs in logs.
const RecoveredRunSuffix = "_recovered"

// NewRunID returns the correlation id threaded through every job spawned by
// one pipeline invocation for a site. Not persisted outside job rows.
func NewRunID(subdomain string) string {
	return fmt.Sprintf("%s_%s", subdomain, time.Now().UTC().Format("20060102T150405"))
}

// RecoveredRunID returns a run id for a reconciler-restarted pipeline.
func RecoveredRunID(subdomain string) string {
	return NewRunID(subdomain) + RecoveredRunSuffix
}

// IsRecoveredRun reports whether runID was issued by the reconciler.
func IsRecoveredRun(runID string) bool {
	return strings.HasSuffix(runID, RecoveredRunSuffix)
}

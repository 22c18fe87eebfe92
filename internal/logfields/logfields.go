package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
// Every pipeline log record carries subdomain, run_id, stage and job_id so
// operators can follow one site's run end to end.
const (
	KeySubdomain   = "subdomain"
	KeyRunID       = "run_id"
	KeyStage       = "stage"
	KeyJobID       = "job_id"
	KeyParentJobID = "parent_job_id"
	KeyQueue       = "queue"
	KeyFuncName    = "func_name"
	KeyWorkerID    = "worker_id"
	KeyRetryCount  = "retry_count"
	KeyDocCount    = "doc_count"
	KeyDurationMS  = "duration_ms"
	KeyFingerprint = "fingerprint"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Subdomain(s string) slog.Attr      { return slog.String(KeySubdomain, s) }
func RunID(id string) slog.Attr         { return slog.String(KeyRunID, id) }
func Stage(name string) slog.Attr       { return slog.String(KeyStage, name) }
func JobID(id string) slog.Attr         { return slog.String(KeyJobID, id) }
func ParentJobID(id string) slog.Attr   { return slog.String(KeyParentJobID, id) }
func Queue(q string) slog.Attr          { return slog.String(KeyQueue, q) }
func FuncName(f string) slog.Attr       { return slog.String(KeyFuncName, f) }
func WorkerID(id string) slog.Attr      { return slog.String(KeyWorkerID, id) }
func RetryCount(n int) slog.Attr        { return slog.Int(KeyRetryCount, n) }
func DocCount(n int) slog.Attr          { return slog.Int(KeyDocCount, n) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Fingerprint(fp string) slog.Attr   { return slog.String(KeyFingerprint, fp) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

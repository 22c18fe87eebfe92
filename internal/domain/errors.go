package domain

import (
	"errors"
	"fmt"
)

// Domain errors returned by store and queue implementations.

var (
	// ErrSiteNotFound indicates the requested site does not exist.
	ErrSiteNotFound = errors.New("site not found")

	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobOwnershipLost indicates the job lease expired and another worker
	// reclaimed it. The losing worker must abandon the job silently.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrFailedJobNotFound indicates the failure-registry entry does not exist.
	ErrFailedJobNotFound = errors.New("failed job not found")

	// ErrUnknownStage indicates a stage name outside the pipeline graph.
	ErrUnknownStage = errors.New("unknown stage")
)

// Failure classification. Every worker error is one of three classes:
//
//   - transient: the queue retries with backoff; counters untouched
//   - permanent: the worker records the failure on the site's counters and
//     returns success to the queue, so fan-in still terminates
//   - critical: the job lands in the failure registry and the coordinator
//     stays deferred until the reconciler surfaces the site
//
// Unwrapped errors follow the critical policy.

// Stable class labels. A permanent failure is recorded on the site as
// "<class>: <message>", so these strings are operator-visible and must not
// change.
const (
	ClassPdfRead    = "PdfReadError"
	ClassPdfProcess = "PdfProcessError"
	ClassPdfEmpty   = "EmptyPdfError"
	ClassOCR        = "OcrError"
	ClassFetch      = "FetchError"
	ClassCompile    = "CompileError"
	ClassExtract    = "ExtractError"
	ClassDeploy     = "DeployError"
)

// TransientError wraps errors that should be retried by the queue.
//
// Use for: network timeouts, remote protocol resets, transient OS I/O.
// Don't use for: corrupted inputs, parse failures, misconfiguration.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return e.Err.Error() }
func (e TransientError) Unwrap() error { return e.Err }

// Transient wraps an error to signal the queue should retry it.
func Transient(err error) error {
	return TransientError{Err: err}
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	var transient TransientError
	return errors.As(err, &transient)
}

// PermanentError wraps failures of a single work unit that must advance the
// stage's failed counter without blocking fan-in: corrupted documents, OCR
// subprocess exits, compiler parse failures.
type PermanentError struct {
	Class string
	Err   error
}

func (e PermanentError) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error with a stable class label for counter recording.
func Permanent(class string, err error) error {
	return PermanentError{Class: class, Err: err}
}

// IsPermanent reports whether the error is a classified permanent failure.
func IsPermanent(err error) bool {
	var permanent PermanentError
	return errors.As(err, &permanent)
}

// AsPermanent extracts the PermanentError from err's chain.
func AsPermanent(err error) (PermanentError, bool) {
	var permanent PermanentError
	ok := errors.As(err, &permanent)
	return permanent, ok
}

// CriticalError wraps failures that must stop the site's pipeline: missing
// storage root, permission denied, missing binary, misconfiguration. The job
// enters the failure registry and counters stay untouched.
type CriticalError struct {
	Err error
}

func (e CriticalError) Error() string { return e.Err.Error() }
func (e CriticalError) Unwrap() error { return e.Err }

// Critical wraps an error to signal an infrastructure or configuration
// failure that requires operator attention.
func Critical(err error) error {
	return CriticalError{Err: err}
}

// IsCritical reports whether the error is a classified critical failure.
func IsCritical(err error) bool {
	var critical CriticalError
	return errors.As(err, &critical)
}

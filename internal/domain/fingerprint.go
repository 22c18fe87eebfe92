package domain

import (
	"regexp"
	"strings"
)

// Error fingerprints group semantically identical failures for log and
// metric aggregation. The set is deliberately small and stable; values are
// derived by pattern-matching error messages, never stack traces.
const (
	FingerprintPdfFailedToRead    = "pdf-failed-to-read"
	FingerprintPdfFailedToProcess = "pdf-failed-to-process"
	FingerprintPdfFileNotFound    = "pdf-file-not-found"
	FingerprintEmptyPdfFile       = "empty-pdf-file"
	FingerprintNoTextFilesFound   = "no-text-files-found"
	FingerprintErrorFetchingYear  = "error-fetching-year"
	FingerprintOCRCoordinator     = "ocr-coordinator-failed"
	FingerprintUnclassified       = "unclassified"
)

var hostPattern = regexp.MustCompile(`([a-z0-9][a-z0-9-]*\.)+[a-z]{2,}`)

// Fingerprint maps an error message onto the fingerprint taxonomy.
// Fetch failures carry the failing host: "fetch-error:<domain>".
// File-not-found failures carry the file kind: "file-not-found:pdf|txt|other".
func Fingerprint(msg string) string {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "empty pdf"):
		return FingerprintEmptyPdfFile
	case strings.Contains(lower, "pdf file not found"):
		return FingerprintPdfFileNotFound
	case strings.Contains(lower, strings.ToLower(ClassPdfRead)):
		return FingerprintPdfFailedToRead
	case strings.Contains(lower, strings.ToLower(ClassPdfProcess)):
		return FingerprintPdfFailedToProcess
	case strings.Contains(lower, "no text files"):
		return FingerprintNoTextFilesFound
	case strings.Contains(lower, "fetching year"):
		return FingerprintErrorFetchingYear
	case strings.Contains(lower, "ocr coordinator"):
		return FingerprintOCRCoordinator
	case strings.Contains(lower, strings.ToLower(ClassFetch)):
		if host := hostPattern.FindString(lower); host != "" {
			return "fetch-error:" + host
		}
		return "fetch-error:unknown"
	case strings.Contains(lower, "no such file") || strings.Contains(lower, "file does not exist") || strings.Contains(lower, "not found"):
		switch {
		case strings.Contains(lower, ".pdf"):
			return "file-not-found:pdf"
		case strings.Contains(lower, ".txt"):
			return "file-not-found:txt"
		default:
			return "file-not-found:other"
		}
	}
	return FingerprintUnclassified
}

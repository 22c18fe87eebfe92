// Package ocr turns fetched PDFs into per-page text files. A Backend
// recognizes one page image; the Processor owns the page splitting and the
// output layout and is what the pipeline workers call.
package ocr

import "context"

// Backend names accepted by configuration.
const (
	BackendAuto      = "auto"
	BackendTesseract = "tesseract"
	BackendVision    = "vision"
)

// Backend recognizes the text of one page image.
type Backend interface {
	// Recognize returns the text content of the image at imagePath.
	Recognize(ctx context.Context, imagePath string) (string, error)

	// Name returns the backend's configuration name.
	Name() string
}

// DocumentProcessor converts one PDF into numbered page text files.
type DocumentProcessor interface {
	// ProcessPDF renders pdfPath page by page, recognizes each page with
	// the named backend (empty means the configured default) and writes
	// page_{n}.txt files into outDir, numbering from pageOffset+1. The
	// offset lets a multi-PDF document share one output directory with
	// continuous page numbers. Returns the number of pages written.
	// Existing page files are overwritten, so reprocessing a document
	// converges to the same output.
	ProcessPDF(ctx context.Context, backend, pdfPath, outDir string, pageOffset int) (pages int, err error)
}

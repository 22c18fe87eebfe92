package ocr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/rezkam/towncrier/internal/domain"
)

// Processor converts PDFs into numbered page text files. Scanned documents
// go through a recognition backend page image by page image; born-digital
// pages without images fall back to the PDF's own content text.
type Processor struct {
	selector    *Selector
	pageTimeout time.Duration
	conf        *model.Configuration
}

var _ DocumentProcessor = (*Processor)(nil)

// NewProcessor creates a processor over the given backend selector.
// pageTimeout bounds the recognition of a single page; zero disables the
// bound.
func NewProcessor(selector *Selector, pageTimeout time.Duration) *Processor {
	return &Processor{
		selector:    selector,
		pageTimeout: pageTimeout,
		conf:        model.NewDefaultConfiguration(),
	}
}

// ProcessPDF implements DocumentProcessor. The backend name comes from the
// job and is resolved here, so a downgrade applies per document. Unreadable
// and empty PDFs are permanent failures of the document; a missing output
// directory or an unusable backend is critical.
func (p *Processor) ProcessPDF(ctx context.Context, backendName, pdfPath, outDir string, pageOffset int) (int, error) {
	info, err := os.Stat(pdfPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, domain.Permanent(domain.ClassPdfRead, fmt.Errorf("pdf file not found: %s", pdfPath))
		}
		return 0, domain.Transient(fmt.Errorf("failed to stat %s: %w", pdfPath, err))
	}
	if info.Size() == 0 {
		return 0, domain.Permanent(domain.ClassPdfEmpty, fmt.Errorf("empty pdf file: %s", pdfPath))
	}

	pdfCtx, err := api.ReadContextFile(pdfPath)
	if err != nil {
		return 0, domain.Permanent(domain.ClassPdfRead, fmt.Errorf("failed to read %s: %w", pdfPath, err))
	}
	if pdfCtx.PageCount == 0 {
		return 0, domain.Permanent(domain.ClassPdfEmpty, fmt.Errorf("empty pdf file: %s has no pages", pdfPath))
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, domain.Critical(fmt.Errorf("failed to create text directory: %w", err))
	}

	images, cleanup, err := p.extractPageImages(pdfPath)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	// Born-digital documents never touch a backend, so resolve only when
	// some page actually has images to recognize.
	var backend Backend
	if len(images) > 0 {
		backend, err = p.selector.Select(ctx, backendName)
		if err != nil {
			return 0, domain.Critical(err)
		}
	}

	// Page content is only read when some page has no image to recognize.
	var content map[int]string
	for page := 1; page <= pdfCtx.PageCount; page++ {
		text, err := p.pageText(ctx, backend, pdfPath, page, images, &content)
		if err != nil {
			return 0, err
		}
		dest := filepath.Join(outDir, fmt.Sprintf("page_%04d.txt", pageOffset+page))
		if err := os.WriteFile(dest, []byte(text), 0o644); err != nil {
			return 0, domain.Critical(fmt.Errorf("failed to write %s: %w", dest, err))
		}
	}
	return pdfCtx.PageCount, nil
}

func (p *Processor) pageText(ctx context.Context, backend Backend, pdfPath string, page int, images map[int][]string, content *map[int]string) (string, error) {
	if paths := images[page]; len(paths) > 0 {
		recognizeCtx := ctx
		if p.pageTimeout > 0 {
			var cancel context.CancelFunc
			recognizeCtx, cancel = context.WithTimeout(ctx, p.pageTimeout)
			defer cancel()
		}
		var out strings.Builder
		for _, img := range paths {
			text, err := backend.Recognize(recognizeCtx, img)
			if err != nil {
				if errors.Is(recognizeCtx.Err(), context.DeadlineExceeded) {
					return "", domain.Transient(fmt.Errorf("recognition of page %d timed out: %w", page, err))
				}
				return "", err // backends classify their own failures
			}
			if out.Len() > 0 && text != "" {
				out.WriteString("\n")
			}
			out.WriteString(text)
		}
		return out.String(), nil
	}

	// Born-digital page: no raster images, use the PDF's own text content.
	if *content == nil {
		extracted, err := p.extractContent(pdfPath)
		if err != nil {
			return "", err
		}
		*content = extracted
	}
	return (*content)[page], nil
}

// extractPageImages renders the PDF's raster images into a scratch directory
// and groups them by page number, sorted by file name within a page.
func (p *Processor) extractPageImages(pdfPath string) (map[int][]string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "towncrier-ocr-*")
	if err != nil {
		return nil, nil, domain.Critical(fmt.Errorf("failed to create scratch directory: %w", err))
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	if err := api.ExtractImagesFile(pdfPath, tmpDir, nil, p.conf); err != nil {
		cleanup()
		return nil, nil, domain.Permanent(domain.ClassPdfProcess, fmt.Errorf("failed to extract images from %s: %w", pdfPath, err))
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		cleanup()
		return nil, nil, domain.Transient(fmt.Errorf("failed to read scratch directory: %w", err))
	}

	base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	images := make(map[int][]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		page, ok := pageOfImageFile(base, e.Name())
		if !ok {
			continue
		}
		images[page] = append(images[page], filepath.Join(tmpDir, e.Name()))
	}
	for _, paths := range images {
		sort.Strings(paths)
	}
	return images, cleanup, nil
}

// pageOfImageFile parses the page number out of an extracted image name,
// which follows the "<base>_<page>_<resource>.<ext>" convention.
func pageOfImageFile(base, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, base+"_")
	if !ok {
		return 0, false
	}
	var page int
	if _, err := fmt.Sscanf(rest, "%d_", &page); err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

// extractContent pulls the text content of every page for born-digital PDFs.
func (p *Processor) extractContent(pdfPath string) (map[int]string, error) {
	tmpDir, err := os.MkdirTemp("", "towncrier-content-*")
	if err != nil {
		return nil, domain.Critical(fmt.Errorf("failed to create scratch directory: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	if err := api.ExtractContentFile(pdfPath, tmpDir, nil, p.conf); err != nil {
		return nil, domain.Permanent(domain.ClassPdfProcess, fmt.Errorf("failed to extract content from %s: %w", pdfPath, err))
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("failed to read scratch directory: %w", err))
	}

	content := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var page int
		name := e.Name()
		if i := strings.LastIndex(name, "_"); i >= 0 {
			name = name[i+1:]
		}
		if _, err := fmt.Sscanf(name, "%d", &page); err != nil || page < 1 {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(tmpDir, e.Name()))
		if err != nil {
			return nil, domain.Transient(fmt.Errorf("failed to read extracted content: %w", err))
		}
		content[page] = contentStreamText(string(raw))
	}
	return content, nil
}

// contentStreamText reduces a raw PDF content stream to its string operands.
// Text shows up between parentheses ahead of Tj/TJ operators; everything
// else is drawing instructions.
func contentStreamText(stream string) string {
	var out strings.Builder
	depth := 0
	escaped := false
	for i := 0; i < len(stream); i++ {
		c := stream[i]
		if depth > 0 {
			if escaped {
				switch c {
				case 'n':
					out.WriteByte('\n')
				case 't':
					out.WriteByte('\t')
				case '(', ')', '\\':
					out.WriteByte(c)
				}
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '(':
				depth++
				out.WriteByte(c)
			case ')':
				depth--
				if depth > 0 {
					out.WriteByte(c)
				} else {
					out.WriteByte(' ')
				}
			default:
				out.WriteByte(c)
			}
			continue
		}
		if c == '(' {
			depth = 1
		}
	}
	return strings.TrimSpace(out.String())
}

package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/rezkam/towncrier/internal/domain"
)

// Tesseract recognizes page images by shelling out to the tesseract binary.
type Tesseract struct {
	path      string
	languages string
}

var _ Backend = (*Tesseract)(nil)

// NewTesseract creates the backend. path defaults to "tesseract" on PATH;
// languages is tesseract's -l value, for example "eng" or "eng+spa".
func NewTesseract(path, languages string) *Tesseract {
	if path == "" {
		path = "tesseract"
	}
	if languages == "" {
		languages = "eng"
	}
	return &Tesseract{path: path, languages: languages}
}

// Available reports whether the tesseract binary can be resolved.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.path)
	return err == nil
}

func (t *Tesseract) Name() string { return BackendTesseract }

// Recognize runs tesseract on one page image and returns its stdout. A
// missing binary is critical, a subprocess failure is a permanent failure of
// the page, a cancelled context is transient.
func (t *Tesseract) Recognize(ctx context.Context, imagePath string) (string, error) {
	cmd := exec.CommandContext(ctx, t.path, imagePath, "stdout", "-l", t.languages)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return "", domain.Critical(fmt.Errorf("tesseract binary not found at %q: %w", t.path, err))
		}
		if ctx.Err() != nil {
			return "", domain.Transient(fmt.Errorf("tesseract interrupted: %w", ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", domain.Permanent(domain.ClassOCR,
				fmt.Errorf("tesseract exited %d on %s: %s", exitErr.ExitCode(), imagePath, firstLine(stderr.String())))
		}
		return "", domain.Transient(fmt.Errorf("failed to run tesseract: %w", err))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

package ocr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/towncrier/internal/domain"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tesseract")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestTesseract_RecognizeSuccess(t *testing.T) {
	path := writeScript(t, `echo "CALL TO ORDER"`)
	backend := NewTesseract(path, "eng")

	text, err := backend.Recognize(context.Background(), "page.png")
	require.NoError(t, err)
	assert.Equal(t, "CALL TO ORDER", text)
}

func TestTesseract_ExitFailureIsPermanent(t *testing.T) {
	path := writeScript(t, `echo "read_params_file: bad image" >&2; exit 1`)
	backend := NewTesseract(path, "eng")

	_, err := backend.Recognize(context.Background(), "page.png")
	require.Error(t, err)
	perm, ok := domain.AsPermanent(err)
	require.True(t, ok, "expected permanent classification, got %v", err)
	assert.Equal(t, domain.ClassOCR, perm.Class)
	assert.Contains(t, err.Error(), "bad image")
}

func TestTesseract_MissingBinaryIsCritical(t *testing.T) {
	backend := NewTesseract(filepath.Join(t.TempDir(), "no-such-binary"), "eng")
	assert.False(t, backend.Available())

	_, err := backend.Recognize(context.Background(), "page.png")
	require.Error(t, err)
	assert.True(t, domain.IsCritical(err))
}

func TestTesseract_CancelledContextIsTransient(t *testing.T) {
	path := writeScript(t, `sleep 10`)
	backend := NewTesseract(path, "eng")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := backend.Recognize(ctx, "page.png")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestProcessor_MissingPDFIsPermanent(t *testing.T) {
	p := NewProcessor(NewSelector(Options{Backend: BackendTesseract}), 0)

	_, err := p.ProcessPDF(context.Background(), "", filepath.Join(t.TempDir(), "gone.pdf"), t.TempDir(), 0)
	require.Error(t, err)
	perm, ok := domain.AsPermanent(err)
	require.True(t, ok)
	assert.Equal(t, domain.ClassPdfRead, perm.Class)
	assert.Equal(t, domain.FingerprintPdfFileNotFound, domain.Fingerprint(err.Error()))
}

func TestProcessor_EmptyPDFIsPermanent(t *testing.T) {
	pdf := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, os.WriteFile(pdf, nil, 0o644))
	p := NewProcessor(NewSelector(Options{Backend: BackendTesseract}), 0)

	_, err := p.ProcessPDF(context.Background(), "", pdf, t.TempDir(), 0)
	require.Error(t, err)
	perm, ok := domain.AsPermanent(err)
	require.True(t, ok)
	assert.Equal(t, domain.ClassPdfEmpty, perm.Class)
	assert.Equal(t, domain.FingerprintEmptyPdfFile, domain.Fingerprint(err.Error()))
}

func TestProcessor_GarbagePDFIsPermanent(t *testing.T) {
	pdf := filepath.Join(t.TempDir(), "garbage.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("this is not a pdf"), 0o644))
	p := NewProcessor(NewSelector(Options{Backend: BackendTesseract}), 0)

	_, err := p.ProcessPDF(context.Background(), "", pdf, t.TempDir(), 0)
	require.Error(t, err)
	perm, ok := domain.AsPermanent(err)
	require.True(t, ok)
	assert.Equal(t, domain.ClassPdfRead, perm.Class)
	assert.Equal(t, domain.FingerprintPdfFailedToRead, domain.Fingerprint(err.Error()))
}

func TestPageOfImageFile(t *testing.T) {
	page, ok := pageOfImageFile("minutes", "minutes_3_Im0.png")
	require.True(t, ok)
	assert.Equal(t, 3, page)

	_, ok = pageOfImageFile("minutes", "other_3_Im0.png")
	assert.False(t, ok)

	_, ok = pageOfImageFile("minutes", "minutes_x_Im0.png")
	assert.False(t, ok)
}

func TestContentStreamText(t *testing.T) {
	stream := `BT /F1 12 Tf 72 720 Td (Meeting called to order) Tj ET
BT (Roll call\(all present\)) Tj ET`
	text := contentStreamText(stream)
	assert.Contains(t, text, "Meeting called to order")
	assert.Contains(t, text, "Roll call(all present)")
}

func TestVisionLanguageHints(t *testing.T) {
	assert.Nil(t, visionLanguageHints(""))
	assert.Equal(t, []string{"en", "es"}, visionLanguageHints("eng+spa"))
	assert.Equal(t, []string{"nl"}, visionLanguageHints("nl"))
}

func TestSelector_Unknown(t *testing.T) {
	sel := NewSelector(Options{})
	_, err := sel.Select(context.Background(), "cuneiform")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuneiform")
}

func TestSelector_TesseractNotFound(t *testing.T) {
	sel := NewSelector(Options{
		Backend:       BackendTesseract,
		TesseractPath: filepath.Join(t.TempDir(), "missing"),
	})
	_, err := sel.Select(context.Background(), "")
	require.Error(t, err)
}

func TestSelector_VisionDowngradesToTesseract(t *testing.T) {
	// An unreadable credentials file makes the vision client fail; an
	// explicitly requested vision backend must still downgrade to tesseract
	// rather than fail the job.
	sel := NewSelector(Options{
		Backend:           BackendVision,
		VisionCredentials: filepath.Join(t.TempDir(), "no-such-key.json"),
		TesseractPath:     writeScript(t, `echo ok`),
	})

	backend, err := sel.Select(context.Background(), BackendVision)
	require.NoError(t, err)
	assert.Equal(t, BackendTesseract, backend.Name())
}

func TestSelector_JobNameOverridesDefault(t *testing.T) {
	sel := NewSelector(Options{
		Backend:           BackendVision,
		VisionCredentials: filepath.Join(t.TempDir(), "no-such-key.json"),
		TesseractPath:     writeScript(t, `echo ok`),
	})

	// A job stamped with an explicit tesseract backend never touches vision.
	backend, err := sel.Select(context.Background(), BackendTesseract)
	require.NoError(t, err)
	assert.Equal(t, BackendTesseract, backend.Name())
}

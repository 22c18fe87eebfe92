package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Options configure the recognition backends available to a worker.
type Options struct {
	// Backend is the default backend name, used by jobs that don't carry
	// one. One of the Backend* names; empty means auto.
	Backend string

	// VisionCredentials is the service account key path; empty uses
	// application default credentials.
	VisionCredentials string

	// TesseractPath is the tesseract binary; empty resolves from PATH.
	TesseractPath string

	// Languages is a tesseract-style language list, for example "eng+spa".
	Languages string
}

// Selector resolves the recognition backend for one job. Jobs carry the
// backend name chosen at enqueue time and the selector resolves it at
// execution time, so a worker that loses Vision access downgrades running
// jobs to tesseract instead of failing the fan-out.
type Selector struct {
	opts Options

	mu    sync.Mutex
	cache map[string]Backend
}

// NewSelector creates a selector over the configured backends.
func NewSelector(opts Options) *Selector {
	if opts.Backend == "" {
		opts.Backend = BackendAuto
	}
	return &Selector{opts: opts, cache: map[string]Backend{}}
}

// DefaultName returns the configured default backend name, the value
// stamped into job args at enqueue time.
func (s *Selector) DefaultName() string { return s.opts.Backend }

// Select resolves name to a usable backend. Empty name means the configured
// default. Vision unavailability downgrades to tesseract with a logged
// warning; only a setup with no usable backend at all errors.
func (s *Selector) Select(ctx context.Context, name string) (Backend, error) {
	if name == "" {
		name = s.opts.Backend
	}
	switch name {
	case BackendTesseract:
		return s.tesseract()
	case BackendVision, BackendAuto:
		v, err := s.vision(ctx)
		if err == nil {
			return v, nil
		}
		slog.WarnContext(ctx, "vision backend unavailable, downgrading to tesseract",
			slog.String("requested", name),
			slog.Any("error", err))
		t, terr := s.tesseract()
		if terr != nil {
			return nil, fmt.Errorf("no usable recognition backend: vision failed (%v) and %w", err, terr)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown recognition backend %q", name)
	}
}

func (s *Selector) tesseract() (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.cache[BackendTesseract]; ok {
		return b, nil
	}
	t := NewTesseract(s.opts.TesseractPath, s.opts.Languages)
	if !t.Available() {
		return nil, fmt.Errorf("tesseract binary not found at %q", t.path)
	}
	s.cache[BackendTesseract] = t
	return t, nil
}

func (s *Selector) vision(ctx context.Context) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.cache[BackendVision]; ok {
		return b, nil
	}
	v, err := NewVision(ctx, s.opts.VisionCredentials, visionLanguageHints(s.opts.Languages))
	if err != nil {
		// Failures are not cached: credentials may come back for a later job.
		return nil, err
	}
	s.cache[BackendVision] = v
	return v, nil
}

// visionLanguageHints maps a tesseract language list onto BCP-47 hints.
var visionLanguageCodes = map[string]string{
	"eng": "en",
	"spa": "es",
	"fra": "fr",
	"deu": "de",
	"por": "pt",
}

func visionLanguageHints(languages string) []string {
	if languages == "" {
		return nil
	}
	var hints []string
	for _, lang := range strings.Split(languages, "+") {
		lang = strings.TrimSpace(lang)
		if lang == "" {
			continue
		}
		if code, ok := visionLanguageCodes[lang]; ok {
			lang = code
		}
		hints = append(hints, lang)
	}
	return hints
}

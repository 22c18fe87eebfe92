// Package scrape downloads source documents for a site into the filesystem
// layout the pipeline reads. Scrapers are selected by the site's scraper
// label and must never touch site rows: their only output is files.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rezkam/towncrier/internal/domain"
)

// ErrUnknownScraper indicates a site references a scraper label that no
// implementation registered for.
var ErrUnknownScraper = errors.New("unknown scraper")

// FetchOptions tune one fetch run.
type FetchOptions struct {
	// AllYears fetches the site's full document history instead of the
	// default window of recent years.
	AllYears bool

	// AllAgendas also downloads agenda documents into the _agendas mirror.
	AllAgendas bool
}

// Scraper downloads a site's documents into {root}/{subdomain}/pdfs/... per
// the filesystem contract. Implementations classify their failures: network
// errors as transient, malformed listings or corrupt downloads as permanent,
// misconfiguration as critical.
type Scraper interface {
	Fetch(ctx context.Context, site *domain.Site, opts FetchOptions) error
}

// Registry maps scraper labels to implementations.
type Registry struct {
	mu       sync.RWMutex
	scrapers map[string]Scraper
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scrapers: make(map[string]Scraper)}
}

// Register adds a scraper under label, replacing any previous registration.
func (r *Registry) Register(label string, s Scraper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrapers[label] = s
}

// Lookup resolves a scraper label.
// Returns ErrUnknownScraper wrapped with the label if nothing registered it.
func (r *Registry) Lookup(label string) (Scraper, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scrapers[label]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScraper, label)
	}
	return s, nil
}

// Labels returns the registered scraper labels, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	labels := make([]string, 0, len(r.scrapers))
	for label := range r.scrapers {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Package roster loads the YAML site roster and keeps the store's site rows
// in sync with it. The roster carries identity and scraper configuration
// only; pipeline state always stays with the store.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// Entry is one site in the roster file.
type Entry struct {
	Subdomain string         `yaml:"subdomain"`
	Name      string         `yaml:"name"`
	State     string         `yaml:"state"`
	Country   string         `yaml:"country"`
	Kind      string         `yaml:"kind"`
	Scraper   string         `yaml:"scraper"`
	StartYear int            `yaml:"start_year"`
	Extra     map[string]any `yaml:"extra"`
	Lat       float64        `yaml:"lat"`
	Lng       float64        `yaml:"lng"`
}

// File is the roster document shape.
type File struct {
	Sites []Entry `yaml:"sites"`
}

// Load reads and validates a roster file.
func Load(path string) ([]*domain.Site, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	return Parse(raw)
}

// Parse decodes roster YAML. Every entry needs a subdomain and a scraper
// label; duplicates are rejected.
func Parse(raw []byte) ([]*domain.Site, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	if len(file.Sites) == 0 {
		return nil, fmt.Errorf("roster has no sites")
	}

	seen := make(map[string]bool, len(file.Sites))
	sites := make([]*domain.Site, 0, len(file.Sites))
	for i, entry := range file.Sites {
		if entry.Subdomain == "" {
			return nil, fmt.Errorf("roster entry %d has no subdomain", i)
		}
		if entry.Scraper == "" {
			return nil, fmt.Errorf("roster entry %q has no scraper", entry.Subdomain)
		}
		if seen[entry.Subdomain] {
			return nil, fmt.Errorf("duplicate roster entry %q", entry.Subdomain)
		}
		seen[entry.Subdomain] = true

		sites = append(sites, &domain.Site{
			Subdomain: entry.Subdomain,
			Name:      entry.Name,
			State:     entry.State,
			Country:   entry.Country,
			Kind:      entry.Kind,
			Scraper:   entry.Scraper,
			StartYear: entry.StartYear,
			Extra:     entry.Extra,
			Lat:       entry.Lat,
			Lng:       entry.Lng,
		})
	}
	return sites, nil
}

// Upserter is the slice of the site store the roster needs.
type Upserter interface {
	UpsertSite(ctx context.Context, site *domain.Site) error
}

// Sync upserts every roster site into the store and returns how many rows
// were written.
func Sync(ctx context.Context, store Upserter, sites []*domain.Site) (int, error) {
	for _, site := range sites {
		if err := store.UpsertSite(ctx, site); err != nil {
			return 0, fmt.Errorf("failed to upsert %s: %w", site.Subdomain, err)
		}
		slog.DebugContext(ctx, "roster site synced", logfields.Subdomain(site.Subdomain))
	}
	return len(sites), nil
}

package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/time/rate"

	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
	"github.com/rezkam/towncrier/internal/sitefs"
)

// Label under which the CivicClerk scraper registers.
const CivicClerkLabel = "civicclerk"

// CivicClerkConfig tunes the CivicClerk portal scraper.
type CivicClerkConfig struct {
	// BaseURL is a format string producing the portal root from the
	// subdomain. Sites can override it with a base_url entry in their
	// extra config.
	BaseURL string

	UserAgent      string
	RequestTimeout time.Duration

	// RateLimit is the request budget against one portal, in requests per
	// second. Meeting portals are small municipal servers; be polite.
	RateLimit float64

	// YearsBack bounds how many past years a default fetch enumerates.
	// AllYears fetches from the site's start year instead.
	YearsBack int
}

// DefaultCivicClerkConfig returns the production defaults.
func DefaultCivicClerkConfig() CivicClerkConfig {
	return CivicClerkConfig{
		BaseURL:        "https://%s.civicclerk.com",
		UserAgent:      "towncrier/1.0",
		RequestTimeout: 30 * time.Second,
		RateLimit:      2,
		YearsBack:      1,
	}
}

// CivicClerk scrapes CivicClerk-style meeting portals: one listing page per
// year, each row linking the meeting's minutes (and optionally agenda) PDF.
// Documents land in the site's pdfs tree keyed by meeting and date.
type CivicClerk struct {
	layout  sitefs.Layout
	client  *http.Client
	limiter *rate.Limiter
	cfg     CivicClerkConfig
}

// NewCivicClerk creates the scraper. A nil client uses a default with the
// configured request timeout.
func NewCivicClerk(layout sitefs.Layout, client *http.Client, cfg CivicClerkConfig) *CivicClerk {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCivicClerkConfig().BaseURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultCivicClerkConfig().RateLimit
	}
	if cfg.YearsBack <= 0 {
		cfg.YearsBack = 1
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &CivicClerk{
		layout:  layout,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		cfg:     cfg,
	}
}

var _ Scraper = (*CivicClerk)(nil)

// Fetch downloads the site's meeting documents year by year. A year whose
// listing cannot be parsed fails the fetch; a single document that fails to
// download or validate is logged and skipped so one bad file cannot starve
// the rest of the site.
func (c *CivicClerk) Fetch(ctx context.Context, site *domain.Site, opts FetchOptions) error {
	base := c.baseURL(site)
	if _, err := url.Parse(base); err != nil {
		return domain.Critical(fmt.Errorf("invalid portal url %q: %w", base, err))
	}

	downloaded := 0
	for _, year := range c.years(site, opts) {
		docs, err := c.fetchYearListing(ctx, base, year)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if !opts.AllAgendas && doc.agenda {
				continue
			}
			if err := c.downloadDocument(ctx, site.Subdomain, doc); err != nil {
				if domain.IsTransient(err) || domain.IsCritical(err) {
					return err
				}
				slog.WarnContext(ctx, "skipping document",
					logfields.Subdomain(site.Subdomain),
					slog.String("document_url", doc.href),
					logfields.Error(err))
				continue
			}
			downloaded++
		}
	}

	slog.InfoContext(ctx, "scrape finished",
		logfields.Subdomain(site.Subdomain),
		logfields.DocCount(downloaded))
	return nil
}

func (c *CivicClerk) baseURL(site *domain.Site) string {
	if override, ok := site.Extra["base_url"].(string); ok && override != "" {
		return override
	}
	return fmt.Sprintf(c.cfg.BaseURL, site.Subdomain)
}

// years returns the listing years to enumerate, oldest first.
func (c *CivicClerk) years(site *domain.Site, opts FetchOptions) []int {
	current := time.Now().UTC().Year()
	first := current - c.cfg.YearsBack + 1
	if opts.AllYears && site.StartYear > 0 {
		first = site.StartYear
	}
	if first > current {
		first = current
	}
	years := make([]int, 0, current-first+1)
	for y := first; y <= current; y++ {
		years = append(years, y)
	}
	return years
}

// portalDocument is one parsed listing row link.
type portalDocument struct {
	meeting string
	date    string
	href    string
	agenda  bool
}

// fetchYearListing retrieves and parses one year's meeting listing.
//
// Expected markup, shared by the portals this scraper targets:
//
//	<div class="meeting-row" data-meeting="City Council" data-date="2026-01-05">
//	  <a class="document-link" href="/documents/cc-2026-01-05.pdf">Minutes</a>
//	  <a class="agenda-link" href="/documents/cc-2026-01-05-agenda.pdf">Agenda</a>
//	</div>
func (c *CivicClerk) fetchYearListing(ctx context.Context, base string, year int) ([]portalDocument, error) {
	listingURL := fmt.Sprintf("%s/meetings?year=%d", base, year)
	body, err := c.get(ctx, listingURL)
	if err != nil {
		var status statusError
		if errors.As(err, &status) {
			// A portal without that year answers 404; that is a fact about
			// the site, not a reason to retry.
			return nil, domain.Permanent(domain.ClassFetch,
				fmt.Errorf("error fetching year %d from %s: %w", year, hostOf(listingURL), err))
		}
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, domain.Permanent(domain.ClassFetch,
			fmt.Errorf("error fetching year %d from %s: malformed listing: %w", year, hostOf(listingURL), err))
	}

	var docs []portalDocument
	doc.Find("div.meeting-row").Each(func(_ int, row *goquery.Selection) {
		meeting := slugify(row.AttrOr("data-meeting", ""))
		date := strings.TrimSpace(row.AttrOr("data-date", ""))
		if meeting == "" || !datePattern.MatchString(date) {
			return
		}
		row.Find("a.document-link, a.agenda-link").Each(func(_ int, link *goquery.Selection) {
			href, ok := link.Attr("href")
			if !ok || href == "" {
				return
			}
			docs = append(docs, portalDocument{
				meeting: meeting,
				date:    date,
				href:    resolveHref(base, href),
				agenda:  link.HasClass("agenda-link"),
			})
		})
	})
	return docs, nil
}

// downloadDocument fetches one PDF into the site tree and validates it.
// Invalid files are removed again so the OCR fan-out never sees them.
func (c *CivicClerk) downloadDocument(ctx context.Context, subdomain string, doc portalDocument) error {
	dir := c.layout.DocumentPDFDir(subdomain, doc.meeting, doc.date)
	if doc.agenda {
		dir = filepath.Join(c.layout.AgendasDir(subdomain), doc.meeting, doc.date)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Critical(fmt.Errorf("failed to create document directory: %w", err))
	}

	name := filepath.Base(doc.href)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}
	dest := filepath.Join(dir, name)

	body, err := c.get(ctx, doc.href)
	if err != nil {
		var status statusError
		if errors.As(err, &status) {
			return domain.Permanent(domain.ClassFetch,
				fmt.Errorf("document %s from %s: %w", doc.href, hostOf(doc.href), err))
		}
		return err
	}
	defer body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return domain.Critical(fmt.Errorf("failed to create %s: %w", dest, err))
	}
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return domain.Transient(fmt.Errorf("failed to download %s: %w", doc.href, err))
	}
	if written == 0 {
		os.Remove(dest)
		return domain.Permanent(domain.ClassPdfEmpty, fmt.Errorf("empty pdf file from %s", doc.href))
	}
	if err := api.ValidateFile(dest, nil); err != nil {
		os.Remove(dest)
		return domain.Permanent(domain.ClassPdfRead, fmt.Errorf("invalid pdf from %s: %w", doc.href, err))
	}
	return nil
}

// get performs one rate-limited request. Network-level failures and 5xx
// answers come back transient; other non-200 statuses come back as a
// statusError for the caller to classify.
func (c *CivicClerk) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.Transient(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.Critical(fmt.Errorf("invalid request url %q: %w", rawURL, err))
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("request to %s failed: %w", hostOf(rawURL), err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, domain.Transient(fmt.Errorf("%s answered %d", hostOf(rawURL), resp.StatusCode))
	default:
		resp.Body.Close()
		return nil, statusError{code: resp.StatusCode, url: rawURL}
	}
}

// statusError is a non-retryable HTTP answer awaiting classification by the
// caller, which knows whether it hit a listing or a document.
type statusError struct {
	code int
	url  string
}

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.code, e.url)
}

var (
	datePattern    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	slugStrip      = regexp.MustCompile(`[^a-z0-9]+`)
	slugTrimDashes = regexp.MustCompile(`^-+|-+$`)
)

// slugify turns a meeting body name into a stable directory segment.
func slugify(name string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return slugTrimDashes.ReplaceAllString(s, "")
}

func resolveHref(base, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(u).String()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

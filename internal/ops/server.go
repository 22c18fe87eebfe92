// Package ops serves the worker's operational HTTP surface: liveness,
// Prometheus metrics and a JSON status snapshot. It binds separately from
// any public traffic and holds no state of its own.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rezkam/towncrier/internal/application/pipeline"
	"github.com/rezkam/towncrier/internal/domain"
	"github.com/rezkam/towncrier/internal/logfields"
)

// Pinger is the health probe against the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the ops listener.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration

	// StuckAfter is the cutoff used by the status snapshot's stuck-site
	// count. Zero disables the count.
	StuckAfter time.Duration
}

// Server is the operational HTTP endpoint.
type Server struct {
	http  *http.Server
	store pipeline.SiteStore
	queue pipeline.JobQueue
	ping  Pinger
	cfg   Config
}

// New creates the server. registry may be nil to skip the /metrics route.
func New(store pipeline.SiteStore, queue pipeline.JobQueue, ping Pinger, registry *prometheus.Registry, cfg Config) *Server {
	s := &Server{store: store, queue: queue, ping: ping, cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(mux, "ops"),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// ListenAndServe blocks serving until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	slog.Info("ops server listening", slog.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.ping.Ping(r.Context()); err != nil {
		slog.ErrorContext(r.Context(), "health probe failed", logfields.Error(err))
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusResponse is the JSON shape of /status.
type statusResponse struct {
	Queues     []queueStatus `json:"queues"`
	StuckSites int           `json:"stuck_sites"`
	Sites      []siteStatus  `json:"sites,omitempty"`
}

type queueStatus struct {
	Queue    string `json:"queue"`
	Queued   int    `json:"queued"`
	Deferred int    `json:"deferred"`
	Started  int    `json:"started"`
	Failed   int    `json:"failed"`
}

type siteStatus struct {
	Subdomain string `json:"subdomain"`
	Stage     string `json:"stage"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depths, err := s.queue.QueueDepths(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read queue depths", logfields.Error(err))
		http.Error(w, "failed to read queue depths", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{Queues: make([]queueStatus, 0, len(depths))}
	for _, d := range depths {
		resp.Queues = append(resp.Queues, queueStatus{
			Queue:    d.Queue,
			Queued:   d.Queued,
			Deferred: d.Deferred,
			Started:  d.Started,
			Failed:   d.Failed,
		})
	}

	if s.cfg.StuckAfter > 0 {
		stuck, err := s.store.ListStuckSites(ctx, time.Now().UTC().Add(-s.cfg.StuckAfter), 1000)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count stuck sites", logfields.Error(err))
			http.Error(w, "failed to count stuck sites", http.StatusInternalServerError)
			return
		}
		resp.StuckSites = len(stuck)
	}

	if subdomain := r.URL.Query().Get("site"); subdomain != "" {
		site, err := s.store.GetSite(ctx, subdomain)
		if err != nil {
			if errors.Is(err, domain.ErrSiteNotFound) {
				http.Error(w, "site not found", http.StatusNotFound)
				return
			}
			slog.ErrorContext(ctx, "failed to load site", logfields.Error(err))
			http.Error(w, "failed to load site", http.StatusInternalServerError)
			return
		}
		counters := site.CountersFor(site.CurrentStage)
		resp.Sites = append(resp.Sites, siteStatus{
			Subdomain: site.Subdomain,
			Stage:     string(site.CurrentStage),
			Status:    site.Status,
			Completed: counters.Completed,
			Failed:    counters.Failed,
			Total:     counters.Total,
			UpdatedAt: site.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode status", logfields.Error(err))
	}
}

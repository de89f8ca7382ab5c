// Package api exposes manual region management and extraction jobs over
// HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adverant/nexus/regionocr-worker/internal/queue"
	"github.com/adverant/nexus/regionocr-worker/internal/region"
	"github.com/adverant/nexus/regionocr-worker/internal/storage"
)

// Store is the persistence the API needs.
type Store interface {
	SaveRegion(ctx context.Context, documentID string, r region.Region) (region.Region, error)
	ListRegions(ctx context.Context, documentID string) ([]region.Region, error)
	DeleteRegion(ctx context.Context, regionID string) error
	GetJob(ctx context.Context, jobID string) (*storage.Job, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// JobQueue accepts extraction jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, p queue.ExtractPayload) (string, error)
}

// Config holds server settings.
type Config struct {
	// APIKey enables bearer-token auth on /api routes when set.
	APIKey string
	// DocumentRoot confines file_path in extraction requests.
	DocumentRoot string
	// DefaultDPI applies when a request does not set dpi.
	DefaultDPI int

	// Stats sources for GET /api/stats; any may be nil.
	Jobs     JobStats
	Consumer ConsumerStats
	Pool     PoolStats
}

// Server is the HTTP API server.
type Server struct {
	router chi.Router
	store  Store
	queue  JobQueue
	log    *slog.Logger
	cfg    Config
}

// NewServer creates and configures the HTTP server.
func NewServer(store Store, q JobQueue, log *slog.Logger, cfg Config) *Server {
	s := &Server{store: store, queue: q, log: log, cfg: cfg}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(AuthMiddleware(s.cfg.APIKey))
		}

		r.Post("/api/documents/{docID}/regions", s.handleSaveRegion)
		r.Get("/api/documents/{docID}/regions", s.handleListRegions)
		r.Delete("/api/regions/{regionID}", s.handleDeleteRegion)
		r.Post("/api/documents/{docID}/extract", s.handleExtract)
		r.Get("/api/jobs/{jobID}", s.handleGetJob)
		r.Get("/api/stats", s.handleStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

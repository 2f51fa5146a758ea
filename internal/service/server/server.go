package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vertextoedge/model-downloader/internal/domain/event"
	"github.com/vertextoedge/model-downloader/internal/port"
	"github.com/vertextoedge/model-downloader/internal/service/downloader"
)

// Config contains HTTP server configuration
type Config struct {
	BindAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "127.0.0.1:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Downloads is the download manager surface exposed over HTTP
type Downloads interface {
	DownloadModel(ctx context.Context, url, filename string) (*downloader.Started, error)
	PauseDownload(ctx context.Context, id int64) error
	ResumeDownload(ctx context.Context, id int64) error
	CancelDownload(ctx context.Context, id int64) (bool, error)
	CheckDownloadStatus(id int64) downloader.StatusReport
	GetStoredModels() ([]downloader.ModelFile, error)
	DeleteModel(path string) bool
	Subscribe(filename string, handler event.EventHandler) func()
}

// Deps are the collaborators served by the API
type Deps struct {
	Downloads Downloads
	Lifecycle port.Lifecycle
	// Mirror backs GET /v1/downloads. When nil the server subscribes its own.
	Mirror *event.Mirror
	// Health is pinged by /health; nil reports healthy
	Health   port.Pinger
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server
type Server struct {
	config    *Config
	deps      Deps
	logger    *zap.Logger
	server    *http.Server
	router    *mux.Router
	downloads *DownloadHandler
	events    *EventsHandler
	unsub     func()
}

// New creates a new HTTP server
func New(cfg *Config, deps Deps, logger *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
	}
	if s.deps.Mirror == nil {
		s.deps.Mirror = event.NewMirror()
		s.unsub = deps.Downloads.Subscribe(event.AllModels, s.deps.Mirror)
	}

	s.downloads = NewDownloadHandler(deps.Downloads, deps.Lifecycle, s.deps.Mirror, logger)
	s.events = NewEventsHandler(deps.Downloads, logger)

	r := mux.NewRouter()
	r.Use(RequestIDMiddleware, LoggingMiddleware(logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()

	get := api.Methods(http.MethodGet).Subrouter()
	get.HandleFunc("/downloads", s.downloads.List)
	get.HandleFunc("/downloads/{id:[0-9]+}", s.downloads.Status)
	get.HandleFunc("/models", s.downloads.Models)
	get.HandleFunc("/events", s.events.Stream)

	post := api.Methods(http.MethodPost).Subrouter()
	post.HandleFunc("/downloads", s.downloads.Start)
	post.HandleFunc("/downloads/{id:[0-9]+}/pause", s.downloads.Pause)
	post.HandleFunc("/downloads/{id:[0-9]+}/resume", s.downloads.Resume)
	post.HandleFunc("/lifecycle/{transition:background|foreground|check}", s.downloads.Lifecycle)

	del := api.Methods(http.MethodDelete).Subrouter()
	del.HandleFunc("/downloads/{id:[0-9]+}", s.downloads.Cancel)
	del.HandleFunc("/models/{name}", s.downloads.DeleteModel)

	s.router = r
	s.server = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server and closes event streams
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	s.events.CloseAll()
	if s.unsub != nil {
		s.unsub()
	}
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(); err != nil {
			s.logger.Error("health check failed", zap.Error(err))
			http.Error(w, "State store unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy","time":"` + time.Now().Format(time.RFC3339) + `"}`))
}

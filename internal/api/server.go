package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/posse-discovery/internal/config"
	"github.com/JakeFAU/posse-discovery/internal/discovery"
	"github.com/JakeFAU/posse-discovery/internal/metrics"
)

const defaultRequestTimeout = 120 * time.Second

// Discoverer runs reverse discovery for one activity.
type Discoverer interface {
	Discover(ctx context.Context, source discovery.Source, activity *discovery.Activity) (*discovery.Activity, error)
}

// PostReader looks up stored relationships.
type PostReader interface {
	FindBySyndication(ctx context.Context, syndication string) (*discovery.SyndicatedPost, error)
	FindByOriginal(ctx context.Context, original string) (*discovery.SyndicatedPost, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the discovery engine and record store.
type Server struct {
	router     chi.Router
	discoverer Discoverer
	posts      PostReader
	ready      Pinger
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	discoverer Discoverer,
	posts PostReader,
	ready Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		discoverer: discoverer,
		posts:      posts,
		ready:      ready,
		logger:     logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/discover", s.discover)
		r.Get("/posts", s.getPost)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type discoverRequest struct {
	Source   discovery.Source    `json:"source"`
	Activity *discovery.Activity `json:"activity"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Source.DomainURL == "" {
		s.writeError(w, http.StatusBadRequest, "source.domain_url required")
		return
	}
	if req.Activity == nil || req.Activity.Object == nil || req.Activity.Object.URL == "" {
		s.writeError(w, http.StatusBadRequest, "activity.object.url required")
		return
	}

	activity, err := s.discoverer.Discover(r.Context(), req.Source, req.Activity)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.logger.Error("discovery failed", zap.String("domain_url", req.Source.DomainURL), zap.Error(err))
		s.writeError(w, status, "discovery failed")
		return
	}
	if activity == nil {
		s.writeError(w, http.StatusNotFound, "no original found")
		return
	}
	s.writeJSON(w, http.StatusOK, activity)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	syndication, original := q.Get("syndication"), q.Get("original")

	var (
		post *discovery.SyndicatedPost
		err  error
	)
	switch {
	case syndication != "" && original != "":
		s.writeError(w, http.StatusBadRequest, "use either syndication or original, not both")
		return
	case syndication != "":
		post, err = s.posts.FindBySyndication(r.Context(), syndication)
	case original != "":
		post, err = s.posts.FindByOriginal(r.Context(), original)
	default:
		s.writeError(w, http.StatusBadRequest, "syndication or original query parameter required")
		return
	}
	if err != nil {
		s.logger.Error("post lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if post == nil {
		s.writeError(w, http.StatusNotFound, "post not found")
		return
	}
	s.writeJSON(w, http.StatusOK, post)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

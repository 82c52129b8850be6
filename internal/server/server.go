// Package server implements the HTTP ops surface of the daemon: health
// check, status snapshot, and Prometheus metrics. It carries no moderation
// logic; everything it reports is read-only.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeffb4/bsky-prolific-followers/internal/cache"
	"github.com/jeffb4/bsky-prolific-followers/internal/pipeline"
	"github.com/jeffb4/bsky-prolific-followers/internal/registry"
)

const version = "1.0.0"

// Depth reports a queue's name and current length. Satisfied by every
// pipeline queue regardless of element type.
type Depth interface {
	Name() string
	Len() int
}

// Identity exposes whose session the daemon writes with.
type Identity interface {
	Handle() string
	DID() string
}

// Server is the ops HTTP server.
type Server struct {
	addr      string
	store     *cache.Store
	registry  *registry.Registry
	identity  Identity
	queues    []Depth
	pools     []*pipeline.Pool
	router    *chi.Mux
	startedAt time.Time
}

// New creates the ops server.
func New(addr string, store *cache.Store, reg *registry.Registry, identity Identity, queues []Depth, pools []*pipeline.Pool) *Server {
	s := &Server{
		addr:      addr,
		store:     store,
		registry:  reg,
		identity:  identity,
		queues:    queues,
		pools:     pools,
		startedAt: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting ops server", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("ops server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("ops server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Get("/api/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		Handle         string         `json:"handle"`
		DID            string         `json:"did"`
		Version        string         `json:"version"`
		StartedAt      int64          `json:"started_at"` // unix timestamp
		CachedProfiles int64          `json:"cached_profiles"`
		Queues         map[string]int `json:"queues"`
		Workers        map[string]int `json:"workers"`
		Lists          map[string]int `json:"lists"`
	}

	resp := statusResponse{
		Handle:    s.identity.Handle(),
		DID:       s.identity.DID(),
		Version:   version,
		StartedAt: s.startedAt.Unix(),
		Queues:    make(map[string]int, len(s.queues)),
		Workers:   make(map[string]int, len(s.pools)),
		Lists:     make(map[string]int),
	}
	if n, err := s.store.Count(); err == nil {
		resp.CachedProfiles = n
	}
	for _, q := range s.queues {
		resp.Queues[q.Name()] = q.Len()
	}
	for _, p := range s.pools {
		resp.Workers[p.Name()] = p.Alive()
	}
	for _, l := range s.registry.All() {
		resp.Lists[l.Key] = l.Len()
	}
	jsonResponse(w, resp, http.StatusOK)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

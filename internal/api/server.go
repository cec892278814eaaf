// Package api implements the HTTP surface: the ingest endpoint and the
// management read/write endpoints for projects, policies, rollups and
// alerts.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ternhq/tern/internal/store"
)

// maxBodyBytes limits ingest and management request bodies.
const maxBodyBytes = 1 << 20

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
}

// NewServer creates the API server wired with all routes.
func NewServer(listen string, st *store.Store) *Server {
	mux := http.NewServeMux()

	keys := newKeyCache(st)

	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("POST /api/ingest", HandleIngest(keys, st))

	mux.Handle("GET /api/projects", HandleListProjects(st))
	mux.Handle("POST /api/projects", HandleCreateProject(st))
	mux.Handle("DELETE /api/projects/{id}", HandleDeleteProject(st))
	mux.Handle("GET /api/projects/{id}/metrics", HandleListRawMetrics(st))
	mux.Handle("GET /api/projects/{id}/metrics/aggregated", HandleListRollups(st))
	mux.Handle("GET /api/projects/{id}/policies", HandleListPolicies(st))
	mux.Handle("POST /api/projects/{id}/policies", HandleCreatePolicy(st))
	mux.Handle("GET /api/projects/{id}/alerts", HandleListAlerts(st))

	return &Server{
		httpServer: &http.Server{
			Addr:              listen,
			Handler:           RequestBodyLimitMiddleware(maxBodyBytes, mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// HandleHealthz reports liveness.
func HandleHealthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

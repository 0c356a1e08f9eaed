// File path: internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/pipeline"
	"github.com/storymill/storymill/internal/theme"
)

// Catalog is the read/write surface the handlers need from the story store.
type Catalog interface {
	ListStories(ctx context.Context, status theme.StoryStatus, limit, offset int) ([]theme.Story, error)
	GetStory(ctx context.Context, storyID string) (theme.Story, error)
	DissolveStory(ctx context.Context, storyID, reason string) error
	ListOrphans(ctx context.Context, state theme.OrphanState, limit int) ([]theme.OrphanEntry, error)
	GetRun(ctx context.Context, runID string) (theme.PipelineRun, error)
}

// RunStarter triggers pipeline runs and exposes the ingestion queue.
type RunStarter interface {
	Run(ctx context.Context, windowStart, windowEnd time.Time) (theme.PipelineRun, error)
	Intake() *pipeline.Intake
}

type Server struct {
	router  chi.Router
	catalog Catalog
	runner  RunStarter
}

func NewServer(catalog Catalog, runner RunStarter) (*Server, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner required")
	}
	srv := &Server{
		router:  chi.NewRouter(),
		catalog: catalog,
		runner:  runner,
	}
	srv.routes()
	common.Logger().Info("api: server ready")
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Post("/v1/ingest", s.handleIngest)
	s.router.Post("/v1/runs", s.handleStartRun)
	s.router.Get("/v1/runs/{id}/status", s.handleRunStatus)
	s.router.Get("/v1/stories", s.handleListStories)
	s.router.Get("/v1/stories/{id}", s.handleGetStory)
	s.router.Post("/v1/stories/{id}/dissolve", s.handleDissolveStory)
	s.router.Get("/v1/orphans", s.handleListOrphans)
	s.router.Get("/v1/logs", s.handleLogs)
	s.router.Get("/v1/telemetry", s.handleTelemetry)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// File path: internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/common/telemetry"
	"github.com/storymill/storymill/internal/pipeline"
	"github.com/storymill/storymill/internal/sqlite"
	"github.com/storymill/storymill/internal/theme"
)

type ingestConversation struct {
	ID             string                 `json:"id"`
	OccurredAt     time.Time              `json:"occurred_at"`
	Text           string                 `json:"text"`
	Classification map[string]interface{} `json:"classification"`
}

type ingestRequest struct {
	Conversations []ingestConversation `json:"conversations"`
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Pending  int    `json:"pending"`
	Warning  string `json:"warning,omitempty"`
}

// handleIngest queues classified conversations for the next run. The
// classification payload is loosely typed classifier output; coercion
// applies documented fallbacks and only a missing conversation id rejects
// the item.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode ingest payload: %w", err))
		return
	}
	if len(req.Conversations) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("conversations required"))
		return
	}

	items := make([]pipeline.Item, 0, len(req.Conversations))
	rejected := 0
	var firstErr error
	for _, conv := range req.Conversations {
		payload := conv.Classification
		if payload == nil {
			payload = map[string]interface{}{}
		}
		if _, ok := payload["conversation_id"]; !ok {
			payload["conversation_id"] = conv.ID
		}
		// The owning run is unknown until a run claims the item; the
		// placeholder is replaced at batch time.
		if _, ok := payload["run_id"]; !ok {
			payload["run_id"] = "intake"
		}
		rec, err := theme.CoerceRecord(payload)
		if err != nil {
			rejected++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rec.RunID = ""
		if rec.OccurredAt.IsZero() {
			rec.OccurredAt = conv.OccurredAt
		}
		items = append(items, pipeline.Item{
			Conversation: theme.Conversation{
				ID:         strings.TrimSpace(conv.ID),
				OccurredAt: conv.OccurredAt,
				Text:       conv.Text,
			},
			Record: rec,
		})
	}

	accepted, err := s.runner.Intake().Add(items)
	rejected += len(items) - accepted
	if err != nil && firstErr == nil {
		firstErr = err
	}
	resp := ingestResponse{
		Accepted: accepted,
		Rejected: rejected,
		Pending:  s.runner.Intake().Pending(),
	}
	if firstErr != nil {
		resp.Warning = firstErr.Error()
	}
	common.Logger().Info("api: ingest accepted", "accepted", resp.Accepted, "rejected", resp.Rejected, "pending", resp.Pending)
	writeJSON(w, http.StatusAccepted, resp)
}

type startRunRequest struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// handleStartRun executes a pipeline run synchronously and returns the
// finished run record. A concurrent run conflicts with 409.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.Body != nil {
		// An empty body is fine; anything undecodable is not.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode run request: %w", err))
			return
		}
	}
	now := time.Now().UTC()
	if req.WindowEnd.IsZero() {
		req.WindowEnd = now
	}
	if req.WindowStart.IsZero() {
		req.WindowStart = req.WindowEnd.Add(-30 * 24 * time.Hour)
	}
	if !req.WindowEnd.After(req.WindowStart) {
		writeError(w, http.StatusBadRequest, errors.New("window_end must be after window_start"))
		return
	}

	run, err := s.runner.Run(r.Context(), req.WindowStart, req.WindowEnd)
	if err != nil {
		if errors.Is(err, pipeline.ErrConcurrencyConflict) {
			writeError(w, http.StatusConflict, err)
			return
		}
		// The run record still carries the terminal status and counters.
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
			"run":   run,
		})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.catalog.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, sqlite.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	status := theme.StoryStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && status != theme.StoryActive && status != theme.StoryDissolved {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown story status %q", status))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	stories, err := s.catalog.ListStories(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stories": stories,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "id")
	story, err := s.catalog.GetStory(r.Context(), storyID)
	if err != nil {
		if errors.Is(err, sqlite.ErrStoryNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, story)
}

type dissolveRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDissolveStory(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "id")
	var req dissolveRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "operator request"
	}
	if err := s.catalog.DissolveStory(r.Context(), storyID, req.Reason); err != nil {
		if errors.Is(err, sqlite.ErrStoryNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dissolved", "story_id": storyID})
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	state := theme.OrphanState(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("state"))))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown orphan state %q", state))
		return
	}
	limit := queryInt(r, "limit", 200)
	orphans, err := s.catalog.ListOrphans(r.Context(), state, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orphans": orphans})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": common.LogEntries()})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, telemetry.Snapshot())
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

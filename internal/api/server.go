package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/orchestrator"
)

const defaultListLimit = 50

// Coordinator is the part of the orchestrator the API serves.
type Coordinator interface {
	CreateRun(ctx context.Context, problem string) (*models.Run, error)
	GetRun(id string) (*models.Run, error)
	ListRuns(limit int) ([]*models.Run, error)
	State(runID string) (models.RunState, error)
	Stream(ctx context.Context, runID string, afterSeq int64, fn func(events.Event) error) error
	Cancel(runID string) error
	DeleteRun(runID string) error
}

type Server struct {
	Logger    *slog.Logger
	Runs      Coordinator
	KeepAlive time.Duration
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("GET /schema", s.handleSchema)

	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("DELETE /runs/{run_id}", s.handleDeleteRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /runs/{run_id}/ws", s.handleRunSocket)

	var h http.Handler = mux
	h = CORSMiddleware()(h)
	h = LoggingMiddleware(s.Logger)(h)
	h = RecoverMiddleware(s.Logger)(h)
	h = otelhttp.NewHandler(h, "stepchain",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "HTTP " + r.Method
		}),
	)
	return h
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	run, err := s.Runs.CreateRun(r.Context(), req.Problem)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateRunResponse{RunID: run.ID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.Runs.ListRuns(limit)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.Runs.GetRun(runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	state, err := s.Runs.State(runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: run, State: state})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.Runs.Cancel(r.PathValue("run_id")); err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.Runs.DeleteRun(r.PathValue("run_id")); err != nil {
		s.writeRunError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, events.Schemas())
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyProblem):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrRunFinished), errors.Is(err, orchestrator.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger().Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

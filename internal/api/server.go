package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andywarduk/mirrorurl/internal/metrics"
	"github.com/andywarduk/mirrorurl/internal/runstate"
)

const runsPath = "/api/mirror/runs"

// Server exposes the HTTP API for managing mirror runs.
type Server struct {
	manager *RunManager
	metrics *metrics.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux.
func NewServer(manager *RunManager, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		metrics: m,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.metrics.APIRequest(r.Method, routeLabel(r.URL.Path), rec.status)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc(runsPath, s.handleRuns)
	s.mux.HandleFunc(runsPath+"/", s.handleRunByID)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRuns(w, r)
	case http.MethodPost:
		s.createRun(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, runsPath+"/"), "/")
	if trimmed == "" {
		writeError(w, http.StatusNotFound, "run id missing")
		return
	}
	parts := strings.Split(trimmed, "/")
	runID, err := url.PathUnescape(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.getRun(w, r, runID)
		return
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.streamRunEvents(w, r, runID)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.cancelRun(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	run, err := s.manager.StartRun(req)
	if err != nil {
		switch {
		case errors.Is(err, ErrRunConflict):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrMaxConcurrency):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.logger.Info("run created", "run_id", run.ID(), "start_url", req.StartURL)
	w.Header().Set("Location", runsPath+"/"+run.ID())
	writeJSON(w, http.StatusCreated, run.Snapshot())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.manager.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.manager.GetRunDetail(r.Context(), id)
	switch {
	case errors.Is(err, runstate.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.logger.Error("get run failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get run failed")
	default:
		writeJSON(w, http.StatusOK, detail)
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, id string) {
	err := s.manager.CancelRun(id)
	switch {
	case errors.Is(err, runstate.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRunNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request, id string) {
	run, ok := s.manager.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	eventCh, cancel := run.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	// send writes evt and reports whether it ended the stream.
	send := func(evt SSEEvent) bool {
		payload, err := json.Marshal(evt)
		if err != nil {
			return false
		}
		fmt.Fprintf(w, "event: %s\n", evt.Type)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return !evt.Run.Status.Active()
	}

	for {
		select {
		case evt, open := <-eventCh:
			if !open || send(evt) {
				return
			}
		case <-run.Done():
			// the terminal broadcast may have been dropped on a full buffer
			for {
				select {
				case evt, open := <-eventCh:
					if !open || send(evt) {
						return
					}
				default:
					snap := run.Snapshot()
					send(SSEEvent{Type: terminalEventType(snap.Status), Timestamp: time.Now(), Run: snap})
					return
				}
			}
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeLabel collapses run ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	if !strings.HasPrefix(path, runsPath+"/") {
		return path
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, runsPath+"/"), "/"), "/")
	if len(parts) >= 2 {
		return runsPath + "/{id}/" + parts[1]
	}
	return runsPath + "/{id}"
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

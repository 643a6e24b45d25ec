package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jdeokkim/jmprof/internal/fleet/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListRuns responds to GET /api/v1/runs.
//
// Supported query parameters:
//
//	hostname – exact hostname filter (optional)
//	limit    – maximum number of results (default 100, max 1000)
//	offset   – pagination offset (default 0)
//
// Returns HTTP 200 with a JSON array of Run objects, most recently
// registered first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rq := storage.RunQuery{Hostname: q.Get("hostname")}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		rq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		rq.Offset = offset
	}

	runs, err := s.store.ListRuns(r.Context(), rq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []storage.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(runs)
}

// handleGetRun responds to GET /api/v1/runs/{runID}.
//
// Returns HTTP 404 when no such run exists, HTTP 200 with a JSON Run object
// otherwise.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(run)
}

// leakResponse is a Leak paired with its symbolized backtrace, as returned
// by GET /api/v1/runs/{runID}/leaks.
type leakResponse struct {
	storage.Leak
	Backtrace []storage.Frame `json:"backtrace"`
}

// handleListLeaks responds to GET /api/v1/runs/{runID}/leaks.
//
// Returns HTTP 200 with a JSON array of leaks (each carrying its backtrace
// frames) for the given run, ordered by leak_index.
func (s *Server) handleListLeaks(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	leaks, frames, err := s.store.ListLeaks(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list leaks")
		return
	}

	out := make([]leakResponse, len(leaks))
	for i, l := range leaks {
		out[i] = leakResponse{Leak: l, Backtrace: frames[l.LeakID]}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

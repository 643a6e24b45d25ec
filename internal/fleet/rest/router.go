package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the jmprof collector's query
// API.
//
// Route layout:
//
//	GET /healthz                      – liveness probe (no authentication required)
//	GET /api/v1/runs                  – paginated run query (JWT required)
//	GET /api/v1/runs/{runID}          – a single run (JWT required)
//	GET /api/v1/runs/{runID}/leaks    – leaks (with backtraces) for a run (JWT required)
//
// signingKey is the HMAC secret used to verify HS256 Bearer tokens on all
// /api routes. Pass an empty string to disable JWT validation (useful in
// tests that cover only request parsing / response formatting).
func NewRouter(srv *Server, signingKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if signingKey != "" {
			r.Use(JWTMiddleware(signingKey))
		}

		r.Get("/runs", srv.handleListRuns)
		r.Get("/runs/{runID}", srv.handleGetRun)
		r.Get("/runs/{runID}/leaks", srv.handleListLeaks)
	})

	return r
}

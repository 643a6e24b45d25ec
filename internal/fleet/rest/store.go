// Package rest provides the HTTP REST query API for the jmprof collector. It
// includes a chi router, JWT authentication middleware, and handler
// functions for the /api/v1 endpoints.
package rest

import (
	"context"

	"github.com/jdeokkim/jmprof/internal/fleet/storage"
)

// Store is the subset of internal/fleet/storage methods used by the REST
// handlers. Defining an interface allows handlers to be tested with a mock
// store without a live PostgreSQL connection.
type Store interface {
	GetRun(ctx context.Context, runID string) (*storage.Run, error)
	ListRuns(ctx context.Context, q storage.RunQuery) ([]storage.Run, error)
	ListLeaks(ctx context.Context, runID string) ([]storage.Leak, map[int64][]storage.Frame, error)
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/mcp-authz/instrumentation"
)

// RecordOperation records a backend operation on m. Not-found results are
// counted separately from errors. m may be nil.
func RecordOperation(ctx context.Context, m *instrumentation.Metrics, backend, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	m.RecordStorageOperation(ctx, backend, operation, result, float64(time.Since(start).Microseconds())/1000)
}

// Package taskqueue defines the Task Queue port: a FIFO index of queued task
// ids per task type. It is never authoritative; the store is.
package taskqueue

import (
	"context"

	"github.com/Strob0t/MediaBroker/internal/domain/task"
)

// Queue is the port interface for the per-type task id index.
type Queue interface {
	// Add appends the task id to the queue for its type.
	Add(ctx context.Context, t *task.Task) error

	// Get removes and returns up to max ids of taskType, oldest first.
	// Each id is returned by at most one call.
	Get(ctx context.Context, taskType string, max int) ([]string, error)

	// Len reports how many ids are queued for taskType.
	Len(ctx context.Context, taskType string) (int64, error)

	// Drain empties every queue. Persisted task state is not touched.
	Drain(ctx context.Context) error
}

// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/MediaBroker/internal/domain/message"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
)

// Store is the port interface for durable broker state. Only the task
// manager and broker services write through it.
type Store interface {
	// Task groups
	CreateTaskGroup(ctx context.Context, g *task.TaskGroup) error
	GetTaskGroup(ctx context.Context, id string) (*task.TaskGroup, error)
	ListTaskGroupsByJob(ctx context.Context, jobID string) ([]task.TaskGroup, error)
	// UpdateTaskGroupStatus stores status only if it differs from the stored
	// value and reports whether a write happened.
	UpdateTaskGroupStatus(ctx context.Context, id string, status task.Status) (bool, error)
	// DeleteJob removes every task group of a job together with its tasks and
	// their messages, returning the number of deleted tasks.
	DeleteJob(ctx context.Context, jobID string) (int, error)

	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasksByGroup(ctx context.Context, groupID string) ([]task.Task, error)
	ListTaskStatusesByGroup(ctx context.Context, groupID string) ([]task.Status, error)
	ListTasksByWorker(ctx context.Context, workerID string) ([]task.Task, error)
	ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error)
	// ListOrphanedTasks returns EXECUTING tasks whose owning worker no longer exists.
	ListOrphanedTasks(ctx context.Context, limit int) ([]task.Task, error)
	// UpdateTask writes status, statusTimestamp, output, attempts and owner
	// if t.Version still matches, returning domain.ErrConflict otherwise.
	UpdateTask(ctx context.Context, t *task.Task) error
	// ClaimTask atomically moves a QUEUED task to EXECUTING, assigns it to
	// the worker and appends its id to the worker's task list. It returns
	// domain.ErrConflict if the task is not QUEUED, domain.ErrWorkerStopping
	// if the worker is STOPPING and domain.ErrNotFound if the task or worker
	// is missing. Nothing is written unless every check passes.
	ClaimTask(ctx context.Context, taskID, workerID string) (*task.Task, error)

	// Workers
	CreateWorker(ctx context.Context, w *worker.Worker) error
	GetWorker(ctx context.Context, id string) (*worker.Worker, error)
	FindWorkers(ctx context.Context, f worker.Filter) ([]worker.Worker, error)
	UpdateWorker(ctx context.Context, w *worker.Worker) error
	DeleteWorker(ctx context.Context, id string) error

	// Messages
	AddMessage(ctx context.Context, m *message.Message) error
	ListMessages(ctx context.Context, kind message.OwnerKind, ownerID string) ([]message.Message, error)
}

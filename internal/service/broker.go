package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/domain/message"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/middleware"
	"github.com/Strob0t/MediaBroker/internal/port/database"
	"github.com/Strob0t/MediaBroker/internal/port/taskqueue"
)

// Broker manages the worker registry and hands queued tasks to workers.
type Broker struct {
	store   database.Store
	queue   taskqueue.Queue
	tasks   *TaskManager
	metrics *mbotel.Metrics
}

// NewBroker creates a Broker sharing the TaskManager's store and task queue.
func NewBroker(store database.Store, queue taskqueue.Queue, tasks *TaskManager, metrics *mbotel.Metrics) *Broker {
	return &Broker{
		store:   store,
		queue:   queue,
		tasks:   tasks,
		metrics: metrics,
	}
}

// RegisterWorker stores a new worker. An unset status defaults to ACTIVE.
func (b *Broker) RegisterWorker(ctx context.Context, w *worker.Worker) (*worker.Worker, error) {
	if w.Status == "" {
		w.Status = worker.StatusActive
	}
	if !w.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown worker status %q", domain.ErrInvalidProperty, w.Status)
	}
	p := middleware.PrincipalFromContext(ctx)
	w.CreatedBy = p
	w.LastModifiedBy = p
	w.Tasks = nil
	if w.ExternalIDs == nil {
		w.ExternalIDs = []string{}
	}

	if err := b.store.CreateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	b.metrics.WorkersRegistered.Add(ctx, 1)
	logger.FromContext(ctx).Info("worker registered", "worker_id", w.ID, "name", w.Name, "status", w.Status)
	return w, nil
}

// GetWorker returns a worker by id.
func (b *Broker) GetWorker(ctx context.Context, id string) (*worker.Worker, error) {
	return b.store.GetWorker(ctx, id)
}

// FindWorkers searches workers, newest first.
func (b *Broker) FindWorkers(ctx context.Context, f worker.Filter) ([]worker.Worker, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown worker status %q", domain.ErrInvalidProperty, f.Status)
	}
	return b.store.FindWorkers(ctx, f)
}

// UpdateWorker applies the set fields of req if req.Version matches the
// stored worker.
func (b *Broker) UpdateWorker(ctx context.Context, id string, req worker.UpdateRequest) (*worker.Worker, error) {
	w, err := b.store.GetWorker(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("update worker %s: %w", id, err)
	}
	if req.Version != w.Version {
		return nil, fmt.Errorf("update worker %s: version %d, stored %d: %w", id, req.Version, w.Version, domain.ErrConflict)
	}
	if req.Name != nil {
		w.Name = *req.Name
	}
	if req.ExternalIDs != nil {
		w.ExternalIDs = req.ExternalIDs
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown worker status %q", domain.ErrInvalidProperty, *req.Status)
		}
		w.Status = *req.Status
	}
	w.LastModifiedBy = middleware.PrincipalFromContext(ctx)

	if err := b.store.UpdateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("update worker %s: %w", id, err)
	}
	return w, nil
}

// markStopping moves the worker to STOPPING so no further claims succeed.
func (b *Broker) markStopping(ctx context.Context, id string) (*worker.Worker, error) {
	for attempt := 1; ; attempt++ {
		w, err := b.store.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Status == worker.StatusStopping {
			return w, nil
		}
		w.Status = worker.StatusStopping
		w.LastModifiedBy = middleware.PrincipalFromContext(ctx)
		err = b.store.UpdateWorker(ctx, w)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= b.tasks.cfg.ConflictRetries {
			return nil, err
		}
	}
}

// UnregisterWorker removes a worker. Its in-flight tasks move to FAILED_DIRTY
// first; a task whose failover write fails is logged and left for the
// reconciler. Calling it again for the same id returns domain.ErrNotFound.
func (b *Broker) UnregisterWorker(ctx context.Context, id string) (err error) {
	ctx, span := mbotel.StartUnregisterSpan(ctx, id)
	defer func() { mbotel.EndSpan(span, err) }()
	log := logger.FromContext(ctx)

	w, err := b.markStopping(ctx, id)
	if err != nil {
		return fmt.Errorf("unregister worker %s: %w", id, err)
	}

	owned, err := b.store.ListTasksByWorker(ctx, id)
	if err != nil {
		return fmt.Errorf("unregister worker %s: %w", id, err)
	}
	reason := fmt.Sprintf("worker %s unregistered", w.DisplayName())
	affected := make(map[string]string)
	failed := 0
	for i := range owned {
		t, changed, ferr := b.tasks.failDirty(ctx, owned[i].ID, id, reason)
		if ferr != nil {
			log.Error("task failover failed, leaving for reconciler", "worker_id", id, "task_id", owned[i].ID, "error", ferr)
			continue
		}
		if changed {
			affected[t.GroupID] = t.ID
			failed++
		}
	}
	b.tasks.syncGroupsAndNotify(ctx, affected)

	if err := b.store.DeleteWorker(ctx, id); err != nil {
		return fmt.Errorf("unregister worker %s: %w", id, err)
	}
	b.metrics.WorkersUnregistered.Add(ctx, 1)
	log.Info("worker unregistered", "worker_id", id, "failed_tasks", failed)
	return nil
}

// GetNextAvailableTasksForWorker claims queued tasks for a worker, walking
// capacities in order and each type's queue oldest first. A STOPPING worker
// gets nothing. Each returned task is now EXECUTING and owned by the worker.
func (b *Broker) GetNextAvailableTasksForWorker(ctx context.Context, workerID string, capacities []task.Capacity) (_ []task.Task, err error) {
	ctx, span := mbotel.StartClaimSpan(ctx, workerID)
	defer func() { mbotel.EndSpan(span, err) }()
	start := time.Now()
	log := logger.FromContext(ctx)

	w, err := b.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim tasks for worker %s: %w", workerID, err)
	}
	claimed := []task.Task{}
	if !w.AcceptsWork() {
		log.Debug("stopping worker asked for work", "worker_id", workerID)
		return claimed, nil
	}

	affected := make(map[string]string)
	for _, c := range capacities {
		if c.TaskType == "" || c.MaxCount <= 0 {
			continue
		}
		got, cerr := b.claimType(ctx, workerID, c)
		for i := range got {
			affected[got[i].GroupID] = got[i].ID
		}
		claimed = append(claimed, got...)
		b.metrics.TasksClaimed.Add(ctx, int64(len(got)), metric.WithAttributes(attribute.String("task.type", c.TaskType)))
		if errors.Is(cerr, domain.ErrWorkerStopping) {
			log.Debug("worker began stopping during claim", "worker_id", workerID, "claimed", len(claimed))
			break
		}
		if cerr != nil {
			err = cerr
			break
		}
	}
	b.tasks.syncGroupsAndNotify(ctx, affected)
	b.metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		if len(claimed) == 0 {
			return nil, fmt.Errorf("claim tasks for worker %s: %w", workerID, err)
		}
		log.Error("claim interrupted, returning partial result", "worker_id", workerID, "claimed", len(claimed), "error", err)
		err = nil
	}
	if len(claimed) > 0 {
		log.Info("tasks claimed", "worker_id", workerID, "count", len(claimed))
	}
	return claimed, nil
}

// claimType claims up to c.MaxCount tasks of one type. Stale ids (claimed
// elsewhere or deleted) are dropped and the queue is read again until the
// capacity is filled or the queue is empty. On a store error, or once the
// worker is STOPPING, the ids not yet processed are pushed back.
func (b *Broker) claimType(ctx context.Context, workerID string, c task.Capacity) ([]task.Task, error) {
	var out []task.Task
	for len(out) < c.MaxCount {
		ids, err := b.queue.Get(ctx, c.TaskType, c.MaxCount-len(out))
		if err != nil {
			return out, fmt.Errorf("read %s queue: %w", c.TaskType, err)
		}
		if len(ids) == 0 {
			return out, nil
		}

		for i, id := range ids {
			t, err := b.store.ClaimTask(ctx, id, workerID)
			if err == nil {
				out = append(out, *t)
				continue
			}
			switch {
			case errors.Is(err, domain.ErrWorkerStopping):
				b.requeue(ctx, c.TaskType, ids[i:])
				return out, err
			case errors.Is(err, domain.ErrConflict):
				continue
			case errors.Is(err, domain.ErrNotFound):
				if _, werr := b.store.GetWorker(ctx, workerID); werr != nil {
					b.requeue(ctx, c.TaskType, ids[i:])
					return out, fmt.Errorf("worker %s: %w", workerID, werr)
				}
				logger.FromContext(ctx).Warn("stale task queue entry", "task_id", id, "type", c.TaskType)
				continue
			}
			b.requeue(ctx, c.TaskType, ids[i:])
			return out, fmt.Errorf("claim task %s: %w", id, err)
		}
	}
	return out, nil
}

// requeue pushes unprocessed ids back to the tail of their queue.
func (b *Broker) requeue(ctx context.Context, taskType string, ids []string) {
	for _, id := range ids {
		if err := b.queue.Add(ctx, &task.Task{ID: id, Type: taskType}); err != nil {
			logger.FromContext(ctx).Error("task id lost from queue; run admin requeue", "task_id", id, "error", err)
		}
	}
}

// AddMessageToWorker appends a message to a worker's log.
func (b *Broker) AddMessageToWorker(ctx context.Context, workerID, text string, typ message.Type) (*message.Message, error) {
	if _, err := b.store.GetWorker(ctx, workerID); err != nil {
		return nil, fmt.Errorf("add message to worker %s: %w", workerID, err)
	}
	msg, err := newMessage(message.OwnerWorker, workerID, text, typ)
	if err != nil {
		return nil, err
	}
	if err := b.store.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("add message to worker %s: %w", workerID, err)
	}
	return msg, nil
}

// ListWorkerMessages returns a worker's messages, newest first.
func (b *Broker) ListWorkerMessages(ctx context.Context, workerID string) ([]message.Message, error) {
	if _, err := b.store.GetWorker(ctx, workerID); err != nil {
		return nil, err
	}
	return b.store.ListMessages(ctx, message.OwnerWorker, workerID)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/config"
	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/domain/message"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/middleware"
	"github.com/Strob0t/MediaBroker/internal/port/callback"
	"github.com/Strob0t/MediaBroker/internal/port/database"
	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
	"github.com/Strob0t/MediaBroker/internal/port/taskqueue"
)

// TaskManager owns task and task group lifecycle: creation and validation,
// status transitions through the retry policy, group aggregation and
// callback dispatch.
type TaskManager struct {
	store   database.Store
	queue   taskqueue.Queue
	bus     messagequeue.Queue
	groups  *GroupDirectory
	notify  *notifier
	metrics *mbotel.Metrics
	cfg     config.Broker
	now     func() time.Time
}

// NewTaskManager creates a TaskManager. cfg.MaxTaskRetries is clamped to
// [0,10] again here so callers that skip config.Load stay within bounds.
func NewTaskManager(
	store database.Store,
	queue taskqueue.Queue,
	bus messagequeue.Queue,
	groups *GroupDirectory,
	dispatcher callback.Dispatcher,
	metrics *mbotel.Metrics,
	cfg config.Broker,
) *TaskManager {
	cfg.MaxTaskRetries = task.ClampMaxRetries(cfg.MaxTaskRetries)
	cfg.StatusPartitions = max(cfg.StatusPartitions, 1)
	cfg.ConflictRetries = max(cfg.ConflictRetries, 1)
	return &TaskManager{
		store:   store,
		queue:   queue,
		bus:     bus,
		groups:  groups,
		notify:  &notifier{groups: groups, dispatcher: dispatcher, defaultKey: cfg.DefaultListener, metrics: metrics},
		metrics: metrics,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// MaxRetries returns the effective retry budget.
func (m *TaskManager) MaxRetries() int { return m.cfg.MaxTaskRetries }

// --- Task groups ---

// CreateTaskGroup stores a new group in status QUEUED, owned by the caller.
func (m *TaskManager) CreateTaskGroup(ctx context.Context, g *task.TaskGroup) (*task.TaskGroup, error) {
	if strings.TrimSpace(g.JobID) == "" {
		return nil, fmt.Errorf("%w: jobId is required", domain.ErrInvalidProperty)
	}
	g.Status = task.StatusQueued
	g.CreatedBy = middleware.PrincipalFromContext(ctx)

	if err := m.store.CreateTaskGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("create task group for job %s: %w", g.JobID, err)
	}
	logger.FromContext(ctx).Info("task group created", "group_id", g.ID, "job_id", g.JobID, "listener", g.CallbackListenerID)
	return g, nil
}

// GetTaskGroup returns a task group by id.
func (m *TaskManager) GetTaskGroup(ctx context.Context, id string) (*task.TaskGroup, error) {
	return m.store.GetTaskGroup(ctx, id)
}

// ListTaskGroups returns the groups of a job.
func (m *TaskManager) ListTaskGroups(ctx context.Context, jobID string) ([]task.TaskGroup, error) {
	return m.store.ListTaskGroupsByJob(ctx, jobID)
}

// ListTasks returns the members of a group in creation order.
func (m *TaskManager) ListTasks(ctx context.Context, groupID string) ([]task.Task, error) {
	if _, err := m.store.GetTaskGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return m.store.ListTasksByGroup(ctx, groupID)
}

// DeleteJobTasks removes every group of a job with its tasks and messages.
func (m *TaskManager) DeleteJobTasks(ctx context.Context, jobID string) (int, error) {
	groups, err := m.store.ListTaskGroupsByJob(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", jobID, err)
	}
	n, err := m.store.DeleteJob(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", jobID, err)
	}
	for i := range groups {
		m.groups.forget(ctx, groups[i].ID)
	}
	logger.FromContext(ctx).Info("job tasks deleted", "job_id", jobID, "groups", len(groups), "tasks", n)
	return n, nil
}

// --- Tasks ---

// authorizeGroup enforces group ownership when configured.
func (m *TaskManager) authorizeGroup(ctx context.Context, g *task.TaskGroup) error {
	if !m.cfg.EnforceGroupOwner {
		return nil
	}
	if p := middleware.PrincipalFromContext(ctx); g.CreatedBy != "" && g.CreatedBy != p {
		return fmt.Errorf("principal %s on group %s: %w", p, g.ID, domain.ErrNotAuthorized)
	}
	return nil
}

// CreateTask validates t, stores it under groupID and, if queueTask is set,
// pushes it onto the task queue. A group the caller may not access is
// reported as not found.
func (m *TaskManager) CreateTask(ctx context.Context, groupID string, t *task.Task, queueTask bool) (*task.Task, error) {
	g, err := m.store.GetTaskGroup(ctx, groupID)
	if err == nil {
		err = m.authorizeGroup(ctx, g)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotAuthorized) {
			return nil, fmt.Errorf("create task in group %s: %w", groupID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("create task in group %s: %w", groupID, err)
	}

	if err := task.ValidateNew(t); err != nil {
		return nil, err
	}
	t.GroupID = groupID
	t.Output = nil
	t.WorkerID = ""
	t.Attempts = 0

	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task in group %s: %w", groupID, err)
	}
	log := logger.FromContext(ctx)
	m.metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", t.Type)))
	log.Info("task created", "task_id", t.ID, "group_id", groupID, "type", t.Type, "priority", t.Priority)

	if queueTask {
		if err := m.queue.Add(ctx, t); err != nil {
			log.Error("task stored but not queued; run admin requeue", "task_id", t.ID, "error", err)
		}
	}
	if _, _, err := m.syncGroup(ctx, groupID); err != nil {
		log.Warn("group status recompute failed", "group_id", groupID, "error", err)
	}
	return t, nil
}

// GetTask returns a task by id.
func (m *TaskManager) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return m.store.GetTask(ctx, id)
}

// UpdateTaskStatus applies a status report. Reports for terminal tasks are
// absorbed without side effects. A failure report with retries left sends the
// task back to QUEUED and onto the task queue, as does a QUEUED report, which
// also releases the task from its worker. Every applied transition
// recomputes the group status and fires a callback.
func (m *TaskManager) UpdateTaskStatus(ctx context.Context, taskID string, upd task.StatusUpdate) (_ *task.Task, err error) {
	if !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidProperty, upd.Status)
	}
	ctx, span := mbotel.StartStatusUpdateSpan(ctx, taskID, string(upd.Status))
	defer func() { mbotel.EndSpan(span, err) }()
	log := logger.FromContext(ctx)

	var (
		t       *task.Task
		retried bool
	)
	for attempt := 1; ; attempt++ {
		t, err = m.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("update task status %s: %w", taskID, err)
		}
		if t.IsTerminal(m.cfg.MaxTaskRetries) {
			log.Debug("status update on terminal task ignored", "task_id", taskID, "status", t.Status, "reported", upd.Status)
			return t, nil
		}

		retried = task.ShouldRetry(upd.Status, t.Attempts, m.cfg.MaxTaskRetries)
		if retried {
			t.Status = task.StatusQueued
			t.Attempts++
			t.WorkerID = ""
		} else {
			t.Status = upd.Status
			if t.Status == task.StatusQueued {
				t.WorkerID = ""
			}
			if len(upd.Output) > 0 {
				t.Output = upd.Output
			}
		}
		t.StatusTimestamp = m.now()

		err = m.store.UpdateTask(ctx, t)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= m.cfg.ConflictRetries {
			return nil, fmt.Errorf("update task status %s: %w", taskID, err)
		}
		log.Debug("task modified concurrently, re-evaluating", "task_id", taskID, "attempt", attempt)
	}

	typeAttr := metric.WithAttributes(attribute.String("task.type", t.Type))
	switch {
	case retried:
		m.metrics.TasksRetried.Add(ctx, 1, typeAttr)
		log.Info("task failed, re-queued for retry", "task_id", t.ID, "reported", upd.Status, "attempt", t.Attempts, "max", m.cfg.MaxTaskRetries)
		if err := m.queue.Add(ctx, t); err != nil {
			log.Error("retried task not queued; run admin requeue", "task_id", t.ID, "error", err)
		}
	case t.Status == task.StatusQueued:
		log.Info("task handed back, re-queued", "task_id", t.ID)
		if err := m.queue.Add(ctx, t); err != nil {
			log.Error("returned task not queued; run admin requeue", "task_id", t.ID, "error", err)
		}
	case t.Status == task.StatusCompleted:
		m.metrics.TasksCompleted.Add(ctx, 1, typeAttr)
		log.Info("task completed", "task_id", t.ID)
	case t.Status.IsFailure():
		m.metrics.TasksFailed.Add(ctx, 1, typeAttr)
		log.Info("task failed", "task_id", t.ID, "status", t.Status, "attempts", t.Attempts)
	default:
		log.Info("task status updated", "task_id", t.ID, "status", t.Status)
	}
	if upd.PercentComplete != task.PercentUnknown {
		log.Debug("task progress", "task_id", t.ID, "percent", upd.PercentComplete)
	}

	if upd.Message != "" {
		typ := message.TypeInfo
		if upd.Status.IsFailure() {
			typ = message.TypeError
		}
		m.appendMessage(ctx, message.OwnerTask, t.ID, upd.Message, typ)
	}

	status, _, serr := m.syncGroup(ctx, t.GroupID)
	if serr != nil {
		log.Warn("group status recompute failed", "group_id", t.GroupID, "error", serr)
		if status == "" {
			return t, nil
		}
	}
	m.notify.fire(ctx, t.GroupID, status, t.ID)
	return t, nil
}

// failDirty moves an in-flight task owned by ownerID to FAILED_DIRTY and logs
// reason as an ERROR message. Terminal tasks, tasks in another status and
// tasks owned by someone else are left alone; changed reports whether a
// write happened. Group recomputation is left to the caller.
func (m *TaskManager) failDirty(ctx context.Context, taskID, ownerID, reason string) (t *task.Task, changed bool, err error) {
	for attempt := 1; ; attempt++ {
		t, err = m.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, false, fmt.Errorf("fail task %s: %w", taskID, err)
		}
		inFlight := t.Status == task.StatusExecuting || (t.Status.IsFailure() && !t.IsTerminal(m.cfg.MaxTaskRetries))
		if !inFlight || t.WorkerID != ownerID {
			return t, false, nil
		}

		t.Status = task.StatusFailedDirty
		t.StatusTimestamp = m.now()
		err = m.store.UpdateTask(ctx, t)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= m.cfg.ConflictRetries {
			return nil, false, fmt.Errorf("fail task %s: %w", taskID, err)
		}
	}
	m.appendMessage(ctx, message.OwnerTask, t.ID, reason, message.TypeError)
	logger.FromContext(ctx).Warn("task failed over", "task_id", t.ID, "worker_id", ownerID, "reason", reason)
	return t, true, nil
}

// syncGroup recomputes a group's status from its members and stores it if it
// changed. The aggregated status is returned even when the write fails.
func (m *TaskManager) syncGroup(ctx context.Context, groupID string) (task.Status, bool, error) {
	statuses, err := m.store.ListTaskStatusesByGroup(ctx, groupID)
	if err != nil {
		return "", false, fmt.Errorf("sync group %s: %w", groupID, err)
	}
	status, ok := task.Aggregate(statuses)
	if !ok {
		g, err := m.store.GetTaskGroup(ctx, groupID)
		if err != nil {
			return "", false, fmt.Errorf("sync group %s: %w", groupID, err)
		}
		return g.Status, false, nil
	}
	changed, err := m.store.UpdateTaskGroupStatus(ctx, groupID, status)
	if err != nil {
		return status, false, fmt.Errorf("sync group %s: %w", groupID, err)
	}
	if changed {
		logger.FromContext(ctx).Info("task group status changed", "group_id", groupID, "status", status)
	}
	return status, changed, nil
}

// syncGroupsAndNotify recomputes each affected group and fires a callback
// when its status changed to something other than QUEUED. affected maps a
// group id to the task that triggered the recompute.
func (m *TaskManager) syncGroupsAndNotify(ctx context.Context, affected map[string]string) {
	for groupID, taskID := range affected {
		status, changed, err := m.syncGroup(ctx, groupID)
		if err != nil {
			logger.FromContext(ctx).Warn("group status recompute failed", "group_id", groupID, "error", err)
			continue
		}
		if changed && status != task.StatusQueued {
			m.notify.fire(ctx, groupID, status, taskID)
		}
	}
}

// --- Messages ---

func (m *TaskManager) appendMessage(ctx context.Context, kind message.OwnerKind, ownerID, text string, typ message.Type) {
	msg := &message.Message{OwnerKind: kind, OwnerID: ownerID, Text: text, Type: typ}
	if err := m.store.AddMessage(ctx, msg); err != nil {
		logger.FromContext(ctx).Error("message append failed", "owner_kind", kind, "owner_id", ownerID, "error", err)
	}
}

func newMessage(kind message.OwnerKind, ownerID, text string, typ message.Type) (*message.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is required", domain.ErrInvalidProperty)
	}
	if typ == "" {
		typ = message.TypeInfo
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidProperty, typ)
	}
	return &message.Message{OwnerKind: kind, OwnerID: ownerID, Text: text, Type: typ}, nil
}

// AddMessageToTask appends a message without touching the task status.
func (m *TaskManager) AddMessageToTask(ctx context.Context, taskID, text string, typ message.Type) (*message.Message, error) {
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("add message to task %s: %w", taskID, err)
	}
	msg, err := newMessage(message.OwnerTask, taskID, text, typ)
	if err != nil {
		return nil, err
	}
	if err := m.store.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("add message to task %s: %w", taskID, err)
	}
	return msg, nil
}

// ListTaskMessages returns a task's messages, newest first.
func (m *TaskManager) ListTaskMessages(ctx context.Context, taskID string) ([]message.Message, error) {
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, message.OwnerTask, taskID)
}

// --- Queues ---

// RetrieveTasksFromTaskQueue pops up to max ids of taskType and returns the
// tasks that are still QUEUED. Ids of missing or already claimed tasks are
// dropped.
func (m *TaskManager) RetrieveTasksFromTaskQueue(ctx context.Context, taskType string, max int) ([]task.Task, error) {
	ids, err := m.queue.Get(ctx, taskType, max)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s tasks: %w", taskType, err)
	}
	out := []task.Task{}
	for _, id := range ids {
		t, err := m.store.GetTask(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				logger.FromContext(ctx).Warn("stale task queue entry", "task_id", id, "type", taskType)
				continue
			}
			return out, fmt.Errorf("retrieve %s tasks: %w", taskType, err)
		}
		if t.Status == task.StatusQueued {
			out = append(out, *t)
		}
	}
	return out, nil
}

// statusPartition maps a task id onto one of n status queue partitions so
// that all updates for a task land on the same partition.
func statusPartition(taskID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(n))
}

// AddTaskStatusUpdateToQueue publishes upd on the task's status partition for
// asynchronous application by the status consumers.
func (m *TaskManager) AddTaskStatusUpdateToQueue(ctx context.Context, taskID string, upd task.StatusUpdate) error {
	if !upd.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidProperty, upd.Status)
	}
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return fmt.Errorf("enqueue status update for %s: %w", taskID, err)
	}
	data, err := json.Marshal(messagequeue.StatusUpdatePayload{TaskID: taskID, Update: upd, EnqueuedAt: m.now()})
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	subject := messagequeue.StatusSubject(statusPartition(taskID, m.cfg.StatusPartitions))
	if err := m.bus.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("enqueue status update for %s: %w", taskID, err)
	}
	return nil
}

// QueueLength reports how many ids are queued for taskType.
func (m *TaskManager) QueueLength(ctx context.Context, taskType string) (int64, error) {
	return m.queue.Len(ctx, taskType)
}

// DrainQueues empties the task queue. Stored task status is untouched.
func (m *TaskManager) DrainQueues(ctx context.Context) error {
	if err := m.queue.Drain(ctx); err != nil {
		return fmt.Errorf("drain task queue: %w", err)
	}
	logger.FromContext(ctx).Warn("task queue drained")
	return nil
}

// RequeueAll pushes every QUEUED task back onto the task queue. Duplicate
// ids are harmless: claims are compare-and-swap and stale ids are skipped.
func (m *TaskManager) RequeueAll(ctx context.Context) (int, error) {
	queued, err := m.store.ListTasksByStatus(ctx, task.StatusQueued, 0)
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}
	for i := range queued {
		if err := m.queue.Add(ctx, &queued[i]); err != nil {
			return i, fmt.Errorf("requeue task %s: %w", queued[i].ID, err)
		}
	}
	logger.FromContext(ctx).Info("queued tasks re-pushed", "count", len(queued))
	return len(queued), nil
}

// Package memory implements the broker ports in process memory. It backs the
// "memory" backends for local development and the service and HTTP tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/domain/message"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
)

// Store implements database.Store with a single mutex around plain maps.
type Store struct {
	mu       sync.Mutex
	groups   map[string]*task.TaskGroup
	groupSeq []string
	tasks    map[string]*task.Task
	taskSeq  []string
	workers  map[string]*worker.Worker
	messages []message.Message
	now      func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		groups:  make(map[string]*task.TaskGroup),
		tasks:   make(map[string]*task.Task),
		workers: make(map[string]*worker.Worker),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Task groups ---

func (s *Store) CreateTaskGroup(_ context.Context, g *task.TaskGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	g.ID = uuid.NewString()
	if g.Status == "" {
		g.Status = task.StatusQueued
	}
	g.StatusTimestamp = now
	g.Created = now

	cp := *g
	s.groups[g.ID] = &cp
	s.groupSeq = append(s.groupSeq, g.ID)
	return nil
}

func (s *Store) GetTaskGroup(_ context.Context, id string) (*task.TaskGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("get task group %s: %w", id, domain.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (s *Store) ListTaskGroupsByJob(_ context.Context, jobID string) ([]task.TaskGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.TaskGroup
	for _, id := range s.groupSeq {
		if g := s.groups[id]; g != nil && g.JobID == jobID {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *Store) UpdateTaskGroupStatus(_ context.Context, id string, status task.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return false, fmt.Errorf("update task group status %s: %w", id, domain.ErrNotFound)
	}
	if g.Status == status {
		return false, nil
	}
	g.Status = status
	g.StatusTimestamp = s.now()
	return true, nil
}

func (s *Store) DeleteJob(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doomedGroups := make(map[string]bool)
	for id, g := range s.groups {
		if g.JobID == jobID {
			doomedGroups[id] = true
		}
	}
	if len(doomedGroups) == 0 {
		return 0, nil
	}

	doomedTasks := make(map[string]bool)
	for id, t := range s.tasks {
		if doomedGroups[t.GroupID] {
			doomedTasks[id] = true
			delete(s.tasks, id)
		}
	}
	for id := range doomedGroups {
		delete(s.groups, id)
	}
	s.groupSeq = slices.DeleteFunc(s.groupSeq, func(id string) bool { return doomedGroups[id] })
	s.taskSeq = slices.DeleteFunc(s.taskSeq, func(id string) bool { return doomedTasks[id] })
	s.messages = slices.DeleteFunc(s.messages, func(m message.Message) bool {
		return m.OwnerKind == message.OwnerTask && doomedTasks[m.OwnerID]
	})
	return len(doomedTasks), nil
}

// --- Tasks ---

func (s *Store) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[t.GroupID]; !ok {
		return fmt.Errorf("create task in group %s: %w", t.GroupID, domain.ErrNotFound)
	}

	now := s.now()
	t.ID = uuid.NewString()
	t.StatusTimestamp = now
	t.Created = now
	t.Version = 1

	s.tasks[t.ID] = copyTask(t)
	s.taskSeq = append(s.taskSeq, t.ID)
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *Store) ListTasksByGroup(_ context.Context, groupID string) ([]task.Task, error) {
	return s.collect(func(t *task.Task) bool { return t.GroupID == groupID }, 0), nil
}

func (s *Store) ListTaskStatusesByGroup(_ context.Context, groupID string) ([]task.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.Status
	for _, id := range s.taskSeq {
		if t := s.tasks[id]; t != nil && t.GroupID == groupID {
			out = append(out, t.Status)
		}
	}
	return out, nil
}

func (s *Store) ListTasksByWorker(_ context.Context, workerID string) ([]task.Task, error) {
	return s.collect(func(t *task.Task) bool { return t.WorkerID == workerID }, 0), nil
}

func (s *Store) ListTasksByStatus(_ context.Context, status task.Status, limit int) ([]task.Task, error) {
	return s.collect(func(t *task.Task) bool { return t.Status == status }, limit), nil
}

func (s *Store) ListOrphanedTasks(_ context.Context, limit int) ([]task.Task, error) {
	return s.collect(func(t *task.Task) bool {
		if t.Status != task.StatusExecuting {
			return false
		}
		_, alive := s.workers[t.WorkerID]
		return !alive
	}, limit), nil
}

// collect returns copies of tasks matching keep in creation order.
// limit <= 0 means no limit.
func (s *Store) collect(keep func(*task.Task) bool, limit int) []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []task.Task
	for _, id := range s.taskSeq {
		t := s.tasks[id]
		if t == nil || !keep(t) {
			continue
		}
		out = append(out, *copyTask(t))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *Store) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrNotFound)
	}
	if stored.Version != t.Version {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrConflict)
	}
	t.Version++
	stored.Status = t.Status
	stored.StatusTimestamp = t.StatusTimestamp
	stored.Output = slices.Clone(t.Output)
	stored.Attempts = t.Attempts
	stored.WorkerID = t.WorkerID
	stored.Version = t.Version
	return nil
}

func (s *Store) ClaimTask(_ context.Context, taskID, workerID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("claim task %s: %w", taskID, domain.ErrNotFound)
	}
	w, ok := s.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("claim task %s for worker %s: %w", taskID, workerID, domain.ErrNotFound)
	}
	if w.Status == worker.StatusStopping {
		return nil, fmt.Errorf("claim task %s for worker %s: %w", taskID, workerID, domain.ErrWorkerStopping)
	}
	if t.Status != task.StatusQueued {
		return nil, fmt.Errorf("claim task %s: status %s: %w", taskID, t.Status, domain.ErrConflict)
	}

	t.Status = task.StatusExecuting
	t.StatusTimestamp = s.now()
	t.WorkerID = workerID
	t.Version++
	w.Tasks = append(w.Tasks, taskID)
	return copyTask(t), nil
}

// --- Workers ---

func (s *Store) CreateWorker(_ context.Context, w *worker.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w.ID = uuid.NewString()
	w.Created = now
	w.LastModified = now
	w.StatusTimestamp = now
	w.Version = 1
	if w.Tasks == nil {
		w.Tasks = []string{}
	}
	if w.ExternalIDs == nil {
		w.ExternalIDs = []string{}
	}
	s.workers[w.ID] = copyWorker(w)
	return nil
}

func (s *Store) GetWorker(_ context.Context, id string) (*worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("get worker %s: %w", id, domain.ErrNotFound)
	}
	return copyWorker(w), nil
}

func (s *Store) FindWorkers(_ context.Context, f worker.Filter) ([]worker.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []worker.Worker
	for _, w := range s.workers {
		if f.Matches(w) {
			matched = append(matched, *copyWorker(w))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Created.Equal(matched[j].Created) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Created.After(matched[j].Created)
	})

	if f.Offset >= len(matched) {
		return []worker.Worker{}, nil
	}
	matched = matched[max(f.Offset, 0):]
	if limit := f.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) UpdateWorker(_ context.Context, w *worker.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.workers[w.ID]
	if !ok {
		return fmt.Errorf("update worker %s: %w", w.ID, domain.ErrNotFound)
	}
	if stored.Version != w.Version {
		return fmt.Errorf("update worker %s: %w", w.ID, domain.ErrConflict)
	}
	now := s.now()
	if stored.Status != w.Status {
		stored.StatusTimestamp = now
		w.StatusTimestamp = now
	}
	w.Version++
	w.LastModified = now
	stored.Name = w.Name
	stored.ExternalIDs = slices.Clone(w.ExternalIDs)
	stored.Status = w.Status
	stored.LastModified = now
	stored.LastModifiedBy = w.LastModifiedBy
	stored.Version = w.Version
	w.Tasks = slices.Clone(stored.Tasks)
	return nil
}

func (s *Store) DeleteWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return fmt.Errorf("delete worker %s: %w", id, domain.ErrNotFound)
	}
	delete(s.workers, id)
	return nil
}

// --- Messages ---

func (s *Store) AddMessage(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = uuid.NewString()
	m.Created = s.now()
	s.messages = append(s.messages, *m)
	return nil
}

// ListMessages returns the owner's messages newest first.
func (s *Store) ListMessages(_ context.Context, kind message.OwnerKind, ownerID string) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []message.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if m := s.messages[i]; m.OwnerKind == kind && m.OwnerID == ownerID {
			out = append(out, m)
		}
	}
	return out, nil
}

func copyTask(t *task.Task) *task.Task {
	cp := *t
	cp.Configuration = slices.Clone(t.Configuration)
	cp.Output = slices.Clone(t.Output)
	return &cp
}

func copyWorker(w *worker.Worker) *worker.Worker {
	cp := *w
	cp.ExternalIDs = slices.Clone(w.ExternalIDs)
	cp.Tasks = slices.Clone(w.Tasks)
	return &cp
}

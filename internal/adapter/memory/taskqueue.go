package memory

import (
	"context"
	"sync"

	"github.com/Strob0t/MediaBroker/internal/domain/task"
)

// TaskQueue implements taskqueue.Queue with one slice per task type.
type TaskQueue struct {
	mu     sync.Mutex
	queues map[string][]string
}

// NewTaskQueue creates an empty in-memory task queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{queues: make(map[string][]string)}
}

func (q *TaskQueue) Add(_ context.Context, t *task.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[t.Type] = append(q.queues[t.Type], t.ID)
	return nil
}

func (q *TaskQueue) Get(_ context.Context, taskType string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.queues[taskType]
	n := min(max, len(ids))
	out := make([]string, n)
	copy(out, ids[:n])
	q.queues[taskType] = ids[n:]
	return out, nil
}

func (q *TaskQueue) Len(_ context.Context, taskType string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[taskType])), nil
}

func (q *TaskQueue) Drain(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[string][]string)
	return nil
}

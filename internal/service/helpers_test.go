package service

import (
	"context"
	"sync"
	"testing"

	"github.com/Strob0t/MediaBroker/internal/adapter/callback"
	"github.com/Strob0t/MediaBroker/internal/adapter/memory"
	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/config"
	"github.com/Strob0t/MediaBroker/internal/domain/event"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
	cbport "github.com/Strob0t/MediaBroker/internal/port/callback"
	"github.com/Strob0t/MediaBroker/internal/port/database"
)

// recorder collects callback events fired for one listener key.
type recorder struct {
	mu     sync.Mutex
	events []event.Callback
}

func (r *recorder) listen(_ context.Context, ev event.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []event.Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Callback(nil), r.events...)
}

// dispatcherFunc adapts a function to callback.Dispatcher.
type dispatcherFunc func(ctx context.Context, key string, ev event.Callback) error

func (f dispatcherFunc) Fire(ctx context.Context, key string, ev event.Callback) error {
	return f(ctx, key, ev)
}

type harness struct {
	store   *memory.Store
	queue   *memory.TaskQueue
	bus     *memory.Bus
	tasks   *TaskManager
	broker  *Broker
	metrics *mbotel.Metrics
	events  *recorder
	cfg     config.Broker

	// dispatcher records callbacks for testListener into events.
	dispatcher cbport.Dispatcher
}

const testListener = "stage-a"

// newHarness wires the services over in-memory adapters. Callbacks for
// testListener are recorded.
func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()

	metrics, err := mbotel.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		store:   memory.NewStore(),
		queue:   memory.NewTaskQueue(),
		bus:     memory.NewBus(),
		metrics: metrics,
		events:  &recorder{},
	}
	t.Cleanup(func() { _ = h.bus.Close() })

	registry := callback.NewRegistry()
	registry.Register(testListener, h.events.listen)

	h.cfg = config.Defaults().Broker
	h.cfg.MaxTaskRetries = maxRetries
	h.cfg.StatusPartitions = 4

	h.dispatcher = registry
	h.rewire(h.store, registry)
	return h
}

// rewire rebuilds the services over store and dispatcher, keeping the
// harness queue and bus. Tests use it to put a faulty store or dispatcher in
// front of the memory adapters.
func (h *harness) rewire(store database.Store, dispatcher cbport.Dispatcher) {
	groups := NewGroupDirectory(store, nil, 0)
	h.tasks = NewTaskManager(store, h.queue, h.bus, groups, dispatcher, h.metrics, h.cfg)
	h.broker = NewBroker(store, h.queue, h.tasks, h.metrics)
}

func (h *harness) group(t *testing.T, jobID string) *task.TaskGroup {
	t.Helper()
	g, err := h.tasks.CreateTaskGroup(context.Background(), &task.TaskGroup{JobID: jobID, CallbackListenerID: testListener})
	if err != nil {
		t.Fatalf("CreateTaskGroup: %v", err)
	}
	return g
}

func (h *harness) task(t *testing.T, groupID, typ string) *task.Task {
	t.Helper()
	tk, err := h.tasks.CreateTask(context.Background(), groupID, &task.Task{Type: typ, Priority: 5}, true)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func (h *harness) worker(t *testing.T, name string) *worker.Worker {
	t.Helper()
	w, err := h.broker.RegisterWorker(context.Background(), &worker.Worker{Name: name})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	return w
}

func (h *harness) claim(t *testing.T, workerID, typ string, n int) []task.Task {
	t.Helper()
	got, err := h.broker.GetNextAvailableTasksForWorker(context.Background(), workerID, []task.Capacity{{TaskType: typ, MaxCount: n}})
	if err != nil {
		t.Fatalf("GetNextAvailableTasksForWorker: %v", err)
	}
	return got
}

func (h *harness) mustTask(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask %s: %v", id, err)
	}
	return tk
}

func (h *harness) mustGroup(t *testing.T, id string) *task.TaskGroup {
	t.Helper()
	g, err := h.store.GetTaskGroup(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTaskGroup %s: %v", id, err)
	}
	return g
}

func report(s task.Status, msg string) task.StatusUpdate {
	return task.StatusUpdate{Status: s, Message: msg, PercentComplete: task.PercentUnknown}
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/domain/event"
	"github.com/Strob0t/MediaBroker/internal/domain/message"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/middleware"
)

func TestCreateTaskGroupRequiresJob(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.tasks.CreateTaskGroup(context.Background(), &task.TaskGroup{})
	if !errors.Is(err, domain.ErrInvalidProperty) {
		t.Fatalf("expected ErrInvalidProperty, got %v", err)
	}
}

func TestCreateTaskGroupRecordsPrincipal(t *testing.T) {
	h := newHarness(t, 3)
	ctx := middleware.WithPrincipal(context.Background(), "ingest-stage")

	g, err := h.tasks.CreateTaskGroup(ctx, &task.TaskGroup{JobID: "j1", Status: task.StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != task.StatusQueued {
		t.Errorf("status = %s, want QUEUED", g.Status)
	}
	if g.CreatedBy != "ingest-stage" {
		t.Errorf("createdBy = %q", g.CreatedBy)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t, 3)
	g := h.group(t, "j1")

	tests := []struct {
		name string
		task task.Task
	}{
		{"executing status", task.Task{Type: "TRANSFER", Status: task.StatusExecuting, Priority: 5}},
		{"priority zero", task.Task{Type: "TRANSFER", Priority: 0}},
		{"priority eleven", task.Task{Type: "TRANSFER", Priority: 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := tt.task
			if _, err := h.tasks.CreateTask(context.Background(), g.ID, &tk, true); !errors.Is(err, domain.ErrInvalidProperty) {
				t.Fatalf("expected ErrInvalidProperty, got %v", err)
			}
		})
	}

	got, _ := h.tasks.ListTasks(context.Background(), g.ID)
	if len(got) != 0 {
		t.Fatalf("rejected tasks must not be stored, found %d", len(got))
	}
	if n, _ := h.queue.Len(context.Background(), "TRANSFER"); n != 0 {
		t.Fatalf("rejected tasks must not be queued, found %d", n)
	}
}

func TestCreateTaskUnknownGroup(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.tasks.CreateTask(context.Background(), "missing", &task.Task{Type: "TRANSFER", Priority: 5}, true)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTaskForeignGroupActsAsNotFound(t *testing.T) {
	h := newHarness(t, 3)
	h.tasks.cfg.EnforceGroupOwner = true

	owner := middleware.WithPrincipal(context.Background(), "stage-a")
	g, err := h.tasks.CreateTaskGroup(owner, &task.TaskGroup{JobID: "j1"})
	if err != nil {
		t.Fatal(err)
	}

	other := middleware.WithPrincipal(context.Background(), "stage-b")
	_, err = h.tasks.CreateTask(other, g.ID, &task.Task{Type: "TRANSFER", Priority: 5}, true)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatal("not-authorized must not leak")
	}

	if _, err := h.tasks.CreateTask(owner, g.ID, &task.Task{Type: "TRANSFER", Priority: 5}, true); err != nil {
		t.Fatalf("owner create: %v", err)
	}
}

func TestCreateTaskWithoutQueueing(t *testing.T) {
	h := newHarness(t, 3)
	g := h.group(t, "j1")

	tk, err := h.tasks.CreateTask(context.Background(), g.ID, &task.Task{Type: "TRANSFER", Priority: 5}, false)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != task.StatusQueued {
		t.Errorf("status = %s, want QUEUED", tk.Status)
	}
	if n, _ := h.queue.Len(context.Background(), "TRANSFER"); n != 0 {
		t.Fatalf("queue length = %d, want 0", n)
	}
}

func TestRetryPolicyRequeuesUntilBudgetExhausted(t *testing.T) {
	const retries = 3
	h := newHarness(t, retries)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")

	for attempt := 1; attempt <= retries; attempt++ {
		if got := h.claim(t, w.ID, "TRANSFER", 1); len(got) != 1 || got[0].ID != tk.ID {
			t.Fatalf("attempt %d: expected to claim %s, got %v", attempt, tk.ID, got)
		}
		updated, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(task.StatusFailedClean, "disk full"))
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if updated.Status != task.StatusQueued || updated.Attempts != attempt {
			t.Fatalf("attempt %d: got %s attempts=%d", attempt, updated.Status, updated.Attempts)
		}
		if updated.WorkerID != "" {
			t.Fatalf("attempt %d: retried task still owned by %s", attempt, updated.WorkerID)
		}
	}

	if got := h.claim(t, w.ID, "TRANSFER", 1); len(got) != 1 {
		t.Fatalf("expected final claim, got %v", got)
	}
	final, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(task.StatusFailedClean, "disk full"))
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != task.StatusFailedClean {
		t.Fatalf("after %d failures status = %s, want FAILED_CLEAN", retries+1, final.Status)
	}
	if g := h.mustGroup(t, g.ID); g.Status != task.StatusFailedClean {
		t.Errorf("group status = %s, want FAILED_CLEAN", g.Status)
	}

	msgs, err := h.tasks.ListTaskMessages(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != retries+1 {
		t.Fatalf("expected %d messages, got %d", retries+1, len(msgs))
	}
	for _, m := range msgs {
		if m.Type != message.TypeError {
			t.Errorf("failure report logged as %s", m.Type)
		}
	}
}

func TestFailureWithoutRetriesIsTerminal(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 1)

	got, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(task.StatusFailedDirty, ""))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusFailedDirty {
		t.Fatalf("status = %s, want FAILED_DIRTY", got.Status)
	}
	if g := h.mustGroup(t, g.ID); g.Status != task.StatusFailedDirty {
		t.Fatalf("group status = %s, want FAILED_DIRTY", g.Status)
	}
	if n, _ := h.queue.Len(ctx, "TRANSFER"); n != 0 {
		t.Fatalf("terminal task re-queued")
	}
}

func TestUpdateTerminalTaskIsNoop(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 1)

	upd := report(task.StatusCompleted, "done")
	upd.Output = json.RawMessage(`{"bytes":42}`)
	done, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, upd)
	if err != nil {
		t.Fatal(err)
	}
	fired := len(h.events.all())

	for _, s := range []task.Status{task.StatusFailedDirty, task.StatusQueued, task.StatusCompleted} {
		again, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(s, "late"))
		if err != nil {
			t.Fatalf("late %s: %v", s, err)
		}
		if again.Status != task.StatusCompleted || again.Version != done.Version {
			t.Fatalf("late %s changed the task: %+v", s, again)
		}
	}

	if got := len(h.events.all()); got != fired {
		t.Errorf("no-op fired %d callbacks", got-fired)
	}
	msgs, _ := h.tasks.ListTaskMessages(ctx, tk.ID)
	if len(msgs) != 1 {
		t.Errorf("expected only the completion message, got %d", len(msgs))
	}
	if string(h.mustTask(t, tk.ID).Output) != `{"bytes":42}` {
		t.Error("output lost")
	}
}

func TestUpdateTaskStatusFiresCallbackEveryTransition(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	t1 := h.task(t, g.ID, "TRANSFER")
	t2 := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 2)
	before := len(h.events.all())

	if _, err := h.tasks.UpdateTaskStatus(ctx, t1.ID, report(task.StatusExecuting, "50%")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.tasks.UpdateTaskStatus(ctx, t1.ID, report(task.StatusCompleted, "")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.tasks.UpdateTaskStatus(ctx, t2.ID, report(task.StatusCompleted, "")); err != nil {
		t.Fatal(err)
	}

	events := h.events.all()[before:]
	want := []struct {
		taskID string
		status task.Status
	}{
		{t1.ID, task.StatusExecuting},
		{t1.ID, task.StatusExecuting},
		{t2.ID, task.StatusCompleted},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d callbacks, got %d: %+v", len(want), len(events), events)
	}
	for i, w := range want {
		if events[i].TaskID != w.taskID || events[i].TaskGroupStatus != w.status || events[i].TaskGroupID != g.ID {
			t.Errorf("callback %d = %+v, want task %s group status %s", i, events[i], w.taskID, w.status)
		}
	}
}

func TestUpdateTaskStatusDefaultListener(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	var got []string
	h.tasks.notify.dispatcher = dispatcherFunc(func(_ context.Context, key string, _ event.Callback) error {
		got = append(got, key)
		return nil
	})

	g, err := h.tasks.CreateTaskGroup(ctx, &task.TaskGroup{JobID: "j1"})
	if err != nil {
		t.Fatal(err)
	}
	tk, err := h.tasks.CreateTask(ctx, g.ID, &task.Task{Type: "DELETE", Priority: 1}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(task.StatusCompleted, "")); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "default" {
		t.Fatalf("listener keys = %v, want [default]", got)
	}
}

func TestUpdateTaskStatusUnknownTaskAndStatus(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	if _, err := h.tasks.UpdateTaskStatus(ctx, "missing", report(task.StatusCompleted, "")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	if _, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report("PAUSED", "")); !errors.Is(err, domain.ErrInvalidProperty) {
		t.Fatalf("expected ErrInvalidProperty, got %v", err)
	}
}

func TestUpdateTaskStatusConcurrentReportsApplyOnce(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 1)
	before := len(h.events.all())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := task.StatusCompleted
			if i%2 == 1 {
				s = task.StatusFailedClean
			}
			if _, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(s, "")); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(h.events.all()) - before; got != 1 {
		t.Fatalf("expected exactly one applied transition, got %d callbacks", got)
	}
	final := h.mustTask(t, tk.ID)
	if final.Status != task.StatusCompleted && final.Status != task.StatusFailedClean {
		t.Fatalf("unexpected final status %s", final.Status)
	}
}

func TestAddMessageToTask(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")

	msg, err := h.tasks.AddMessageToTask(ctx, tk.ID, "copying chunk 3", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != message.TypeInfo {
		t.Errorf("type = %s, want INFO", msg.Type)
	}
	if h.mustTask(t, tk.ID).Status != task.StatusQueued {
		t.Error("message changed the task status")
	}

	if _, err := h.tasks.AddMessageToTask(ctx, tk.ID, "  ", ""); !errors.Is(err, domain.ErrInvalidProperty) {
		t.Errorf("expected ErrInvalidProperty for blank text, got %v", err)
	}
	if _, err := h.tasks.AddMessageToTask(ctx, tk.ID, "x", "WARN"); !errors.Is(err, domain.ErrInvalidProperty) {
		t.Errorf("expected ErrInvalidProperty for unknown type, got %v", err)
	}
	if _, err := h.tasks.AddMessageToTask(ctx, "missing", "x", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRetrieveTasksFromTaskQueueSkipsClaimed(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	t1 := h.task(t, g.ID, "TRANSFER")
	t2 := h.task(t, g.ID, "TRANSFER")

	w := h.worker(t, "w1")
	if _, err := h.store.ClaimTask(ctx, t1.ID, w.ID); err != nil {
		t.Fatal(err)
	}

	got, err := h.tasks.RetrieveTasksFromTaskQueue(ctx, "TRANSFER", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != t2.ID {
		t.Fatalf("expected only %s, got %+v", t2.ID, got)
	}
	if n, _ := h.queue.Len(ctx, "TRANSFER"); n != 0 {
		t.Fatalf("ids must be popped, %d left", n)
	}
}

func TestDeleteJobTasks(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g1 := h.group(t, "j1")
	g2 := h.group(t, "j1")
	other := h.group(t, "j2")
	h.task(t, g1.ID, "TRANSFER")
	h.task(t, g2.ID, "TRANSFER")
	h.task(t, g2.ID, "DELETE")
	keep := h.task(t, other.ID, "TRANSFER")

	n, err := h.tasks.DeleteJobTasks(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("deleted %d tasks, want 3", n)
	}
	if _, err := h.tasks.GetTaskGroup(ctx, g1.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("group survived: %v", err)
	}
	h.mustTask(t, keep.ID)
}

func TestRequeueAllAndDrain(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	h.task(t, g.ID, "TRANSFER")
	h.task(t, g.ID, "DELETE")

	if err := h.tasks.DrainQueues(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := h.tasks.QueueLength(ctx, "TRANSFER"); n != 0 {
		t.Fatalf("length after drain = %d", n)
	}
	if h.mustGroup(t, g.ID).Status != task.StatusQueued {
		t.Fatal("drain touched stored state")
	}

	n, err := h.tasks.RequeueAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("requeued %d, want 2", n)
	}
	if l, _ := h.tasks.QueueLength(ctx, "DELETE"); l != 1 {
		t.Fatalf("DELETE length = %d, want 1", l)
	}
}

func TestStatusPartitionIsStable(t *testing.T) {
	seen := make(map[int]bool)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		p := statusPartition(id, 4)
		if p < 0 || p >= 4 {
			t.Fatalf("partition %d out of range", p)
		}
		if statusPartition(id, 4) != p {
			t.Fatalf("partition of %s not stable", id)
		}
		seen[p] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected ids spread over partitions, got %v", seen)
	}
	if statusPartition("anything", 1) != 0 {
		t.Error("single partition must be 0")
	}
}

func TestMaxRetriesClamped(t *testing.T) {
	h := newHarness(t, 42)
	if got := h.tasks.MaxRetries(); got != task.MaxRetriesLimit {
		t.Fatalf("MaxRetries = %d, want %d", got, task.MaxRetriesLimit)
	}
}

func TestUpdateTaskStatusQueuedReportReleasesTask(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	first := h.worker(t, "w1")
	second := h.worker(t, "w2")
	h.claim(t, first.ID, "TRANSFER", 1)

	got, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(task.StatusQueued, "handing back"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusQueued || got.WorkerID != "" || got.Attempts != 0 {
		t.Fatalf("handed back task = %+v", got)
	}
	if n, _ := h.queue.Len(ctx, "TRANSFER"); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	reclaimed := h.claim(t, second.ID, "TRANSFER", 1)
	if len(reclaimed) != 1 || reclaimed[0].ID != tk.ID || reclaimed[0].WorkerID != second.ID {
		t.Fatalf("re-claim = %+v", reclaimed)
	}
}

func TestUpdateTaskStatusDispatchFailureNotReturned(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	calls := 0
	h.rewire(h.store, dispatcherFunc(func(context.Context, string, event.Callback) error {
		calls++
		return errors.New("listener unreachable")
	}))

	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 1)
	calls = 0

	got, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(task.StatusCompleted, "done"))
	if err != nil {
		t.Fatalf("dispatch error leaked to caller: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("returned status = %s", got.Status)
	}
	if stored := h.mustTask(t, tk.ID); stored.Status != task.StatusCompleted {
		t.Fatalf("stored status = %s, want COMPLETED", stored.Status)
	}
	if h.mustGroup(t, g.ID).Status != task.StatusCompleted {
		t.Fatal("group not COMPLETED")
	}
	if calls != 1 {
		t.Fatalf("dispatcher called %d times, want 1", calls)
	}
}

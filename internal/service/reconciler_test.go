package service

import (
	"context"
	"testing"

	"github.com/Strob0t/MediaBroker/internal/domain/task"
)

func TestReconcilerFailsOrphansAndRetries(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	orphan := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 1)

	// The worker record vanished without an unregister.
	if err := h.store.DeleteWorker(ctx, w.ID); err != nil {
		t.Fatal(err)
	}

	r := NewReconciler(h.store, h.tasks, 0)
	rep, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Orphaned != 1 || rep.Retried != 1 {
		t.Fatalf("report = %+v, want 1 orphaned and 1 retried", rep)
	}

	got := h.mustTask(t, orphan.ID)
	if got.Status != task.StatusQueued || got.Attempts != 1 {
		t.Fatalf("orphan = %s attempts=%d, want QUEUED attempts=1", got.Status, got.Attempts)
	}
	if n, _ := h.queue.Len(ctx, "TRANSFER"); n != 1 {
		t.Fatalf("orphan not re-queued, length %d", n)
	}
	if h.mustGroup(t, g.ID).Status != task.StatusQueued {
		t.Errorf("group status = %s, want QUEUED", h.mustGroup(t, g.ID).Status)
	}

	again, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Orphaned != 0 || again.Retried != 0 {
		t.Fatalf("second pass report = %+v, want empty", again)
	}
}

func TestReconcilerLeavesTerminalFailures(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 1)
	if _, err := h.tasks.UpdateTaskStatus(ctx, tk.ID, report(task.StatusFailedClean, "")); err != nil {
		t.Fatal(err)
	}

	rep, err := NewReconciler(h.store, h.tasks, 10).Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Retried != 0 {
		t.Fatalf("terminal failure retried: %+v", rep)
	}
	if h.mustTask(t, tk.ID).Status != task.StatusFailedClean {
		t.Fatal("terminal failure changed")
	}
}

func TestReconcilerSchedule(t *testing.T) {
	h := newHarness(t, 3)
	r := NewReconciler(h.store, h.tasks, 10)

	if err := r.Start(context.Background(), ""); err != nil {
		t.Fatalf("empty schedule: %v", err)
	}
	r.Stop()

	if err := r.Start(context.Background(), "not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}

	if err := r.Start(context.Background(), "@every 1h"); err != nil {
		t.Fatal(err)
	}
	r.Stop()
}

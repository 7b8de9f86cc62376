package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
)

func waitForStatus(t *testing.T, h *harness, taskID string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		tk := h.mustTask(t, taskID)
		if tk.Status == want {
			return tk
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s status = %s, want %s", taskID, tk.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusConsumerAppliesQueuedUpdates(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	w := h.worker(t, "w1")
	h.claim(t, w.ID, "TRANSFER", 1)

	c := NewStatusConsumer(h.bus, h.tasks, h.metrics)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	for _, upd := range []task.StatusUpdate{
		{Status: task.StatusExecuting, PercentComplete: 10, Message: "10%"},
		{Status: task.StatusExecuting, PercentComplete: 90, Message: "90%"},
		{Status: task.StatusCompleted, PercentComplete: 100, Message: "done"},
	} {
		if err := h.tasks.AddTaskStatusUpdateToQueue(ctx, tk.ID, upd); err != nil {
			t.Fatalf("AddTaskStatusUpdateToQueue: %v", err)
		}
	}

	waitForStatus(t, h, tk.ID, task.StatusCompleted)

	// Per-task order is kept: messages come back newest first.
	msgs, err := h.tasks.ListTaskMessages(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"done", "90%", "10%"}
	if len(msgs) != len(want) {
		t.Fatalf("messages = %+v", msgs)
	}
	for i := range want {
		if msgs[i].Text != want[i] {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Text, want[i])
		}
	}
}

func TestAddTaskStatusUpdateToQueueValidates(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	if err := h.tasks.AddTaskStatusUpdateToQueue(ctx, "missing", report(task.StatusCompleted, "")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	g := h.group(t, "j1")
	tk := h.task(t, g.ID, "TRANSFER")
	if err := h.tasks.AddTaskStatusUpdateToQueue(ctx, tk.ID, report("DONE", "")); !errors.Is(err, domain.ErrInvalidProperty) {
		t.Fatalf("expected ErrInvalidProperty, got %v", err)
	}
}

func TestStatusConsumerHandleOutcomes(t *testing.T) {
	h := newHarness(t, 3)
	c := NewStatusConsumer(h.bus, h.tasks, h.metrics)
	ctx := context.Background()
	subject := messagequeue.StatusSubject(0)

	data, _ := json.Marshal(messagequeue.StatusUpdatePayload{
		TaskID:     "vanished",
		Update:     report(task.StatusCompleted, ""),
		EnqueuedAt: time.Now().Add(-time.Second),
	})
	if err := c.handle(ctx, subject, data); err != nil {
		t.Errorf("update for a deleted task must be acknowledged, got %v", err)
	}

	if err := c.handle(ctx, subject, []byte("{")); err == nil {
		t.Error("expected error for malformed payload")
	}
}

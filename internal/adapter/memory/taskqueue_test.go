package memory

import (
	"context"
	"testing"

	"github.com/Strob0t/MediaBroker/internal/domain/task"
)

func TestTaskQueueFIFOPerType(t *testing.T) {
	q := NewTaskQueue()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_ = q.Add(ctx, &task.Task{ID: id, Type: "TRANSFER"})
	}
	_ = q.Add(ctx, &task.Task{ID: "x", Type: "DELETE"})

	got, _ := q.Get(ctx, "TRANSFER", 2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
	got, _ = q.Get(ctx, "TRANSFER", 5)
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("expected [c], got %v", got)
	}
	got, _ = q.Get(ctx, "TRANSFER", 5)
	if len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
	if n, _ := q.Len(ctx, "DELETE"); n != 1 {
		t.Fatalf("expected DELETE length 1, got %d", n)
	}
}

func TestTaskQueueGetNonPositiveMax(t *testing.T) {
	q := NewTaskQueue()
	_ = q.Add(context.Background(), &task.Task{ID: "a", Type: "TRANSFER"})
	got, _ := q.Get(context.Background(), "TRANSFER", 0)
	if len(got) != 0 {
		t.Fatalf("expected nothing for max=0, got %v", got)
	}
	if n, _ := q.Len(context.Background(), "TRANSFER"); n != 1 {
		t.Fatalf("max=0 must not consume, len=%d", n)
	}
}

func TestTaskQueueDrain(t *testing.T) {
	q := NewTaskQueue()
	ctx := context.Background()
	_ = q.Add(ctx, &task.Task{ID: "a", Type: "TRANSFER"})
	_ = q.Add(ctx, &task.Task{ID: "b", Type: "DELETE"})

	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	for _, typ := range []string{"TRANSFER", "DELETE"} {
		if n, _ := q.Len(ctx, typ); n != 0 {
			t.Fatalf("expected %s drained, len=%d", typ, n)
		}
	}
}

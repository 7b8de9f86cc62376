package nats

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/MediaBroker/internal/domain/event"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

// uniqueSubject returns a callback subject private to the running test.
func uniqueSubject(t *testing.T) string {
	t.Helper()
	return messagequeue.CallbackSubject("test_" + strings.ReplaceAll(t.Name(), "/", "_"))
}

func callbackData(t *testing.T, groupID string) []byte {
	t.Helper()
	data, err := json.Marshal(event.Callback{TaskGroupID: groupID, TaskGroupStatus: task.StatusCompleted})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// dlqConsumer consumes <subject>.dlq from now on and reports the first payload.
func dlqConsumer(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()
	c, err := q.js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		FilterSubject: subject + ".dlq",
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("create DLQ consumer: %v", err)
	}
	out := make(chan []byte, 1)
	var once sync.Once
	sub, err := c.Consume(func(msg jetstream.Msg) {
		once.Do(func() { out <- msg.Data() })
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("consume DLQ: %v", err)
	}
	t.Cleanup(sub.Stop)
	return out
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)

	got := make(chan event.Callback, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(_ context.Context, _ string, d []byte) error {
		var ev event.Callback
		if err := json.Unmarshal(d, &ev); err != nil {
			return err
		}
		select {
		case got <- ev:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, callbackData(t, "g-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.TaskGroupID != "g-1" {
			t.Errorf("taskGroupId = %q, want g-1", ev.TaskGroupID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_PublishRejectsInvalidPayload(t *testing.T) {
	q := testConnect(t)
	if err := q.Publish(context.Background(), messagequeue.StatusSubject(0), []byte(`{"taskId":""}`)); err == nil {
		t.Fatal("expected validation error for status payload without taskId")
	}
}

func TestQueue_RequestIDPropagation(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)
	const wantReqID = "req-abc-123"

	got := make(chan string, 1)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, _ string, _ []byte) error {
		select {
		case got <- logger.RequestID(ctx):
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	ctx := logger.WithRequestID(context.Background(), wantReqID)
	if err := q.Publish(ctx, subject, callbackData(t, "g-2")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case id := <-got:
		if id != wantReqID {
			t.Errorf("request ID = %q, want %q", id, wantReqID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestQueue_InvalidMessageGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)
	dlq := dlqConsumer(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		t.Error("handler must not see an invalid message")
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	// Bypass Publish so the payload is not validated on the way in.
	if _, err := q.js.Publish(context.Background(), subject, []byte("not-json")); err != nil {
		t.Fatalf("raw publish: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != "not-json" {
			t.Errorf("DLQ data = %q, want not-json", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message")
	}
}

func TestQueue_RetryExhaustionGoesToDLQ(t *testing.T) {
	q := testConnect(t)
	subject := uniqueSubject(t)
	dlq := dlqConsumer(t, q, subject)

	stop, err := q.Subscribe(context.Background(), subject, func(context.Context, string, []byte) error {
		return errAlwaysFail
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	payload := callbackData(t, "g-exhausted")
	msg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header{}}
	msg.Header.Set(headerRetryCount, "3")
	if _, err := q.js.PublishMsg(context.Background(), msg); err != nil {
		t.Fatalf("PublishMsg: %v", err)
	}

	select {
	case data := <-dlq:
		if string(data) != string(payload) {
			t.Errorf("DLQ data = %q, want %q", data, payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for DLQ message after retry exhaustion")
	}
}

func TestQueue_KeyValue(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	kv, err := q.KeyValue(ctx, "test-kv-"+t.Name(), 30*time.Second)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	if _, err := kv.Put(ctx, "group", []byte("stage-a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "group")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != "stage-a" {
		t.Errorf("value = %q, want stage-a", entry.Value())
	}
}

func TestQueue_DrainDisconnects(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if err := q.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if q.IsConnected() {
		t.Error("still connected after Drain")
	}
}

func TestDurableName(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"tasks.status.p3", "mediabroker_tasks_status_p3"},
		{"callbacks.>", "mediabroker_callbacks_all"},
		{"callbacks.*", "mediabroker_callbacks_any"},
	}
	for _, tt := range tests {
		if got := durableName(tt.subject); got != tt.want {
			t.Errorf("durableName(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}

// errAlwaysFail is returned by handlers that should always fail.
var errAlwaysFail = errSentinel("handler always fails")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

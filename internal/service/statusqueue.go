package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
)

// StatusConsumer applies queued status updates. It subscribes once per
// partition; the queue delivers one partition's messages sequentially, so
// updates for a given task are applied in the order they were enqueued.
type StatusConsumer struct {
	bus        messagequeue.Queue
	tasks      *TaskManager
	partitions int
	metrics    *mbotel.Metrics
	cancels    []func()
}

// NewStatusConsumer creates a consumer for partitions 0..partitions-1.
func NewStatusConsumer(bus messagequeue.Queue, tasks *TaskManager, metrics *mbotel.Metrics) *StatusConsumer {
	return &StatusConsumer{
		bus:        bus,
		tasks:      tasks,
		partitions: tasks.cfg.StatusPartitions,
		metrics:    metrics,
	}
}

// Start subscribes to every partition. Subscriptions end when ctx is
// cancelled or Stop is called.
func (c *StatusConsumer) Start(ctx context.Context) error {
	for p := range c.partitions {
		cancel, err := c.bus.Subscribe(ctx, messagequeue.StatusSubject(p), c.handle)
		if err != nil {
			c.Stop()
			return fmt.Errorf("subscribe status partition %d: %w", p, err)
		}
		c.cancels = append(c.cancels, cancel)
	}
	slog.Info("status consumers started", "partitions", c.partitions)
	return nil
}

// Stop cancels every partition subscription.
func (c *StatusConsumer) Stop() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}

// handle applies one update. Updates for tasks that no longer exist and
// invalid updates are acknowledged and dropped; anything else is returned for
// redelivery.
func (c *StatusConsumer) handle(ctx context.Context, subject string, data []byte) error {
	var p messagequeue.StatusUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal status update: %w", err)
	}
	if !p.EnqueuedAt.IsZero() {
		c.metrics.StatusLag.Record(ctx, time.Since(p.EnqueuedAt).Seconds())
	}

	_, err := c.tasks.UpdateTaskStatus(ctx, p.TaskID, p.Update)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidProperty):
		logger.FromContext(ctx).Warn("status update dropped", "subject", subject, "task_id", p.TaskID, "error", err)
		return nil
	}
	return err
}

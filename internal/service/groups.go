package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/domain/event"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/port/callback"
	"github.com/Strob0t/MediaBroker/internal/port/database"
)

// GroupCache loads a value at most once per key across concurrent callers
// and keeps it for ttl. tiered.Cache implements it.
type GroupCache interface {
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// groupRef is the cached callback addressing of a task group. It never
// changes after creation.
type groupRef struct {
	CallbackListenerID string `json:"callbackListenerId,omitempty"`
}

// GroupDirectory resolves task group addressing through an optional cache.
type GroupDirectory struct {
	store database.Store
	cache GroupCache
	ttl   time.Duration
}

// NewGroupDirectory creates a GroupDirectory. A nil cache reads the store
// every time.
func NewGroupDirectory(store database.Store, cache GroupCache, ttl time.Duration) *GroupDirectory {
	return &GroupDirectory{store: store, cache: cache, ttl: ttl}
}

func groupCacheKey(groupID string) string { return "group." + groupID }

func (d *GroupDirectory) load(ctx context.Context, groupID string) ([]byte, error) {
	g, err := d.store.GetTaskGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(groupRef{CallbackListenerID: g.CallbackListenerID})
}

func (d *GroupDirectory) lookup(ctx context.Context, groupID string) (groupRef, error) {
	var (
		data []byte
		err  error
	)
	if d.cache == nil {
		data, err = d.load(ctx, groupID)
	} else {
		data, err = d.cache.GetOrLoad(ctx, groupCacheKey(groupID), d.ttl, func(ctx context.Context) ([]byte, error) {
			return d.load(ctx, groupID)
		})
	}
	if err != nil {
		return groupRef{}, fmt.Errorf("resolve task group %s: %w", groupID, err)
	}

	var ref groupRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return groupRef{}, fmt.Errorf("decode task group %s: %w", groupID, err)
	}
	return ref, nil
}

// forget drops a deleted group from the cache.
func (d *GroupDirectory) forget(ctx context.Context, groupID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, groupCacheKey(groupID)); err != nil {
		slog.Warn("group cache delete failed", "group_id", groupID, "error", err)
	}
}

// notifier turns group status results into callback events.
type notifier struct {
	groups     *GroupDirectory
	dispatcher callback.Dispatcher
	defaultKey string
	metrics    *mbotel.Metrics
}

// fire addresses ev to the group's listener (or the default key) and hands
// it to the dispatcher. Failures are logged and counted, never returned.
func (n *notifier) fire(ctx context.Context, groupID string, status task.Status, taskID string) {
	log := logger.FromContext(ctx)

	ref, err := n.groups.lookup(ctx, groupID)
	if err != nil {
		log.Warn("callback skipped: group lookup failed", "group_id", groupID, "task_id", taskID, "error", err)
		n.metrics.CallbacksFailed.Add(ctx, 1)
		return
	}
	key := ref.CallbackListenerID
	if key == "" {
		key = n.defaultKey
	}

	ev := event.Callback{TaskGroupID: groupID, TaskGroupStatus: status, TaskID: taskID}
	attrs := metric.WithAttributes(attribute.String("listener", key))
	if err := n.dispatcher.Fire(ctx, key, ev); err != nil {
		log.Error("callback delivery failed", "listener", key, "group_id", groupID, "task_id", taskID, "error", err)
		n.metrics.CallbacksFailed.Add(ctx, 1, attrs)
		return
	}
	n.metrics.CallbacksFired.Add(ctx, 1, attrs)
	log.Debug("callback fired", "listener", key, "group_id", groupID, "group_status", status, "task_id", taskID)
}

// Package redis implements the task queue on Redis lists, one list per task
// type.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/MediaBroker/internal/domain/task"
)

const defaultKeyPrefix = "mediabroker"

// TaskQueue implements taskqueue.Queue. Ids are pushed to the tail of
// <prefix>:queue:<type> and popped from the head, so each type is FIFO.
type TaskQueue struct {
	client *redis.Client
	prefix string
}

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewTaskQueue wraps client. An empty prefix falls back to "mediabroker".
func NewTaskQueue(client *redis.Client, prefix string) *TaskQueue {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &TaskQueue{client: client, prefix: prefix}
}

func (q *TaskQueue) queueKey(taskType string) string {
	return q.prefix + ":queue:" + taskType
}

func (q *TaskQueue) typesKey() string {
	return q.prefix + ":queue-types"
}

func (q *TaskQueue) Add(ctx context.Context, t *task.Task) error {
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, q.typesKey(), t.Type)
		p.RPush(ctx, q.queueKey(t.Type), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// Get removes and returns up to max ids from the head of the type's list.
// LRANGE and LTRIM run in one MULTI block so two brokers never see the same id.
func (q *TaskQueue) Get(ctx context.Context, taskType string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	key := q.queueKey(taskType)

	var head *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		head = p.LRange(ctx, key, 0, int64(max-1))
		p.LTrim(ctx, key, int64(max), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis dequeue %s: %w", taskType, err)
	}
	return head.Val(), nil
}

func (q *TaskQueue) Len(ctx context.Context, taskType string) (int64, error) {
	n, err := q.client.LLen(ctx, q.queueKey(taskType)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue length %s: %w", taskType, err)
	}
	return n, nil
}

// Drain deletes every known type list.
func (q *TaskQueue) Drain(ctx context.Context) error {
	types, err := q.client.SMembers(ctx, q.typesKey()).Result()
	if err != nil {
		return fmt.Errorf("redis list queue types: %w", err)
	}
	keys := make([]string, 0, len(types)+1)
	for _, typ := range types {
		keys = append(keys, q.queueKey(typ))
	}
	keys = append(keys, q.typesKey())
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis drain queues: %w", err)
	}
	return nil
}

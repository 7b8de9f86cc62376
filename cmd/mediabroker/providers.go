package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/MediaBroker/internal/adapter/callback"
	"github.com/Strob0t/MediaBroker/internal/adapter/memory"
	mbnats "github.com/Strob0t/MediaBroker/internal/adapter/nats"
	"github.com/Strob0t/MediaBroker/internal/adapter/natskv"
	"github.com/Strob0t/MediaBroker/internal/adapter/postgres"
	mbredis "github.com/Strob0t/MediaBroker/internal/adapter/redis"
	"github.com/Strob0t/MediaBroker/internal/adapter/ristretto"
	"github.com/Strob0t/MediaBroker/internal/adapter/tiered"
	"github.com/Strob0t/MediaBroker/internal/config"
	"github.com/Strob0t/MediaBroker/internal/domain/event"
	"github.com/Strob0t/MediaBroker/internal/port/cache"
	cbport "github.com/Strob0t/MediaBroker/internal/port/callback"
	"github.com/Strob0t/MediaBroker/internal/port/database"
	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
	"github.com/Strob0t/MediaBroker/internal/port/taskqueue"
	"github.com/Strob0t/MediaBroker/internal/resilience"
	"github.com/Strob0t/MediaBroker/internal/service"
)

// providers holds the adapters selected by cfg.Backends.
type providers struct {
	store database.Store
	queue taskqueue.Queue
	bus   messagequeue.Queue
	nats  *mbnats.Queue // nil unless the bus is NATS

	closers []func()
}

// Close releases connections in reverse order of opening.
func (p *providers) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// openProviders connects every configured backend. With migrate set the
// Postgres schema is brought up to date first.
func openProviders(ctx context.Context, cfg *config.Config, migrate bool) (_ *providers, err error) {
	p := &providers{}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	switch cfg.Backends.Store {
	case config.BackendPostgres:
		if migrate {
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
			slog.Info("migrations applied")
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		p.closers = append(p.closers, pool.Close)
		p.store = postgres.NewStore(pool)
		slog.Info("postgres connected")
	case config.BackendMemory:
		p.store = memory.NewStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backends.Store)
	}

	switch cfg.Backends.TaskQueue {
	case config.BackendRedis:
		client, err := mbredis.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		p.closers = append(p.closers, func() { _ = client.Close() })
		p.queue = mbredis.NewTaskQueue(client, cfg.Redis.KeyPrefix)
		slog.Info("redis connected")
	case config.BackendMemory:
		p.queue = memory.NewTaskQueue()
	default:
		return nil, fmt.Errorf("unknown task queue backend %q", cfg.Backends.TaskQueue)
	}

	switch cfg.Backends.Bus {
	case config.BackendNATS:
		q, err := mbnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		p.closers = append(p.closers, func() { _ = q.Close() })
		p.bus, p.nats = q, q
	case config.BackendMemory:
		b := memory.NewBus()
		p.closers = append(p.closers, func() { _ = b.Close() })
		p.bus = b
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backends.Bus)
	}
	return p, nil
}

// groupCache builds the ristretto L1 + NATS KV L2 group metadata cache. It
// returns nil without NATS, in which case lookups go to the store.
func (p *providers) groupCache(ctx context.Context, cfg config.Cache) (service.GroupCache, error) {
	if p.nats == nil {
		return nil, nil
	}
	kv, err := p.nats.KeyValue(ctx, cfg.L2Bucket, cfg.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("group cache bucket: %w", err)
	}
	l1, err := ristretto.New(cfg.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("group cache l1: %w", err)
	}
	p.closers = append(p.closers, l1.Close)
	return tiered.New(l1, natskv.New(kv), cfg.L2TTL), nil
}

// idempotencyCache stores replayable responses in a NATS KV bucket, or in a
// process-local ristretto cache without NATS.
func (p *providers) idempotencyCache(ctx context.Context, cfg config.Cache) (cache.Cache, error) {
	if p.nats != nil {
		kv, err := p.nats.KeyValue(ctx, cfg.IdempotencyBucket, cfg.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("idempotency bucket: %w", err)
		}
		return natskv.New(kv), nil
	}
	local, err := ristretto.New(cfg.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	p.closers = append(p.closers, local.Close)
	return local, nil
}

// dispatcher publishes callbacks over NATS behind a circuit breaker. In
// memory mode callbacks go to an in-process registry that logs events for
// the default listener.
func (p *providers) dispatcher(cfg *config.Config) cbport.Dispatcher {
	if p.nats != nil {
		breaker := resilience.NewBreaker("callbacks", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
		return callback.NewPublisher(p.bus, breaker)
	}
	registry := callback.NewRegistry()
	registry.Register(cfg.Broker.DefaultListener, func(_ context.Context, ev event.Callback) {
		slog.Info("callback", "listener", cfg.Broker.DefaultListener,
			"group_id", ev.TaskGroupID, "group_status", ev.TaskGroupStatus, "task_id", ev.TaskID)
	})
	return registry
}

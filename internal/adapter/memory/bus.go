package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
)

const (
	busBuffer     = 1024
	busMaxDeliver = 3
	busRetryPause = 50 * time.Millisecond
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("memory bus closed")

// Bus implements messagequeue.Queue in process. Each subscription owns a
// buffered channel drained by a single goroutine, so messages on one
// subscription are handled sequentially in publish order. A failing handler
// is retried a few times before the message is dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	pattern string
	ch      chan busMsg
	handler messagequeue.Handler
	once    sync.Once
}

type busMsg struct {
	subject string
	data    []byte
}

// NewBus creates an in-process message bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for s := range b.subs {
		if !subjectMatches(s.pattern, subject) {
			continue
		}
		select {
		case s.ch <- busMsg{subject: subject, data: append([]byte(nil), data...)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	s := &subscription{pattern: subject, ch: make(chan busMsg, busBuffer), handler: handler}
	b.subs[s] = struct{}{}
	b.wg.Add(1)
	go b.run(ctx, s)

	return func() { b.unsubscribe(s) }, nil
}

func (b *Bus) run(ctx context.Context, s *subscription) {
	defer b.wg.Done()
	for msg := range s.ch {
		for attempt := 1; ; attempt++ {
			err := s.handler(ctx, msg.subject, msg.data)
			if err == nil {
				break
			}
			if attempt >= busMaxDeliver {
				slog.Error("memory bus: dropping message after retries", "subject", msg.subject, "error", err)
				break
			}
			slog.Warn("memory bus: handler failed, redelivering", "subject", msg.subject, "attempt", attempt, "error", err)
			time.Sleep(busRetryPause)
		}
	}
}

func (b *Bus) unsubscribe(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// Drain stops accepting messages and waits until every buffered message has
// been handled.
func (b *Bus) Drain() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	b.wg.Wait()
	return nil
}

func (b *Bus) Close() error {
	return b.Drain()
}

func (b *Bus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// subjectMatches supports exact subjects and a trailing ".>" wildcard.
func subjectMatches(pattern, subject string) bool {
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	return pattern == subject
}

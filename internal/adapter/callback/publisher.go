// Package callback implements the callback dispatcher port: a publisher that
// puts events on the message queue under callbacks.<listenerKey>, and an
// in-process registry of listener functions.
package callback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/MediaBroker/internal/domain/event"
	"github.com/Strob0t/MediaBroker/internal/port/messagequeue"
	"github.com/Strob0t/MediaBroker/internal/resilience"
)

// Publisher publishes callback events through a message queue guarded by a
// circuit breaker.
type Publisher struct {
	queue   messagequeue.Queue
	breaker *resilience.Breaker
}

// NewPublisher creates a Publisher. A nil breaker publishes unguarded.
func NewPublisher(queue messagequeue.Queue, breaker *resilience.Breaker) *Publisher {
	return &Publisher{queue: queue, breaker: breaker}
}

// Fire publishes ev on callbacks.<listenerKey>. It returns
// resilience.ErrCircuitOpen while the breaker is open.
func (p *Publisher) Fire(ctx context.Context, listenerKey string, ev event.Callback) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	subject := messagequeue.CallbackSubject(listenerKey)
	publish := func() error { return p.queue.Publish(ctx, subject, data) }

	if p.breaker == nil {
		err = publish()
	} else {
		err = p.breaker.Execute(publish)
	}
	if err != nil {
		return fmt.Errorf("fire callback %s: %w", subject, err)
	}
	return nil
}

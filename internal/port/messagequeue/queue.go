// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"fmt"
)

// Handler processes a message received from the queue.
// Returning an error asks the transport to redeliver the message.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Messages on one subscription are handled one at a time, in order.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject prefixes used by the broker.
const (
	SubjectTaskStatus = "tasks.status" // tasks.status.p{partition}
	SubjectCallback   = "callbacks"    // callbacks.{listenerKey}
)

// StatusSubject returns the subject of a status queue partition.
func StatusSubject(partition int) string {
	return fmt.Sprintf("%s.p%d", SubjectTaskStatus, partition)
}

// CallbackSubject returns the subject a listener key is published on.
func CallbackSubject(listenerKey string) string {
	return SubjectCallback + "." + listenerKey
}

// Package callback defines the port for delivering task group callback events
// to pipeline-stage listeners.
package callback

import (
	"context"

	"github.com/Strob0t/MediaBroker/internal/domain/event"
)

// Dispatcher delivers events to whatever listens under listenerKey.
// Delivery is best effort; an absent listener is not an error.
type Dispatcher interface {
	Fire(ctx context.Context, listenerKey string, ev event.Callback) error
}

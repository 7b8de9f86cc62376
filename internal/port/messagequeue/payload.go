package messagequeue

import (
	"time"

	"github.com/Strob0t/MediaBroker/internal/domain/task"
)

// StatusUpdatePayload is the schema for tasks.status.* messages.
type StatusUpdatePayload struct {
	TaskID     string            `json:"taskId"`
	Update     task.StatusUpdate `json:"update"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// Package event defines the callback event emitted when task status changes
// may have changed a task group's status.
package event

import "github.com/Strob0t/MediaBroker/internal/domain/task"

// Callback is a point-in-time notification addressed to a pipeline-stage
// listener. Consumers must be idempotent on (TaskGroupID, TaskID).
type Callback struct {
	TaskGroupID     string      `json:"taskGroupId"`
	TaskGroupStatus task.Status `json:"taskGroupStatus"`
	TaskID          string      `json:"taskId"`
}

// Package task defines the Task and TaskGroup domain entities together with
// the pure policies that drive their lifecycle: creation validation, the
// retry policy and group status aggregation.
package task

import (
	"encoding/json"
	"time"
)

// Task is the smallest unit of dispatchable work, owned by one TaskGroup.
type Task struct {
	ID              string          `json:"id"`
	GroupID         string          `json:"taskGroupId"`
	Type            string          `json:"type"`
	Description     string          `json:"description,omitempty"`
	Status          Status          `json:"status"`
	StatusTimestamp time.Time       `json:"statusTimestamp"`
	Priority        int             `json:"priority"`
	Configuration   json.RawMessage `json:"configuration,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	WorkerID        string          `json:"workerId,omitempty"`
	Created         time.Time       `json:"created"`
	Version         int             `json:"version"`

	// Attempts counts retries granted by the retry policy. Not part of the
	// public representation.
	Attempts int `json:"-"`
}

// IsTerminal reports whether no further status transition is accepted:
// the task completed, or failed with its retry budget exhausted.
func (t *Task) IsTerminal(maxRetries int) bool {
	if t.Status == StatusCompleted {
		return true
	}
	return t.Status.IsFailure() && t.Attempts >= maxRetries
}

// TaskGroup is a set of tasks created together for one pipeline stage.
// Status is derived from the member tasks and never set directly.
type TaskGroup struct {
	ID                 string    `json:"id"`
	JobID              string    `json:"jobId"`
	PipelineID         string    `json:"pipelineId,omitempty"`
	CallbackListenerID string    `json:"callbackListenerId,omitempty"`
	Status             Status    `json:"status"`
	StatusTimestamp    time.Time `json:"statusTimestamp"`
	CreatedBy          string    `json:"createdBy,omitempty"`
	Created            time.Time `json:"created"`
}

// StatusUpdate is the input to a status transition.
type StatusUpdate struct {
	Status          Status          `json:"status"`
	Message         string          `json:"message,omitempty"`
	PercentComplete int             `json:"percentComplete"`
	Output          json.RawMessage `json:"output,omitempty"`
}

// PercentUnknown marks a StatusUpdate without progress information.
const PercentUnknown = -1

// Capacity asks for up to MaxCount queued tasks of TaskType.
type Capacity struct {
	TaskType string `json:"taskType"`
	MaxCount int    `json:"maxCount"`
}

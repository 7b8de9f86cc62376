// Package worker defines the Worker domain entity: a remote process that
// claims and executes tasks.
package worker

import (
	"fmt"
	"time"
)

// Status represents a worker's availability for new work.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusActive   Status = "ACTIVE"
	StatusStopping Status = "STOPPING"
)

// Valid reports whether s is a known worker status.
func (s Status) Valid() bool {
	return s == StatusStarting || s == StatusActive || s == StatusStopping
}

// Worker is a registered task executor. Tasks only grows: it records every
// task id ever claimed by this worker.
type Worker struct {
	ID              string    `json:"id"`
	Name            string    `json:"workerName,omitempty"`
	ExternalIDs     []string  `json:"externalIds"`
	Status          Status    `json:"status"`
	StatusTimestamp time.Time `json:"statusTimestamp"`
	Tasks           []string  `json:"tasks"`
	Created         time.Time `json:"created"`
	CreatedBy       string    `json:"createdBy,omitempty"`
	LastModified    time.Time `json:"lastModified"`
	LastModifiedBy  string    `json:"lastModifiedBy,omitempty"`
	Version         int       `json:"version"`
}

// AcceptsWork reports whether the worker may be handed new tasks.
func (w *Worker) AcceptsWork() bool {
	return w.Status != StatusStopping
}

// DisplayName returns the worker name, falling back to its id.
func (w *Worker) DisplayName() string {
	if w.Name != "" {
		return fmt.Sprintf("%s (%s)", w.Name, w.ID)
	}
	return w.ID
}

// Filter narrows a worker search. Zero values match everything.
type Filter struct {
	Status     Status
	Name       string
	ExternalID string
	Limit      int
	Offset     int
}

// DefaultLimit caps a search without an explicit limit.
const DefaultLimit = 100

// Matches reports whether w satisfies the filter predicates (pagination aside).
func (f Filter) Matches(w *Worker) bool {
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if f.Name != "" && w.Name != f.Name {
		return false
	}
	if f.ExternalID != "" {
		found := false
		for _, id := range w.ExternalIDs {
			if id == f.ExternalID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EffectiveLimit returns the page size to apply.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > DefaultLimit {
		return DefaultLimit
	}
	return f.Limit
}

// UpdateRequest carries the mutable worker fields.
type UpdateRequest struct {
	Name        *string  `json:"workerName,omitempty"`
	ExternalIDs []string `json:"externalIds,omitempty"`
	Status      *Status  `json:"status,omitempty"`
	Version     int      `json:"version"`
}

// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
// For task claims it also signals that the task was no longer QUEUED.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrWorkerStopping indicates a claim for a worker that is being unregistered.
var ErrWorkerStopping = errors.New("worker is stopping")

// ErrInvalidProperty indicates an entity failed creation-time validation.
var ErrInvalidProperty = errors.New("invalid property")

// ErrNotAuthorized indicates the caller may not access the referenced entity.
var ErrNotAuthorized = errors.New("not authorized")

// Package message defines the append-only log entries attached to tasks and
// workers.
package message

import "time"

// Type classifies a message.
type Type string

const (
	TypeInfo  Type = "INFO"
	TypeError Type = "ERROR"
)

// OwnerKind names the entity kind a message is attached to.
type OwnerKind string

const (
	OwnerTask   OwnerKind = "task"
	OwnerWorker OwnerKind = "worker"
)

// Message is a single log entry. Listings are ordered by Created descending.
type Message struct {
	ID        string    `json:"id"`
	OwnerKind OwnerKind `json:"ownerKind"`
	OwnerID   string    `json:"ownerId"`
	Text      string    `json:"text"`
	Type      Type      `json:"type"`
	Created   time.Time `json:"created"`
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return t == TypeInfo || t == TypeError
}

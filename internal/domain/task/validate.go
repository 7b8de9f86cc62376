package task

import (
	"fmt"
	"strings"

	"github.com/Strob0t/MediaBroker/internal/domain"
)

const (
	MinPriority = 1
	MaxPriority = 10
)

// Validator inspects a task and returns a non-empty message when it is invalid.
type Validator func(t *Task) string

// CreationValidators are applied, in order, to every new task.
var CreationValidators = []Validator{
	requireType,
	requireQueuedStatus,
	requirePriorityInRange,
}

func requireType(t *Task) string {
	if strings.TrimSpace(t.Type) == "" {
		return "type is required"
	}
	return ""
}

func requireQueuedStatus(t *Task) string {
	if t.Status != StatusQueued {
		return fmt.Sprintf("status must be %s, got %q", StatusQueued, t.Status)
	}
	return ""
}

func requirePriorityInRange(t *Task) string {
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Sprintf("priority must be between %d and %d, got %d", MinPriority, MaxPriority, t.Priority)
	}
	return ""
}

// ValidateNew applies validators in order and joins every message into a
// single error wrapping domain.ErrInvalidProperty. An empty status is
// normalized to QUEUED before validation.
func ValidateNew(t *Task, validators ...Validator) error {
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if len(validators) == 0 {
		validators = CreationValidators
	}
	var msgs []string
	for _, v := range validators {
		if msg := v(t); msg != "" {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidProperty, strings.Join(msgs, "; "))
	}
	return nil
}

package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Strob0t/MediaBroker/internal/domain/event"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case strings.HasPrefix(subject, SubjectTaskStatus+"."):
		var p StatusUpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("taskId is required"))
		}
		if !p.Update.Status.Valid() {
			return fmt.Errorf("schema validation failed for %s: unknown status %q", subject, p.Update.Status)
		}
	case strings.HasPrefix(subject, SubjectCallback+"."):
		var ev event.Callback
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if ev.TaskGroupID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("taskGroupId is required"))
		}
	}
	return nil
}

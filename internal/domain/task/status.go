package task

// Status represents the lifecycle state of a task or task group.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusExecuting   Status = "EXECUTING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailedDirty Status = "FAILED_DIRTY"
	StatusFailedClean Status = "FAILED_CLEAN"
)

// IsFailure reports whether s is one of the failed statuses.
func (s Status) IsFailure() bool {
	return s == StatusFailedDirty || s == StatusFailedClean
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusExecuting, StatusCompleted, StatusFailedDirty, StatusFailedClean:
		return true
	}
	return false
}

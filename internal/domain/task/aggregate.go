package task

// aggregateWeight orders statuses for group aggregation; the lowest weight
// present among the members wins.
var aggregateWeight = map[Status]int{
	StatusExecuting:   1,
	StatusQueued:      2,
	StatusFailedDirty: 3,
	StatusFailedClean: 4,
	StatusCompleted:   5,
}

// Aggregate derives a group status from its member task statuses. It returns
// false when there are no members with a known status.
func Aggregate(statuses []Status) (Status, bool) {
	var (
		best   Status
		bestW  int
		exists bool
	)
	for _, s := range statuses {
		w, ok := aggregateWeight[s]
		if !ok {
			continue
		}
		if !exists || w < bestW {
			best, bestW, exists = s, w, true
		}
	}
	return best, exists
}

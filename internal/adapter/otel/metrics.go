package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "mediabroker"

// Metrics holds the broker's metric instruments.
type Metrics struct {
	TasksCreated        metric.Int64Counter
	TasksClaimed        metric.Int64Counter
	TasksRetried        metric.Int64Counter
	TasksCompleted      metric.Int64Counter
	TasksFailed         metric.Int64Counter
	CallbacksFired      metric.Int64Counter
	CallbacksFailed     metric.Int64Counter
	WorkersRegistered   metric.Int64Counter
	WorkersUnregistered metric.Int64Counter
	ClaimDuration       metric.Float64Histogram
	StatusLag           metric.Float64Histogram
}

// NewMetrics creates every instrument on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksCreated, "mediabroker.tasks.created", "Tasks created"},
		{&m.TasksClaimed, "mediabroker.tasks.claimed", "Tasks claimed by workers"},
		{&m.TasksRetried, "mediabroker.tasks.retried", "Failed tasks re-queued by the retry policy"},
		{&m.TasksCompleted, "mediabroker.tasks.completed", "Tasks reported COMPLETED"},
		{&m.TasksFailed, "mediabroker.tasks.failed", "Tasks that ended in a terminal failure"},
		{&m.CallbacksFired, "mediabroker.callbacks.fired", "Callbacks delivered to the dispatcher"},
		{&m.CallbacksFailed, "mediabroker.callbacks.failed", "Callbacks the dispatcher rejected"},
		{&m.WorkersRegistered, "mediabroker.workers.registered", "Workers registered"},
		{&m.WorkersUnregistered, "mediabroker.workers.unregistered", "Workers unregistered"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	var err error
	m.ClaimDuration, err = meter.Float64Histogram("mediabroker.claim.duration_seconds",
		metric.WithDescription("Time to serve one GetNextAvailableTasksForWorker call"))
	if err != nil {
		return nil, err
	}

	m.StatusLag, err = meter.Float64Histogram("mediabroker.status.lag_seconds",
		metric.WithDescription("Delay between enqueueing a status update and applying it"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

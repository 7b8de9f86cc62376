package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/middleware"
	"github.com/Strob0t/MediaBroker/internal/port/database"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Orphaned int `json:"orphaned"` // EXECUTING tasks of vanished workers failed over
	Retried  int `json:"retried"`  // FAILED_* tasks with retries left re-evaluated
}

// Reconciler repairs state that a crashed or interrupted broker call left
// behind: tasks still owned by a worker record that no longer exists and
// failed tasks that were never run through the retry policy.
type Reconciler struct {
	store database.Store
	tasks *TaskManager
	batch int

	mu   sync.Mutex // serializes passes
	cron *cron.Cron
}

// NewReconciler creates a Reconciler handling at most batch tasks of each
// kind per pass.
func NewReconciler(store database.Store, tasks *TaskManager, batch int) *Reconciler {
	if batch <= 0 {
		batch = 500
	}
	return &Reconciler{store: store, tasks: tasks, batch: batch}
}

// Start runs Run on schedule until Stop. An empty schedule disables it.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		slog.Info("reconciler disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Run(ctx); err != nil {
			slog.Error("reconcile pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	slog.Info("reconciler started", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Run performs one pass. Per-task failures are logged and skipped so the
// next pass can pick them up.
func (r *Reconciler) Run(ctx context.Context) (report ReconcileReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = middleware.WithPrincipal(ctx, middleware.SystemPrincipal)
	ctx, span := mbotel.StartReconcileSpan(ctx)
	defer func() { mbotel.EndSpan(span, err) }()

	orphans, err := r.store.ListOrphanedTasks(ctx, r.batch)
	if err != nil {
		return report, fmt.Errorf("list orphaned tasks: %w", err)
	}
	affected := make(map[string]string)
	for i := range orphans {
		o := &orphans[i]
		reason := fmt.Sprintf("worker %s no longer registered", o.WorkerID)
		t, changed, ferr := r.tasks.failDirty(ctx, o.ID, o.WorkerID, reason)
		if ferr != nil {
			slog.Warn("orphan failover failed", "task_id", o.ID, "error", ferr)
			continue
		}
		if changed {
			affected[t.GroupID] = t.ID
			report.Orphaned++
		}
	}
	r.tasks.syncGroupsAndNotify(ctx, affected)

	for _, status := range []task.Status{task.StatusFailedDirty, task.StatusFailedClean} {
		failed, err := r.store.ListTasksByStatus(ctx, status, r.batch)
		if err != nil {
			return report, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for i := range failed {
			t := &failed[i]
			if t.IsTerminal(r.tasks.MaxRetries()) {
				continue
			}
			if _, err := r.tasks.UpdateTaskStatus(ctx, t.ID, task.StatusUpdate{Status: t.Status, PercentComplete: task.PercentUnknown}); err != nil {
				slog.Warn("failed task retry evaluation failed", "task_id", t.ID, "error", err)
				continue
			}
			report.Retried++
		}
	}

	if report.Orphaned > 0 || report.Retried > 0 {
		slog.Info("reconcile pass done", "orphaned", report.Orphaned, "retried", report.Retried)
	}
	return report, nil
}

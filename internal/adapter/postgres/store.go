package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/domain/task"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// existsOr reports why a guarded write touched no rows: domain.ErrNotFound if
// the row is gone, otherwise conflict.
func (s *Store) existsOr(ctx context.Context, table, id string, conflict error, op string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return notFoundWrap(err, "%s %s", op, id)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, conflict)
}

// --- Task groups ---

const groupColumns = `id::text, job_id, pipeline_id, callback_listener_id, status, status_timestamp, created_by, created`

func scanGroup(row scannable) (task.TaskGroup, error) {
	var g task.TaskGroup
	err := row.Scan(&g.ID, &g.JobID, &g.PipelineID, &g.CallbackListenerID, &g.Status, &g.StatusTimestamp, &g.CreatedBy, &g.Created)
	return g, err
}

func (s *Store) CreateTaskGroup(ctx context.Context, g *task.TaskGroup) error {
	if g.Status == "" {
		g.Status = task.StatusQueued
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO task_groups (job_id, pipeline_id, callback_listener_id, status, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id::text, status_timestamp, created`,
		g.JobID, g.PipelineID, g.CallbackListenerID, string(g.Status), g.CreatedBy,
	).Scan(&g.ID, &g.StatusTimestamp, &g.Created)
	if err != nil {
		return fmt.Errorf("create task group: %w", err)
	}
	return nil
}

func (s *Store) GetTaskGroup(ctx context.Context, id string) (*task.TaskGroup, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM task_groups WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get task group %s", id)
	}
	return &g, nil
}

func (s *Store) ListTaskGroupsByJob(ctx context.Context, jobID string) ([]task.TaskGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM task_groups WHERE job_id = $1 ORDER BY created, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list task groups for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var groups []task.TaskGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *Store) UpdateTaskGroupStatus(ctx context.Context, id string, status task.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_groups SET status = $2, status_timestamp = now()
		 WHERE id = $1 AND status <> $2`, id, string(status))
	if err != nil {
		return false, notFoundWrap(err, "update task group status %s", id)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTaskGroup(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`DELETE FROM messages m
		 USING tasks t JOIN task_groups g ON g.id = t.group_id
		 WHERE m.owner_kind = 'task' AND m.owner_id = t.id::text AND g.job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("delete messages for job %s: %w", jobID, err)
	}

	var deleted int
	err = tx.QueryRow(ctx,
		`WITH d AS (
		     DELETE FROM tasks t USING task_groups g
		     WHERE t.group_id = g.id AND g.job_id = $1
		     RETURNING t.id
		 ) SELECT count(*) FROM d`, jobID).Scan(&deleted)
	if err != nil {
		return 0, fmt.Errorf("delete tasks for job %s: %w", jobID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_groups WHERE job_id = $1`, jobID); err != nil {
		return 0, fmt.Errorf("delete task groups for job %s: %w", jobID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit delete job %s: %w", jobID, err)
	}
	return deleted, nil
}

// --- Tasks ---

const taskColumns = `id::text, group_id::text, type, description, status, status_timestamp, priority,
	configuration, output, COALESCE(worker_id::text, ''), attempts, version, created`

func scanTask(row scannable) (task.Task, error) {
	var (
		t             task.Task
		configuration []byte
		output        []byte
	)
	err := row.Scan(&t.ID, &t.GroupID, &t.Type, &t.Description, &t.Status, &t.StatusTimestamp, &t.Priority,
		&configuration, &output, &t.WorkerID, &t.Attempts, &t.Version, &t.Created)
	if err != nil {
		return t, err
	}
	t.Configuration = configuration
	t.Output = output
	return t, nil
}

func (s *Store) queryTasks(ctx context.Context, op, where string, args ...any) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks t `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (group_id, type, description, status, priority, configuration)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id::text, status_timestamp, created, version`,
		t.GroupID, t.Type, t.Description, string(t.Status), t.Priority, jsonOrNull(t.Configuration),
	).Scan(&t.ID, &t.StatusTimestamp, &t.Created, &t.Version)
	if err != nil {
		if isInvalidReference(err) {
			return fmt.Errorf("create task in group %s: %w", t.GroupID, domain.ErrNotFound)
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListTasksByGroup(ctx context.Context, groupID string) ([]task.Task, error) {
	tasks, err := s.queryTasks(ctx, "list tasks by group", `WHERE group_id = $1 ORDER BY created, id`, groupID)
	if err != nil && isInvalidReference(err) {
		return nil, nil
	}
	return tasks, err
}

func (s *Store) ListTaskStatusesByGroup(ctx context.Context, groupID string) ([]task.Status, error) {
	rows, err := s.pool.Query(ctx, `SELECT status FROM tasks WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, notFoundWrap(err, "list task statuses for group %s", groupID)
	}
	defer rows.Close()

	var statuses []task.Status
	for rows.Next() {
		var st task.Status
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan task status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

func (s *Store) ListTasksByWorker(ctx context.Context, workerID string) ([]task.Task, error) {
	return s.queryTasks(ctx, "list tasks by worker", `WHERE worker_id::text = $1 ORDER BY created, id`, workerID)
}

func (s *Store) ListTasksByStatus(ctx context.Context, status task.Status, limit int) ([]task.Task, error) {
	return s.queryTasks(ctx, "list tasks by status",
		`WHERE status = $1 ORDER BY created, id LIMIT $2`, string(status), limitOrAll(limit))
}

func (s *Store) ListOrphanedTasks(ctx context.Context, limit int) ([]task.Task, error) {
	return s.queryTasks(ctx, "list orphaned tasks",
		`WHERE t.status = $1
		   AND NOT EXISTS (SELECT 1 FROM workers w WHERE w.id = t.worker_id)
		 ORDER BY t.created, t.id LIMIT $2`, string(task.StatusExecuting), limitOrAll(limit))
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $2, status_timestamp = $3, output = $4, attempts = $5,
		        worker_id = $6::uuid, version = version + 1
		 WHERE id = $1 AND version = $7
		 RETURNING version`,
		t.ID, string(t.Status), t.StatusTimestamp, jsonOrNull(t.Output), t.Attempts, nullIfEmpty(t.WorkerID), t.Version,
	).Scan(&t.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return notFoundWrap(err, "update task %s", t.ID)
	}
	return s.existsOr(ctx, "tasks", t.ID, domain.ErrConflict, "update task")
}

func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	claimed, err := scanTask(tx.QueryRow(ctx,
		`UPDATE tasks t SET status = $3, status_timestamp = now(), worker_id = $2::uuid, version = version + 1
		 WHERE id = $1 AND status = $4
		 RETURNING `+taskColumns,
		taskID, workerID, string(task.StatusExecuting), string(task.StatusQueued)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.existsOr(ctx, "tasks", taskID, domain.ErrConflict, "claim task")
		}
		return nil, notFoundWrap(err, "claim task %s for worker %s", taskID, workerID)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE workers SET task_ids = array_append(task_ids, $2) WHERE id = $1 AND status <> $3`,
		workerID, taskID, string(worker.StatusStopping))
	if err != nil {
		return nil, notFoundWrap(err, "claim task %s for worker %s", taskID, workerID)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workers WHERE id = $1)`, workerID).Scan(&exists); err != nil {
			return nil, notFoundWrap(err, "claim task %s for worker %s", taskID, workerID)
		}
		if !exists {
			return nil, fmt.Errorf("claim task %s for worker %s: %w", taskID, workerID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("claim task %s for worker %s: %w", taskID, workerID, domain.ErrWorkerStopping)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim task %s: %w", taskID, err)
	}
	return &claimed, nil
}

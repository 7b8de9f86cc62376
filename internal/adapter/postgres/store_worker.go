package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/MediaBroker/internal/domain"
	"github.com/Strob0t/MediaBroker/internal/domain/worker"
)

const workerColumns = `id::text, name, external_ids, status, status_timestamp, task_ids,
	created, created_by, last_modified, last_modified_by, version`

func scanWorker(row scannable) (worker.Worker, error) {
	var w worker.Worker
	err := row.Scan(&w.ID, &w.Name, &w.ExternalIDs, &w.Status, &w.StatusTimestamp, &w.Tasks,
		&w.Created, &w.CreatedBy, &w.LastModified, &w.LastModifiedBy, &w.Version)
	w.ExternalIDs = orEmpty(w.ExternalIDs)
	w.Tasks = orEmpty(w.Tasks)
	return w, err
}

func (s *Store) CreateWorker(ctx context.Context, w *worker.Worker) error {
	w.ExternalIDs = orEmpty(w.ExternalIDs)
	w.Tasks = orEmpty(w.Tasks)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO workers (name, external_ids, status, created_by, last_modified_by)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING id::text, status_timestamp, created, last_modified, last_modified_by, version`,
		w.Name, w.ExternalIDs, string(w.Status), w.CreatedBy,
	).Scan(&w.ID, &w.StatusTimestamp, &w.Created, &w.LastModified, &w.LastModifiedBy, &w.Version)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*worker.Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get worker %s", id)
	}
	return &w, nil
}

func (s *Store) FindWorkers(ctx context.Context, f worker.Filter) ([]worker.Worker, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Name != "" {
		add("name = $%d", f.Name)
	}
	if f.ExternalID != "" {
		add("$%d = ANY(external_ids)", f.ExternalID)
	}

	query := `SELECT ` + workerColumns + ` FROM workers`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, f.EffectiveLimit(), max(f.Offset, 0))
	query += fmt.Sprintf(` ORDER BY created DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find workers: %w", err)
	}
	defer rows.Close()

	workers := []worker.Worker{}
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpdateWorker writes the mutable fields and refreshes w with the stored
// timestamps, version and task list. The task list itself is only ever
// changed by ClaimTask.
func (s *Store) UpdateWorker(ctx context.Context, w *worker.Worker) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE workers SET name = $2, external_ids = $3, status = $4,
		        status_timestamp = CASE WHEN status <> $4 THEN now() ELSE status_timestamp END,
		        last_modified = now(), last_modified_by = $5, version = version + 1
		 WHERE id = $1 AND version = $6
		 RETURNING status_timestamp, last_modified, task_ids, version`,
		w.ID, w.Name, orEmpty(w.ExternalIDs), string(w.Status), w.LastModifiedBy, w.Version,
	).Scan(&w.StatusTimestamp, &w.LastModified, &w.Tasks, &w.Version)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return notFoundWrap(err, "update worker %s", w.ID)
	}
	return s.existsOr(ctx, "workers", w.ID, domain.ErrConflict, "update worker")
}

func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil && isInvalidReference(err) {
		return fmt.Errorf("delete worker %s: %w", id, domain.ErrNotFound)
	}
	return execExpectOne(tag, err, "delete worker %s", id)
}

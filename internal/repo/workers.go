package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fixitnow/internal/domain"
)

const workerColumns = `id,COALESCE(name,''),available,completed_jobs,rating,rating_count,created_at,updated_at`

func scanWorker(s scanner) (domain.Worker, error) {
	var w domain.Worker
	var available int
	err := s.Scan(&w.ID, &w.Name, &available, &w.CompletedJobs, &w.Rating, &w.RatingCount, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	w.Available = available != 0
	w.Categories = []domain.Category{}
	return w, err
}

// UpsertWorker writes the profile fields and replaces the category set.
// Counters are never touched here.
func (r Repo) UpsertWorker(ctx context.Context, tx *sql.Tx, w domain.Worker) error {
	q := r.on(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO workers(id,name,available,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, available=excluded.available, updated_at=excluded.updated_at`,
		w.ID, nullable(w.Name), boolInt(w.Available), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM worker_categories WHERE worker_id=?`, w.ID); err != nil {
		return err
	}
	for _, c := range w.Categories {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO worker_categories(worker_id, category) VALUES (?,?)`, w.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetWorkerAvailability(ctx context.Context, tx *sql.Tx, id string, available bool, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE workers SET available=?, updated_at=? WHERE id=?`, boolInt(available), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorker(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	q := r.on(tx)
	w, err := scanWorker(q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id))
	if err != nil {
		return w, err
	}
	cats, err := r.loadCategories(ctx, q, []string{id})
	if err != nil {
		return w, err
	}
	if c := cats[id]; c != nil {
		w.Categories = c
	}
	return w, nil
}

func (r Repo) loadCategories(ctx context.Context, q querier, ids []string) (map[string][]domain.Category, error) {
	out := make(map[string][]domain.Category, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT worker_id, category FROM worker_categories WHERE worker_id IN (`+placeholders(len(ids))+`) ORDER BY worker_id, category`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var c domain.Category
		if err := rows.Scan(&id, &c); err != nil {
			return nil, err
		}
		out[id] = append(out[id], c)
	}
	return out, rows.Err()
}

type WorkerFilter struct {
	Category      domain.Category
	AvailableOnly bool
}

func (f WorkerFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Category != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM worker_categories c WHERE c.worker_id=workers.id AND c.category=?)")
		args = append(args, f.Category)
	}
	if f.AvailableOnly {
		clauses = append(clauses, "available=1")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) ListWorkers(ctx context.Context, f WorkerFilter) ([]domain.Worker, error) {
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	res := []domain.Worker{}
	var ids []string
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, w)
		ids = append(ids, w.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	cats, err := r.loadCategories(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if c := cats[res[i].ID]; c != nil {
			res[i].Categories = c
		}
	}
	return res, nil
}

// WorkerIDs returns the ids of workers selected by f, sorted.
func (r Repo) WorkerIDs(ctx context.Context, f WorkerFilter) ([]string, error) {
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM workers `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IncrementCompletedJobs bumps the completed counter of a worker.
func (r Repo) IncrementCompletedJobs(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE workers SET completed_jobs=completed_jobs+1, updated_at=? WHERE id=?`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddWorkerRating folds score into the worker's running average.
func (r Repo) AddWorkerRating(ctx context.Context, tx *sql.Tx, id string, score int, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE workers
SET rating=(rating*rating_count + ?)/(rating_count + 1), rating_count=rating_count+1, updated_at=?
WHERE id=?`, float64(score), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

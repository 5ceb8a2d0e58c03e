package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fixitnow/internal/domain"
)

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	// Before restricts to events with a smaller id, for paging backwards.
	Before int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, f.Before)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	return r.queryEvents(ctx, fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where), args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// AppendEvent writes one row to the event log.
func (r Repo) AppendEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.Type, e.EntityKind, nullable(e.EntityID), e.ActorID, e.Payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fixitnow/internal/domain"
)

const issueColumns = `id,customer_id,category,title,description,urgency,budget_min,budget_max,budget_currency,
address,city,state,zip_code,lat,lng,contact_phone,images_json,status,assigned_worker,evidence_json,rating,version,
created_at,updated_at,matched_at,accepted_at,started_at,submitted_at,completed_at,cancelled_at`

func scanIssue(s scanner) (domain.Issue, error) {
	var it domain.Issue
	var bMin, bMax, lat, lng sql.NullFloat64
	var bCur, city, state, zip, assigned sql.NullString
	var matched, accepted, started, submitted, completed, cancelled sql.NullString
	var images, evidence string
	var rating sql.NullInt64
	err := s.Scan(&it.ID, &it.CustomerID, &it.Category, &it.Title, &it.Description, &it.Urgency,
		&bMin, &bMax, &bCur, &it.Location.Address, &city, &state, &zip, &lat, &lng,
		&it.ContactPhone, &images, &it.Status, &assigned, &evidence, &rating, &it.Version,
		&it.CreatedAt, &it.UpdatedAt, &matched, &accepted, &started, &submitted, &completed, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if bMin.Valid || bMax.Valid {
		it.Budget = &domain.Budget{Min: bMin.Float64, Max: bMax.Float64, Currency: bCur.String}
	}
	it.Location.City = city.String
	it.Location.State = state.String
	it.Location.ZipCode = zip.String
	if lat.Valid && lng.Valid {
		it.Location.Coordinates = &domain.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	it.AssignedWorker = assigned.String
	if rating.Valid {
		r := int(rating.Int64)
		it.Rating = &r
	}
	if err := json.Unmarshal([]byte(images), &it.Images); err != nil {
		return it, fmt.Errorf("decode images of %s: %w", it.ID, err)
	}
	if err := json.Unmarshal([]byte(evidence), &it.CompletionEvidence); err != nil {
		return it, fmt.Errorf("decode evidence of %s: %w", it.ID, err)
	}
	it.MatchedAt = stringPtr(matched)
	it.AcceptedAt = stringPtr(accepted)
	it.StartedAt = stringPtr(started)
	it.SubmittedAt = stringPtr(submitted)
	it.CompletedAt = stringPtr(completed)
	it.CancelledAt = stringPtr(cancelled)
	it.MatchedWorkers = []string{}
	return it, nil
}

func encodeRefs(refs []string) (string, error) {
	if refs == nil {
		refs = []string{}
	}
	b, err := json.Marshal(refs)
	return string(b), err
}

func budgetArgs(b *domain.Budget) (any, any, any) {
	if b == nil {
		return nil, nil, nil
	}
	return b.Min, b.Max, nullable(b.Currency)
}

func coordArgs(c *domain.Coordinates) (any, any) {
	if c == nil {
		return nil, nil
	}
	return c.Lat, c.Lng
}

// InsertIssue stores a new issue. Matches are not written here.
func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, it domain.Issue) error {
	images, err := encodeRefs(it.Images)
	if err != nil {
		return err
	}
	evidence, err := encodeRefs(it.CompletionEvidence)
	if err != nil {
		return err
	}
	bMin, bMax, bCur := budgetArgs(it.Budget)
	lat, lng := coordArgs(it.Location.Coordinates)
	if it.Version == 0 {
		it.Version = 1
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (`+placeholders(30)+`)`,
		it.ID, it.CustomerID, it.Category, it.Title, it.Description, it.Urgency, bMin, bMax, bCur,
		it.Location.Address, nullable(it.Location.City), nullable(it.Location.State), nullable(it.Location.ZipCode), lat, lng,
		it.ContactPhone, images, it.Status, nullable(it.AssignedWorker), evidence, nullableIntPtr(it.Rating), it.Version,
		it.CreatedAt, it.UpdatedAt, nullableStringPtr(it.MatchedAt), nullableStringPtr(it.AcceptedAt), nullableStringPtr(it.StartedAt),
		nullableStringPtr(it.SubmittedAt), nullableStringPtr(it.CompletedAt), nullableStringPtr(it.CancelledAt))
	return err
}

// GetIssue loads an issue with its matched worker set.
func (r Repo) GetIssue(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	q := r.on(tx)
	it, err := scanIssue(q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
	if err != nil {
		return it, err
	}
	matches, err := r.loadMatches(ctx, q, []string{id})
	if err != nil {
		return it, err
	}
	if ws := matches[id]; ws != nil {
		it.MatchedWorkers = ws
	}
	return it, nil
}

func (r Repo) loadMatches(ctx context.Context, q querier, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, `SELECT issue_id, worker_id FROM issue_matches WHERE issue_id IN (`+placeholders(len(ids))+`) ORDER BY issue_id, worker_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var issueID, workerID string
		if err := rows.Scan(&issueID, &workerID); err != nil {
			return nil, err
		}
		out[issueID] = append(out[issueID], workerID)
	}
	return out, rows.Err()
}

// IssuePatch is a partial update. Nil fields are left untouched. Timestamp
// fields are written with COALESCE so a timestamp that is already set keeps
// its original value.
type IssuePatch struct {
	Status             *domain.Status
	Title              *string
	Description        *string
	Urgency            *domain.Urgency
	Budget             **domain.Budget
	Location           *domain.Location
	ContactPhone       *string
	Images             *[]string
	AssignedWorker     *string
	CompletionEvidence *[]string
	MatchedWorkers     *[]string
	Rating             *int

	MatchedAt   string
	AcceptedAt  string
	StartedAt   string
	SubmittedAt string
	CompletedAt string
	CancelledAt string
}

// Empty reports whether the patch writes nothing.
func (p IssuePatch) Empty() bool {
	return p.Status == nil && p.Title == nil && p.Description == nil && p.Urgency == nil &&
		p.Budget == nil && p.Location == nil && p.ContactPhone == nil && p.Images == nil &&
		p.AssignedWorker == nil && p.CompletionEvidence == nil && p.MatchedWorkers == nil &&
		p.Rating == nil && p.MatchedAt == "" && p.AcceptedAt == "" && p.StartedAt == "" &&
		p.SubmittedAt == "" && p.CompletedAt == "" && p.CancelledAt == ""
}

func (p IssuePatch) assignments() ([]string, []any, error) {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	once := func(col, v string) {
		if v != "" {
			fields = append(fields, col+"=COALESCE("+col+",?)")
			args = append(args, v)
		}
	}
	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Description != nil {
		set("description", *p.Description)
	}
	if p.Urgency != nil {
		set("urgency", *p.Urgency)
	}
	if p.Budget != nil {
		bMin, bMax, bCur := budgetArgs(*p.Budget)
		set("budget_min", bMin)
		set("budget_max", bMax)
		set("budget_currency", bCur)
	}
	if p.Location != nil {
		lat, lng := coordArgs(p.Location.Coordinates)
		set("address", p.Location.Address)
		set("city", nullable(p.Location.City))
		set("state", nullable(p.Location.State))
		set("zip_code", nullable(p.Location.ZipCode))
		set("lat", lat)
		set("lng", lng)
	}
	if p.ContactPhone != nil {
		set("contact_phone", *p.ContactPhone)
	}
	if p.Images != nil {
		v, err := encodeRefs(*p.Images)
		if err != nil {
			return nil, nil, err
		}
		set("images_json", v)
	}
	if p.AssignedWorker != nil {
		set("assigned_worker", nullable(*p.AssignedWorker))
	}
	if p.CompletionEvidence != nil {
		v, err := encodeRefs(*p.CompletionEvidence)
		if err != nil {
			return nil, nil, err
		}
		set("evidence_json", v)
	}
	if p.Rating != nil {
		set("rating", *p.Rating)
	}
	once("matched_at", p.MatchedAt)
	once("accepted_at", p.AcceptedAt)
	once("started_at", p.StartedAt)
	once("submitted_at", p.SubmittedAt)
	once("completed_at", p.CompletedAt)
	once("cancelled_at", p.CancelledAt)
	return fields, args, nil
}

// Guard is the state an update is conditional on. Zero fields are not checked.
type Guard struct {
	Status  domain.Status
	Version int
}

// UpdateIssue applies patch to the issue only if the stored row still
// satisfies guard; otherwise a *ConflictError is returned. A patch carrying
// MatchedWorkers replaces the whole match set.
func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, id string, patch IssuePatch, guard Guard, updatedAt string) error {
	q := r.on(tx)
	fields, args, err := patch.assignments()
	if err != nil {
		return err
	}
	fields = append(fields, "version=version+1", "updated_at=?")
	args = append(args, updatedAt)
	clauses := []string{"id=?"}
	args = append(args, id)
	if guard.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, guard.Status)
	}
	if guard.Version > 0 {
		clauses = append(clauses, "version=?")
		args = append(args, guard.Version)
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE issues SET %s WHERE %s`, strings.Join(fields, ","), strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var actual domain.Status
		var version int
		err := q.QueryRowContext(ctx, `SELECT status, version FROM issues WHERE id=?`, id).Scan(&actual, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		conflict := &ConflictError{Entity: "issue", ID: id, Expected: string(guard.Status), Actual: string(actual)}
		if guard.Version > 0 && guard.Version != version {
			conflict.Reason = fmt.Sprintf("version is %d, expected %d", version, guard.Version)
		}
		return conflict
	}
	if patch.MatchedWorkers != nil {
		if _, err := q.ExecContext(ctx, `DELETE FROM issue_matches WHERE issue_id=?`, id); err != nil {
			return err
		}
		for _, w := range *patch.MatchedWorkers {
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO issue_matches(issue_id, worker_id) VALUES (?,?)`, id, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// IssueFilter selects issues; set predicates are combined with AND.
type IssueFilter struct {
	MatchedWorker  string
	AssignedWorker string
	CustomerID     string
	Statuses       []domain.Status
	// Unmatched selects issues the matcher has not completed for yet.
	Unmatched       bool
	CreatedBefore   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (f IssueFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.MatchedWorker != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM issue_matches m WHERE m.issue_id=issues.id AND m.worker_id=?)")
		args = append(args, f.MatchedWorker)
	}
	if f.AssignedWorker != "" {
		clauses = append(clauses, "assigned_worker=?")
		args = append(args, f.AssignedWorker)
	}
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Unmatched {
		clauses = append(clauses, "matched_at IS NULL")
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedBefore)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListIssues returns matching issues newest first, each with its match set.
func (r Repo) ListIssues(ctx context.Context, tx *sql.Tx, f IssueFilter) ([]domain.Issue, error) {
	q := r.on(tx)
	where, args := f.where()
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	res := []domain.Issue{}
	ids := []string{}
	for rows.Next() {
		it, err := scanIssue(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, it)
		ids = append(ids, it.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	matches, err := r.loadMatches(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range res {
		if ws := matches[res[i].ID]; ws != nil {
			res[i].MatchedWorkers = ws
		}
	}
	return res, nil
}

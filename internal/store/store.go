// Package store holds the canonical state of issues. It owns the transaction
// boundary for every issue write, appends the matching event in the same
// transaction and wakes live subscriptions once the write commits.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fixitnow/internal/domain"
	"fixitnow/internal/events"
	"fixitnow/internal/repo"
)

// Source is the read side used by subscriptions.
type Source interface {
	ListIssues(ctx context.Context, tx *sql.Tx, f repo.IssueFilter) ([]domain.Issue, error)
	LatestEventID(ctx context.Context) (int64, error)
}

type Options struct {
	// PollInterval bounds how long a subscription can miss a change made by
	// another process sharing the database.
	PollInterval time.Duration
	// RetryInitial and RetryMax shape the reconnect backoff; MaxElapsed is
	// the retry budget after which a subscription reports exhaustion.
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxElapsed   time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 200 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Source Source

	opts Options
	hub  *hub
}

func New(conn *sql.DB, opts Options) *Store {
	opts = opts.withDefaults()
	r := repo.Repo{DB: conn}
	return &Store{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Repo: r, Now: opts.Now},
		Source: r,
		opts:   opts,
		hub:    newHub(),
	}
}

func (s *Store) now() string {
	return repo.Timestamp(s.opts.Now())
}

// Create validates in and persists a pending issue with an empty match set.
func (s *Store) Create(ctx context.Context, in domain.NewIssueInput) (string, error) {
	norm, err := in.Normalize()
	if err != nil {
		return "", err
	}
	now := s.now()
	issue := domain.Issue{
		ID:                 uuid.NewString(),
		CustomerID:         norm.CustomerID,
		Category:           norm.Category,
		Title:              norm.Title,
		Description:        norm.Description,
		Urgency:            norm.Urgency,
		Budget:             norm.Budget,
		Location:           norm.Location,
		ContactPhone:       norm.ContactPhone,
		Images:             norm.Images,
		Status:             domain.StatusPending,
		MatchedWorkers:     []string{},
		CompletionEvidence: []string{},
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return "", fmt.Errorf("insert issue: %w", err)
	}
	if _, err := s.Events.Append(ctx, tx, events.IssueCreated, "issue", issue.ID, issue.CustomerID, events.EventPayload{
		"category": issue.Category,
		"urgency":  issue.Urgency,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	s.hub.publish()
	return issue.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Issue, error) {
	return s.Repo.GetIssue(ctx, nil, id)
}

// List returns the current result set for f.
func (s *Store) List(ctx context.Context, f repo.IssueFilter) ([]domain.Issue, error) {
	return s.Repo.ListIssues(ctx, nil, f)
}

// Mutation is one guarded write to an issue.
type Mutation struct {
	Patch repo.IssuePatch
	// Expected and ExpectedVersion are the state the write is conditional
	// on; zero values are not checked.
	Expected        domain.Status
	ExpectedVersion int
	Event           string
	ActorID         string
	Payload         events.EventPayload
	// Within runs in the same transaction after the issue row is written and
	// receives the updated issue. An error rolls the whole mutation back.
	Within func(ctx context.Context, tx *sql.Tx, updated domain.Issue) error
}

// Update applies a partial update conditional on expectedStatus.
func (s *Store) Update(ctx context.Context, id string, patch repo.IssuePatch, expectedStatus domain.Status) (domain.Issue, error) {
	return s.Apply(ctx, id, Mutation{
		Patch:    patch,
		Expected: expectedStatus,
		Event:    events.IssueUpdated,
		ActorID:  domain.System.ID,
	})
}

// Apply runs m in a single transaction and returns the committed issue.
func (s *Store) Apply(ctx context.Context, id string, m Mutation) (domain.Issue, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateIssue(ctx, tx, id, m.Patch, repo.Guard{Status: m.Expected, Version: m.ExpectedVersion}, s.now()); err != nil {
		return domain.Issue{}, err
	}
	updated, err := s.Repo.GetIssue(ctx, tx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if m.Within != nil {
		if err := m.Within(ctx, tx, updated); err != nil {
			return domain.Issue{}, err
		}
	}
	evt := m.Event
	if evt == "" {
		evt = events.IssueUpdated
	}
	payload := m.Payload
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["status"] = updated.Status
	payload["version"] = updated.Version
	if _, err := s.Events.Append(ctx, tx, evt, "issue", id, m.ActorID, payload); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	s.hub.publish()
	return updated, nil
}

// Changed wakes live subscriptions. Writers that commit outside the store call
// it after their commit.
func (s *Store) Changed() {
	s.hub.publish()
}

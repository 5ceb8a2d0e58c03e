package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"fixitnow/internal/config"
	"fixitnow/internal/domain"
	"fixitnow/internal/engine/auth"
	"fixitnow/internal/events"
	"fixitnow/internal/matcher"
	"fixitnow/internal/notify"
	"fixitnow/internal/repo"
	"fixitnow/internal/store"
	"fixitnow/internal/telemetry"
)

// Matcher computes the eligible worker set of a pending issue.
type Matcher interface {
	Match(ctx context.Context, issue domain.Issue) ([]string, error)
}

// Engine is the lifecycle controller. Every operation takes the calling
// actor explicitly; the engine trusts it as authenticated.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Store    *store.Store
	Events   events.Writer
	Matcher  Matcher
	Notifier notify.Notifier
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
	// MatchRetryInitial is the first backoff delay of the in-process match
	// retry right after create.
	MatchRetryInitial time.Duration
}

func New(st *store.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:                st.DB,
		Repo:              st.Repo,
		Store:             st,
		Events:            st.Events,
		Matcher:           matcher.New(st.Repo, cfg.Matching.RequireAvailable),
		Config:            cfg,
		Logger:            slog.Default(),
		Now:               time.Now,
		MatchRetryInitial: 100 * time.Millisecond,
	}
	e.Notifier = notify.Notifier{
		Sink:   st.Repo,
		Config: cfg,
		Now:    e.now,
		Logger: e.Logger,
	}
	return e
}

// WithLogger returns a copy of e logging to l.
func (e Engine) WithLogger(l *slog.Logger) Engine {
	e.Logger = l
	e.Notifier.Logger = l
	return e
}

// WithMetrics returns a copy of e recording to m.
func (e Engine) WithMetrics(m *telemetry.Metrics) Engine {
	e.Metrics = m
	e.Notifier.Metrics = m
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return repo.Timestamp(e.now())
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// outcome classifies err for metrics and logs.
func outcome(err error) string {
	var (
		forbidden *auth.ForbiddenError
		conflict  *repo.ConflictError
		invalid   *InvalidTransitionError
		verr      *domain.ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.As(err, &verr):
		return "invalid_input"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// observe records the result of a transition attempt. Invalid transitions are
// defects in the caller and are logged with full context.
func (e Engine) observe(ctx context.Context, t Transition, actor domain.Actor, issueID string, err error) {
	res := outcome(err)
	e.Metrics.Transition(ctx, string(t), res)
	switch res {
	case "ok":
		e.logger().Info("issue transition", "transition", t, "issue", issueID, "actor", actor.ID, "role", actor.Role)
	case "invalid_transition":
		var invalid *InvalidTransitionError
		errors.As(err, &invalid)
		e.logger().Warn("invalid issue transition", "transition", t, "issue", issueID, "from", invalid.From,
			"actor", actor.ID, "role", actor.Role, "allowed", Allowed(invalid.From))
	case "error":
		e.logger().Error("issue transition failed", "transition", t, "issue", issueID, "actor", actor.ID, "err", err)
	default:
		e.logger().Debug("issue transition refused", "transition", t, "issue", issueID, "actor", actor.ID, "reason", res, "err", err)
	}
}

// notify enqueues side effects of a committed transition. Failures are
// already logged by the notifier and are not returned.
func (e Engine) notify(ctx context.Context, msgs ...notify.Message) {
	_ = e.Notifier.Enqueue(ctx, msgs...)
}

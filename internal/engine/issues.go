package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"fixitnow/internal/domain"
	"fixitnow/internal/engine/auth"
	"fixitnow/internal/events"
	"fixitnow/internal/notify"
	"fixitnow/internal/repo"
	"fixitnow/internal/store"
)

// CreateIssue persists a new issue for the calling customer and runs the
// matcher once. A failed match leaves the issue pending and unmatched for
// the background retrier; it does not fail the create.
func (e Engine) CreateIssue(ctx context.Context, actor domain.Actor, in domain.NewIssueInput) (domain.Issue, error) {
	if err := auth.RequireRole(actor, "issue.create", domain.RoleCustomer); err != nil {
		return domain.Issue{}, err
	}
	in.CustomerID = actor.ID
	id, err := e.Store.Create(ctx, in)
	if err != nil {
		return domain.Issue{}, err
	}
	e.Metrics.Transition(ctx, "create", "ok")
	e.logger().Info("issue created", "issue", id, "customer", actor.ID, "category", in.Category)

	b := backoff.NewExponentialBackOff()
	if e.MatchRetryInitial > 0 {
		b.InitialInterval = e.MatchRetryInitial
	}
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		err := e.MatchIssue(ctx, id)
		var conflict *repo.ConflictError
		var invalid *InvalidTransitionError
		if errors.As(err, &conflict) || errors.As(err, &invalid) || errors.Is(err, repo.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
	if err != nil {
		e.logger().Warn("match deferred to retrier", "issue", id, "attempts", attempt, "err", err)
	}
	return e.Store.Get(ctx, id)
}

// MatchIssue computes and stores the match set of a pending, unmatched issue
// and notifies each matched worker.
func (e Engine) MatchIssue(ctx context.Context, id string) error {
	issue, err := e.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ensureTransition(issue, TransitionMatch); err != nil {
		return err
	}
	if issue.MatchedAt != nil {
		return nil
	}
	workers, err := e.Matcher.Match(ctx, issue)
	if err != nil {
		e.Metrics.Match(ctx, "error", 0)
		return err
	}
	updated, err := e.Store.Apply(ctx, id, store.Mutation{
		Patch:    repo.IssuePatch{MatchedWorkers: &workers, MatchedAt: e.timestamp()},
		Expected: domain.StatusPending,
		Event:    events.IssueMatched,
		ActorID:  domain.System.ID,
		Payload:  events.EventPayload{"workers": workers},
	})
	if err != nil {
		e.Metrics.Match(ctx, outcome(err), len(workers))
		return err
	}
	e.Metrics.Match(ctx, "ok", len(workers))
	e.logger().Info("issue matched", "issue", id, "workers", len(workers))
	msgs := make([]notify.Message, 0, len(updated.MatchedWorkers))
	for _, w := range updated.MatchedWorkers {
		msgs = append(msgs, notify.Message{
			RecipientID: w, RecipientRole: domain.RoleWorker,
			IssueID: id, IssueTitle: updated.Title, Kind: domain.NotifyMatched,
		})
	}
	e.notify(ctx, msgs...)
	return nil
}

// ViewIssue returns the issue if actor may see it.
func (e Engine) ViewIssue(ctx context.Context, actor domain.Actor, id string) (domain.Issue, error) {
	issue, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if !auth.CanView(actor, issue) {
		return domain.Issue{}, &auth.ForbiddenError{Permission: "issue.view", ActorID: actor.ID}
	}
	return issue, nil
}

// EditIssue changes descriptive fields of a pending issue that has not been
// matched yet, which only happens while the match is deferred to the
// retrier. Only the owner may edit. Category and images are fixed at
// creation.
func (e Engine) EditIssue(ctx context.Context, actor domain.Actor, id string, edit domain.IssueEdit) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionEdit, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireOwner(actor, cur, "issue.edit"); err != nil {
		return domain.Issue{}, err
	}
	if _, err := ensureTransition(cur, TransitionEdit); err != nil {
		return domain.Issue{}, err
	}
	if edit.Empty() {
		return cur, nil
	}
	next, err := edit.Apply(cur)
	if err != nil {
		return domain.Issue{}, err
	}
	budget := next.Budget
	return e.Store.Apply(ctx, id, store.Mutation{
		Patch: repo.IssuePatch{
			Title:        &next.Title,
			Description:  &next.Description,
			Urgency:      &next.Urgency,
			Budget:       &budget,
			Location:     &next.Location,
			ContactPhone: &next.ContactPhone,
		},
		Expected:        domain.StatusPending,
		ExpectedVersion: cur.Version,
		Event:           events.IssueEdited,
		ActorID:         actor.ID,
	})
}

// Accept assigns the issue to a matched worker. Exactly one of several
// concurrent accepts wins; the others get a *repo.ConflictError.
func (e Engine) Accept(ctx context.Context, actor domain.Actor, id string) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionAccept, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireMatched(actor, cur, "issue.accept"); err != nil {
		return domain.Issue{}, err
	}
	if cur.AssignedWorker != "" && cur.AssignedWorker != actor.ID {
		return domain.Issue{}, &repo.ConflictError{
			Entity: "issue", ID: id, Expected: string(domain.StatusPending), Actual: string(cur.Status),
			Reason: "already taken by another worker",
		}
	}
	to, err := ensureTransition(cur, TransitionAccept)
	if err != nil {
		return domain.Issue{}, err
	}
	issue, err = e.Store.Apply(ctx, id, store.Mutation{
		Patch:    repo.IssuePatch{Status: &to, AssignedWorker: &actor.ID, AcceptedAt: e.timestamp()},
		Expected: cur.Status,
		Event:    events.IssueAccepted,
		ActorID:  actor.ID,
		Payload:  events.EventPayload{"worker": actor.ID},
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.notify(ctx, notify.Message{
		RecipientID: issue.CustomerID, RecipientRole: domain.RoleCustomer,
		IssueID: id, IssueTitle: issue.Title, Kind: domain.NotifyAccepted,
	})
	return issue, nil
}

// Start marks accepted work as begun.
func (e Engine) Start(ctx context.Context, actor domain.Actor, id string) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionStart, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireAssigned(actor, cur, "issue.start"); err != nil {
		return domain.Issue{}, err
	}
	to, err := ensureTransition(cur, TransitionStart)
	if err != nil {
		return domain.Issue{}, err
	}
	return e.Store.Apply(ctx, id, store.Mutation{
		Patch:    repo.IssuePatch{Status: &to, StartedAt: e.timestamp()},
		Expected: cur.Status,
		Event:    events.IssueStarted,
		ActorID:  actor.ID,
	})
}

// Submit records completion evidence and moves the issue to review.
func (e Engine) Submit(ctx context.Context, actor domain.Actor, id string, evidence []string) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionSubmit, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireAssigned(actor, cur, "issue.submit"); err != nil {
		return domain.Issue{}, err
	}
	to, err := ensureTransition(cur, TransitionSubmit)
	if err != nil {
		return domain.Issue{}, err
	}
	refs := domain.NormalizeRefs(evidence)
	if len(refs) == 0 {
		return domain.Issue{}, &domain.ValidationError{Field: "completion_evidence", Reason: "at least one reference required"}
	}
	issue, err = e.Store.Apply(ctx, id, store.Mutation{
		Patch:    repo.IssuePatch{Status: &to, CompletionEvidence: &refs, SubmittedAt: e.timestamp()},
		Expected: cur.Status,
		Event:    events.IssueSubmitted,
		ActorID:  actor.ID,
		Payload:  events.EventPayload{"evidence": len(refs)},
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.notify(ctx, notify.Message{
		RecipientID: issue.CustomerID, RecipientRole: domain.RoleCustomer,
		IssueID: id, IssueTitle: issue.Title, Kind: domain.NotifySubmitted,
	})
	return issue, nil
}

// Approve completes the issue and credits the assigned worker in the same
// transaction.
func (e Engine) Approve(ctx context.Context, actor domain.Actor, id string) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionApprove, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireOwner(actor, cur, "issue.approve"); err != nil {
		return domain.Issue{}, err
	}
	to, err := ensureTransition(cur, TransitionApprove)
	if err != nil {
		return domain.Issue{}, err
	}
	now := e.timestamp()
	issue, err = e.Store.Apply(ctx, id, store.Mutation{
		Patch:    repo.IssuePatch{Status: &to, CompletedAt: now},
		Expected: cur.Status,
		Event:    events.IssueApproved,
		ActorID:  actor.ID,
		Payload:  events.EventPayload{"worker": cur.AssignedWorker},
		Within: func(ctx context.Context, tx *sql.Tx, updated domain.Issue) error {
			err := e.Repo.IncrementCompletedJobs(ctx, tx, updated.AssignedWorker, now)
			if errors.Is(err, repo.ErrNotFound) {
				e.logger().Warn("approved issue has no worker profile", "issue", id, "worker", updated.AssignedWorker)
				return nil
			}
			return err
		},
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.notify(ctx, notify.Message{
		RecipientID: issue.AssignedWorker, RecipientRole: domain.RoleWorker,
		IssueID: id, IssueTitle: issue.Title, Kind: domain.NotifyApproved,
	})
	return issue, nil
}

// Reject sends submitted work back to the worker and clears the evidence.
func (e Engine) Reject(ctx context.Context, actor domain.Actor, id, reason string) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionReject, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireOwner(actor, cur, "issue.reject"); err != nil {
		return domain.Issue{}, err
	}
	to, err := ensureTransition(cur, TransitionReject)
	if err != nil {
		return domain.Issue{}, err
	}
	cleared := []string{}
	payload := events.EventPayload{"worker": cur.AssignedWorker}
	if reason != "" {
		payload["reason"] = reason
	}
	issue, err = e.Store.Apply(ctx, id, store.Mutation{
		Patch:    repo.IssuePatch{Status: &to, CompletionEvidence: &cleared},
		Expected: cur.Status,
		Event:    events.IssueRejected,
		ActorID:  actor.ID,
		Payload:  payload,
	})
	if err != nil {
		return domain.Issue{}, err
	}
	e.notify(ctx, notify.Message{
		RecipientID: issue.AssignedWorker, RecipientRole: domain.RoleWorker,
		IssueID: id, IssueTitle: issue.Title, Kind: domain.NotifyRejected,
	})
	return issue, nil
}

// Cancel withdraws a pending or accepted issue. The assigned worker, if
// any, is released and notified.
func (e Engine) Cancel(ctx context.Context, actor domain.Actor, id string) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionCancel, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireOwner(actor, cur, "issue.cancel"); err != nil {
		return domain.Issue{}, err
	}
	to, err := ensureTransition(cur, TransitionCancel)
	if err != nil {
		return domain.Issue{}, err
	}
	released := ""
	issue, err = e.Store.Apply(ctx, id, store.Mutation{
		Patch:    repo.IssuePatch{Status: &to, AssignedWorker: &released, CancelledAt: e.timestamp()},
		Expected: cur.Status,
		Event:    events.IssueCancelled,
		ActorID:  actor.ID,
		Payload:  events.EventPayload{"worker": cur.AssignedWorker},
	})
	if err != nil {
		return domain.Issue{}, err
	}
	if cur.AssignedWorker != "" {
		e.notify(ctx, notify.Message{
			RecipientID: cur.AssignedWorker, RecipientRole: domain.RoleWorker,
			IssueID: id, IssueTitle: issue.Title, Kind: domain.NotifyCancelled,
		})
	}
	return issue, nil
}

// Rate records the customer's 1-5 score for completed work, once, and folds
// it into the worker's running average.
func (e Engine) Rate(ctx context.Context, actor domain.Actor, id string, score int) (issue domain.Issue, err error) {
	defer func() { e.observe(ctx, TransitionRate, actor, id, err) }()
	cur, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := auth.RequireOwner(actor, cur, "issue.rate"); err != nil {
		return domain.Issue{}, err
	}
	if _, err := ensureTransition(cur, TransitionRate); err != nil {
		return domain.Issue{}, err
	}
	if score < 1 || score > 5 {
		return domain.Issue{}, &domain.ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}
	if cur.Rating != nil {
		return domain.Issue{}, &repo.ConflictError{Entity: "issue", ID: id, Reason: "already rated"}
	}
	now := e.timestamp()
	return e.Store.Apply(ctx, id, store.Mutation{
		Patch:           repo.IssuePatch{Rating: &score},
		Expected:        cur.Status,
		ExpectedVersion: cur.Version,
		Event:           events.IssueRated,
		ActorID:         actor.ID,
		Payload:         events.EventPayload{"worker": cur.AssignedWorker, "rating": score},
		Within: func(ctx context.Context, tx *sql.Tx, updated domain.Issue) error {
			err := e.Repo.AddWorkerRating(ctx, tx, updated.AssignedWorker, score, now)
			if errors.Is(err, repo.ErrNotFound) {
				e.logger().Warn("rated issue has no worker profile", "issue", id, "worker", updated.AssignedWorker)
				return nil
			}
			if err != nil {
				return fmt.Errorf("rate worker %s: %w", updated.AssignedWorker, err)
			}
			return nil
		},
	})
}

// Scope names a view over issues.
type Scope string

const (
	// ScopeMine is a customer's own issues.
	ScopeMine Scope = "mine"
	// ScopeMatched is a worker's job requests: issues they were matched to.
	ScopeMatched Scope = "matched"
	// ScopeAssigned is a worker's ongoing and completed jobs.
	ScopeAssigned Scope = "assigned"
	ScopeAll      Scope = "all"
)

// FilterFor builds the issue filter for actor's view of scope. An empty scope
// picks the role's default view. Job requests default to pending issues.
func (e Engine) FilterFor(actor domain.Actor, scope Scope, statuses []domain.Status) (repo.IssueFilter, error) {
	if err := auth.RequireActor(actor, "issue.list"); err != nil {
		return repo.IssueFilter{}, err
	}
	if scope == "" {
		switch actor.Role {
		case domain.RoleCustomer:
			scope = ScopeMine
		case domain.RoleWorker:
			scope = ScopeMatched
		default:
			scope = ScopeAll
		}
	}
	f := repo.IssueFilter{Statuses: statuses}
	switch scope {
	case ScopeMine:
		if err := auth.RequireRole(actor, "issue.list", domain.RoleCustomer); err != nil {
			return f, err
		}
		f.CustomerID = actor.ID
	case ScopeMatched:
		if err := auth.RequireRole(actor, "issue.list", domain.RoleWorker); err != nil {
			return f, err
		}
		f.MatchedWorker = actor.ID
		if len(f.Statuses) == 0 {
			f.Statuses = []domain.Status{domain.StatusPending}
		}
	case ScopeAssigned:
		if err := auth.RequireRole(actor, "issue.list", domain.RoleWorker); err != nil {
			return f, err
		}
		f.AssignedWorker = actor.ID
	case ScopeAll:
		if err := auth.RequireRole(actor, "issue.list", domain.RoleAdmin); err != nil {
			return f, err
		}
	default:
		return f, &domain.ValidationError{Field: "scope", Reason: "must be one of mine, matched, assigned, all"}
	}
	return f, nil
}

// ListIssues returns one snapshot of actor's view.
func (e Engine) ListIssues(ctx context.Context, actor domain.Actor, scope Scope, statuses []domain.Status) ([]domain.Issue, error) {
	f, err := e.FilterFor(actor, scope, statuses)
	if err != nil {
		return nil, err
	}
	return e.Store.List(ctx, f)
}

// WatchIssues subscribes to actor's view. The caller must Unsubscribe.
func (e Engine) WatchIssues(ctx context.Context, actor domain.Actor, scope Scope, statuses []domain.Status, onError func(store.SubscriptionError)) (*store.Subscription, error) {
	f, err := e.FilterFor(actor, scope, statuses)
	if err != nil {
		return nil, err
	}
	return e.Store.Subscribe(ctx, f, onError)
}


package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fixitnow/internal/domain"
	"fixitnow/internal/repo"
)

// MatchRetrier periodically rematches pending issues whose first match
// attempt failed. Each issue gets at most MaxAttempts sweeps; after that it
// stays pending and unmatched and is logged once.
type MatchRetrier struct {
	Engine      Engine
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func NewMatchRetrier(e Engine) *MatchRetrier {
	r := &MatchRetrier{Engine: e, Logger: e.logger(), Interval: 30 * time.Second, MaxAttempts: 5}
	if e.Config != nil {
		if e.Config.Matching.RetryInterval > 0 {
			r.Interval = e.Config.Matching.RetryInterval
		}
		if e.Config.Matching.RetryMaxAttempts > 0 {
			r.MaxAttempts = e.Config.Matching.RetryMaxAttempts
		}
	}
	return r
}

func (r *MatchRetrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.Logger.Warn("match retry sweep failed", "err", err)
			}
		}
	}
}

// Sweep makes one pass over unmatched pending issues older than Interval and
// returns how many were matched.
func (r *MatchRetrier) Sweep(ctx context.Context) (int, error) {
	e := r.Engine
	pending, err := e.Store.List(ctx, repo.IssueFilter{
		Statuses:      []domain.Status{domain.StatusPending},
		Unmatched:     true,
		CreatedBefore: repo.Timestamp(e.now().Add(-r.Interval)),
	})
	if err != nil {
		return 0, err
	}
	r.prune(pending)
	matched := 0
	var errs []error
	for _, issue := range pending {
		if err := ctx.Err(); err != nil {
			return matched, err
		}
		r.mu.Lock()
		n := r.attempts[issue.ID]
		if n >= r.MaxAttempts {
			r.mu.Unlock()
			continue
		}
		r.attempts[issue.ID] = n + 1
		r.mu.Unlock()

		err := e.MatchIssue(ctx, issue.ID)
		var conflict *repo.ConflictError
		var invalid *InvalidTransitionError
		switch {
		case err == nil:
			matched++
			r.forget(issue.ID)
		case errors.As(err, &conflict), errors.As(err, &invalid), errors.Is(err, repo.ErrNotFound):
			r.forget(issue.ID)
		default:
			if n+1 >= r.MaxAttempts {
				r.Logger.Error("match retries exhausted", "issue", issue.ID, "attempts", n+1, "err", err)
			}
			errs = append(errs, err)
		}
	}
	return matched, errors.Join(errs...)
}

// prune drops attempt counts of issues that are no longer pending and
// unmatched, so exhausted issues are remembered only while they wait.
func (r *MatchRetrier) prune(pending []domain.Issue) {
	live := make(map[string]struct{}, len(pending))
	for _, issue := range pending {
		live[issue.ID] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempts == nil {
		r.attempts = map[string]int{}
	}
	for id := range r.attempts {
		if _, ok := live[id]; !ok {
			delete(r.attempts, id)
		}
	}
}

func (r *MatchRetrier) forget(id string) {
	r.mu.Lock()
	delete(r.attempts, id)
	r.mu.Unlock()
}

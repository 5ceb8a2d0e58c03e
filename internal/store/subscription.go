package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fixitnow/internal/domain"
	"fixitnow/internal/repo"
)

// Snapshot is the full result set of a subscription at one point in time.
// Consumers replace their working set with Issues.
type Snapshot struct {
	Issues []domain.Issue
	// Stale marks a snapshot re-emitted from the last good result after the
	// retry budget ran out.
	Stale bool
	// EventID is the last event folded into the result.
	EventID int64
	At      time.Time
}

// SubscriptionError is handed to the error callback for every failed query.
type SubscriptionError struct {
	Err     error
	Attempt int
	// RetryIn is the delay before the next attempt; zero once Exhausted.
	RetryIn   time.Duration
	Exhausted bool
	At        time.Time
}

func (e SubscriptionError) Error() string {
	return e.Err.Error()
}

func (e SubscriptionError) Unwrap() error {
	return e.Err
}

// Subscription is a live query. It must be released with Unsubscribe or by
// cancelling the context it was created with.
type Subscription struct {
	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	stale   atomic.Bool
}

// Updates yields snapshots. Only the latest pending snapshot is kept; the
// channel is closed once the subscription ends.
func (s *Subscription) Updates() <-chan Snapshot {
	return s.updates
}

// Stale reports whether the last query attempt failed.
func (s *Subscription) Stale() bool {
	return s.stale.Load()
}

// Done is closed when the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops the subscription and waits for its goroutine, timers and
// change listener to be released. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Subscription) emit(snap Snapshot) {
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// Subscribe starts a live query over f. The first snapshot is produced
// asynchronously. onError may be nil.
func (s *Store) Subscribe(ctx context.Context, f repo.IssueFilter, onError func(SubscriptionError)) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onError == nil {
		onError = func(SubscriptionError) {}
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		updates: make(chan Snapshot, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	listenerID, wake := s.hub.listen()
	go func() {
		defer close(sub.done)
		defer close(sub.updates)
		defer s.hub.remove(listenerID)
		s.watch(ctx, sub, f, wake, onError)
	}()
	return sub, nil
}

func (s *Store) watch(ctx context.Context, sub *Subscription, f repo.IssueFilter, wake <-chan struct{}, onError func(SubscriptionError)) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var (
		last      Snapshot
		delivered bool
	)
	for {
		snap, changed, err := s.poll(ctx, sub, f, last.EventID, delivered, onError)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			stale := last
			stale.Stale = true
			stale.At = s.opts.Now()
			if stale.Issues == nil {
				stale.Issues = []domain.Issue{}
			}
			sub.emit(stale)
		case changed:
			last = snap
			delivered = true
			sub.emit(snap)
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// poll re-reads the result set when the event log moved past cursor, retrying
// failures with exponential backoff. A non-nil error means the retry budget
// was exhausted.
func (s *Store) poll(ctx context.Context, sub *Subscription, f repo.IssueFilter, cursor int64, delivered bool, onError func(SubscriptionError)) (Snapshot, bool, error) {
	var (
		snap    Snapshot
		changed bool
		attempt int
	)
	op := func() error {
		attempt++
		latest, err := s.Source.LatestEventID(ctx)
		if err != nil {
			return err
		}
		if delivered && latest == cursor && !sub.stale.Load() {
			changed = false
			return nil
		}
		issues, err := s.Source.ListIssues(ctx, nil, f)
		if err != nil {
			return err
		}
		snap = Snapshot{Issues: issues, EventID: latest, At: s.opts.Now()}
		changed = true
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitial
	b.MaxInterval = s.opts.RetryMax
	b.MaxElapsedTime = s.opts.MaxElapsed
	notify := func(err error, next time.Duration) {
		sub.stale.Store(true)
		onError(SubscriptionError{Err: err, Attempt: attempt, RetryIn: next, At: s.opts.Now()})
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return snap, false, err
		}
		sub.stale.Store(true)
		s.opts.Logger.Warn("subscription retry budget exhausted", "attempts", attempt, "err", err)
		onError(SubscriptionError{Err: err, Attempt: attempt, Exhausted: true, At: s.opts.Now()})
		return snap, false, err
	}
	if changed {
		sub.stale.Store(false)
	}
	return snap, changed, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixitnow/internal/db"
	"fixitnow/internal/domain"
	"fixitnow/internal/migrate"
	"fixitnow/internal/repo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return New(conn, Options{
		PollInterval: 20 * time.Millisecond,
		RetryInitial: 5 * time.Millisecond,
		RetryMax:     10 * time.Millisecond,
		MaxElapsed:   80 * time.Millisecond,
	})
}

func sampleInput(customer string) domain.NewIssueInput {
	return domain.NewIssueInput{
		CustomerID:   customer,
		Category:     domain.CategoryPlumbing,
		Title:        "Leaking sink",
		Description:  "Water under the cabinet",
		Urgency:      domain.UrgencyHigh,
		Budget:       &domain.Budget{Min: 150, Max: 300},
		Location:     domain.Location{Address: "1 Main St", City: "Springfield", Coordinates: &domain.Coordinates{Lat: 40.1, Lng: -74.2}},
		ContactPhone: "555-010-2030",
		Images:       []string{"https://img/1", "https://img/2"},
	}
}

func TestCreateThenGetEchoesInput(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	in := sampleInput("cust-1")
	id, err := st.Create(ctx, in)
	require.NoError(t, err)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, []string{}, got.MatchedWorkers)
	assert.Equal(t, []string{}, got.CompletionEvidence)
	assert.Empty(t, got.AssignedWorker)
	assert.Nil(t, got.MatchedAt)
	assert.Equal(t, in.CustomerID, got.CustomerID)
	assert.Equal(t, in.Category, got.Category)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, in.Description, got.Description)
	assert.Equal(t, in.Urgency, got.Urgency)
	assert.Equal(t, in.Location, got.Location)
	assert.Equal(t, in.ContactPhone, got.ContactPhone)
	assert.Equal(t, in.Images, got.Images)
	require.NotNil(t, got.Budget)
	assert.Equal(t, domain.Budget{Min: 150, Max: 300, Currency: "USD"}, *got.Budget)
	assert.NotEmpty(t, got.CreatedAt)
	assert.Equal(t, 1, got.Version)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	st := newTestStore(t)
	in := sampleInput("cust-1")
	in.Description = "   "
	_, err := st.Create(context.Background(), in)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "description", verr.Field)
}

func TestGetMissingIssue(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateGuardsOnExpectedStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.Create(ctx, sampleInput("cust-1"))
	require.NoError(t, err)

	accepted := domain.StatusAccepted
	worker := "w1"
	updated, err := st.Update(ctx, id, repo.IssuePatch{Status: &accepted, AssignedWorker: &worker, AcceptedAt: "2024-01-01T00:00:00Z"}, domain.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, updated.Status)
	assert.Equal(t, 2, updated.Version)

	other := "w2"
	_, err = st.Update(ctx, id, repo.IssuePatch{Status: &accepted, AssignedWorker: &other}, domain.StatusPending)
	var conflict *repo.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "accepted", conflict.Actual)

	// Timestamps are set once.
	_, err = st.Update(ctx, id, repo.IssuePatch{AcceptedAt: "2030-01-01T00:00:00Z"}, "")
	require.NoError(t, err)
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.AcceptedAt)
	assert.Equal(t, "2024-01-01T00:00:00Z", *got.AcceptedAt)
	assert.Equal(t, "w1", got.AssignedWorker)

	_, err = st.Update(ctx, "missing", repo.IssuePatch{Status: &accepted}, domain.StatusPending)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestApplyRollsBackWhenWithinFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.Create(ctx, sampleInput("cust-1"))
	require.NoError(t, err)

	boom := errors.New("boom")
	title := "changed"
	_, err = st.Apply(ctx, id, Mutation{
		Patch:    repo.IssuePatch{Title: &title},
		Expected: domain.StatusPending,
		Within: func(ctx context.Context, tx *sql.Tx, updated domain.Issue) error {
			assert.Equal(t, "changed", updated.Title)
			return boom
		},
	})
	require.ErrorIs(t, err, boom)
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Leaking sink", got.Title)
	assert.Equal(t, 1, got.Version)
}

func nextSnapshot(t *testing.T, sub *Subscription, match func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Updates():
			require.True(t, ok, "subscription closed")
			if match(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestSubscribeEmitsWholeResultSets(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	first, err := st.Create(ctx, sampleInput("cust-1"))
	require.NoError(t, err)
	_, err = st.Create(ctx, sampleInput("cust-2"))
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, repo.IssueFilter{CustomerID: "cust-1"}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap := nextSnapshot(t, sub, func(Snapshot) bool { return true })
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, first, snap.Issues[0].ID)
	assert.False(t, snap.Stale)

	second, err := st.Create(ctx, sampleInput("cust-1"))
	require.NoError(t, err)
	snap = nextSnapshot(t, sub, func(s Snapshot) bool { return len(s.Issues) == 2 })
	ids := []string{snap.Issues[0].ID, snap.Issues[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
}

func TestSubscribeMatchedWorkerAndStatusFilter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.Create(ctx, sampleInput("cust-1"))
	require.NoError(t, err)

	sub, err := st.Subscribe(ctx, repo.IssueFilter{MatchedWorker: "w1", Statuses: []domain.Status{domain.StatusPending}}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	snap := nextSnapshot(t, sub, func(Snapshot) bool { return true })
	assert.Empty(t, snap.Issues)

	matched := []string{"w1", "w2"}
	_, err = st.Update(ctx, id, repo.IssuePatch{MatchedWorkers: &matched, MatchedAt: "2024-01-01T00:00:00Z"}, domain.StatusPending)
	require.NoError(t, err)
	snap = nextSnapshot(t, sub, func(s Snapshot) bool { return len(s.Issues) == 1 })
	assert.Equal(t, []string{"w1", "w2"}, snap.Issues[0].MatchedWorkers)

	cancelled := domain.StatusCancelled
	_, err = st.Update(ctx, id, repo.IssuePatch{Status: &cancelled}, domain.StatusPending)
	require.NoError(t, err)
	nextSnapshot(t, sub, func(s Snapshot) bool { return len(s.Issues) == 0 })
}

type flakySource struct {
	inner Source
	mu    sync.Mutex
	fail  int
}

func (f *flakySource) setFailures(n int) {
	f.mu.Lock()
	f.fail = n
	f.mu.Unlock()
}

func (f *flakySource) broken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return true
	}
	return false
}

func (f *flakySource) LatestEventID(ctx context.Context) (int64, error) {
	if f.broken() {
		return 0, errors.New("connection reset")
	}
	return f.inner.LatestEventID(ctx)
}

func (f *flakySource) ListIssues(ctx context.Context, tx *sql.Tx, filter repo.IssueFilter) ([]domain.Issue, error) {
	return f.inner.ListIssues(ctx, tx, filter)
}

type errorLog struct {
	mu   sync.Mutex
	errs []SubscriptionError
}

func (l *errorLog) record(e SubscriptionError) {
	l.mu.Lock()
	l.errs = append(l.errs, e)
	l.mu.Unlock()
}

func (l *errorLog) snapshot() []SubscriptionError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SubscriptionError(nil), l.errs...)
}

func TestSubscribeRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Create(ctx, sampleInput("cust-1"))
	require.NoError(t, err)
	src := &flakySource{inner: st.Repo, fail: 2}
	st.Source = src

	var log errorLog
	sub, err := st.Subscribe(ctx, repo.IssueFilter{CustomerID: "cust-1"}, log.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap := nextSnapshot(t, sub, func(Snapshot) bool { return true })
	assert.False(t, snap.Stale)
	assert.Len(t, snap.Issues, 1)
	assert.False(t, sub.Stale())

	errs := log.snapshot()
	require.Len(t, errs, 2)
	for i, e := range errs {
		assert.Equal(t, i+1, e.Attempt)
		assert.False(t, e.Exhausted)
		assert.EqualError(t, e, "connection reset")
	}
}

func TestSubscribeSurfacesStaleAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Create(ctx, sampleInput("cust-1"))
	require.NoError(t, err)
	src := &flakySource{inner: st.Repo, fail: 1 << 20}
	st.Source = src

	var log errorLog
	sub, err := st.Subscribe(ctx, repo.IssueFilter{CustomerID: "cust-1"}, log.record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap := nextSnapshot(t, sub, func(Snapshot) bool { return true })
	assert.True(t, snap.Stale)
	assert.NotNil(t, snap.Issues)
	assert.True(t, sub.Stale())
	exhausted := false
	for _, e := range log.snapshot() {
		exhausted = exhausted || e.Exhausted
	}
	assert.True(t, exhausted)

	// The stream restarts on its own once the backend recovers.
	src.setFailures(0)
	st.Changed()
	snap = nextSnapshot(t, sub, func(s Snapshot) bool { return !s.Stale })
	assert.Len(t, snap.Issues, 1)
	assert.False(t, sub.Stale())
}

func TestUnsubscribeReleasesResources(t *testing.T) {
	st := newTestStore(t)
	sub, err := st.Subscribe(context.Background(), repo.IssueFilter{}, nil)
	require.NoError(t, err)
	nextSnapshot(t, sub, func(Snapshot) bool { return true })
	assert.Equal(t, 1, st.hub.size())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, st.hub.size())
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription goroutine still running")
	}
	for range sub.Updates() {
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newTestStore(t)
	sub, err := st.Subscribe(ctx, repo.IssueFilter{}, nil)
	require.NoError(t, err)
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
	sub.Unsubscribe()

	_, err = st.Subscribe(ctx, repo.IssueFilter{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

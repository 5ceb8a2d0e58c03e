package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixitnow/internal/config"
	"fixitnow/internal/db"
	"fixitnow/internal/domain"
	"fixitnow/internal/migrate"
	"fixitnow/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertIssue(context.Background(), nil, domain.Issue{
		ID: "issue-1", CustomerID: "c1", Category: domain.CategoryPlumbing, Title: "Leak", Description: "d",
		Urgency: domain.UrgencyLow, Location: domain.Location{Address: "1 Main St"}, ContactPhone: "5550102030",
		Status: domain.StatusPending, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}))
	return r
}

type flakySink struct {
	mu    sync.Mutex
	fails int
	calls int
	saved []domain.Notification
}

func (s *flakySink) InsertNotification(_ context.Context, _ *sql.Tx, n domain.Notification, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fails > 0 {
		s.fails--
		return false, errors.New("disk busy")
	}
	s.saved = append(s.saved, n)
	return true, nil
}

func TestEnqueueRetriesFailedWrite(t *testing.T) {
	sink := &flakySink{fails: 1}
	changed := 0
	n := Notifier{Sink: sink, Config: config.Default(), RetryInitial: time.Millisecond, Changed: func() { changed++ }}
	err := n.Enqueue(context.Background(), Message{RecipientID: "c1", RecipientRole: domain.RoleCustomer, IssueID: "i1", IssueTitle: "Leak", Kind: domain.NotifyAccepted})
	require.NoError(t, err)
	assert.Equal(t, 2, sink.calls)
	require.Len(t, sink.saved, 1)
	assert.Equal(t, "Your issue was accepted by a worker: Leak", sink.saved[0].Message)
	assert.Equal(t, 1, changed)
}

func TestEnqueueGivesUpAfterMaxAttempts(t *testing.T) {
	sink := &flakySink{fails: 100}
	n := Notifier{Sink: sink, Config: config.Default(), RetryInitial: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := n.Enqueue(ctx, Message{RecipientID: "w1", RecipientRole: domain.RoleWorker, IssueID: "i1", Kind: domain.NotifyRejected})
	require.Error(t, err)
	assert.Equal(t, config.Default().Notifications.MaxAttempts, sink.calls)
	assert.Empty(t, sink.saved)
}

func TestMatchedNotificationsAreDeduplicated(t *testing.T) {
	r := newTestRepo(t)
	n := Notifier{Sink: r, Config: config.Default()}
	msg := Message{RecipientID: "w1", RecipientRole: domain.RoleWorker, IssueID: "issue-1", IssueTitle: "Leak", Kind: domain.NotifyMatched}
	require.NoError(t, n.Enqueue(context.Background(), msg, msg))
	require.NoError(t, n.Enqueue(context.Background(), msg))

	got, err := r.ListNotifications(context.Background(), repo.NotificationFilter{RecipientID: "w1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.NotifyMatched, got[0].Kind)
	assert.False(t, got[0].Read)
}

func TestDispatcherDeliversAtMostOnce(t *testing.T) {
	r := newTestRepo(t)
	n := Notifier{Sink: r, Config: config.Default()}
	require.NoError(t, n.Enqueue(context.Background(),
		Message{RecipientID: "c1", RecipientRole: domain.RoleCustomer, IssueID: "issue-1", Kind: domain.NotifyAccepted},
		Message{RecipientID: "w1", RecipientRole: domain.RoleWorker, IssueID: "issue-1", Kind: domain.NotifyMatched},
	))

	var (
		mu       sync.Mutex
		received []webhookNotification
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "s3cret", req.Header.Get("X-FixItNow-Secret"))
		var body webhookNotification
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(r, []config.WebhookConfig{{URL: srv.URL, Kinds: []string{"accepted"}, Secret: "s3cret"}}, nil)
	require.True(t, d.Enabled())
	claimed, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, claimed)

	claimed, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "accepted", received[0].Kind)
	assert.Equal(t, "c1", received[0].RecipientID)
}

func TestDispatcherDisabledWithoutHooks(t *testing.T) {
	off := false
	d := NewDispatcher(repo.Repo{}, []config.WebhookConfig{{URL: "https://example.com", Enabled: &off}}, nil)
	assert.False(t, d.Enabled())
	assert.NoError(t, d.Run(context.Background()))
}

package fixitnowsdk

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fixitnow/internal/config"
	"fixitnow/internal/db"
	"fixitnow/internal/domain"
	"fixitnow/internal/engine"
	"fixitnow/internal/migrate"
	"fixitnow/internal/server"
	"fixitnow/internal/store"
)

const secret = "sdk-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(store.New(conn, store.Options{}), config.Default())
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(t *testing.T, baseURL string, actor domain.Actor) *Client {
	t.Helper()
	token, err := server.SignToken(secret, actor, time.Hour)
	require.NoError(t, err)
	c := New(baseURL)
	c.BearerToken = token
	return c
}

func TestClientWalksIssueLifecycle(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	customer := clientFor(t, srv.URL, domain.Actor{ID: "cust-1", Role: domain.RoleCustomer})
	worker := clientFor(t, srv.URL, domain.Actor{ID: "w-1", Role: domain.RoleWorker})
	other := clientFor(t, srv.URL, domain.Actor{ID: "w-2", Role: domain.RoleWorker})

	_, err := worker.RegisterWorker(ctx, "Pat", []string{"plumbing"}, true)
	require.NoError(t, err)
	_, err = other.RegisterWorker(ctx, "Sam", []string{"plumbing"}, true)
	require.NoError(t, err)

	issue, err := customer.CreateIssue(ctx, NewIssue{
		Category:     "plumbing",
		Title:        "Leaking sink",
		Description:  "Water under the cabinet",
		Urgency:      "high",
		Location:     Location{Address: "1 Main St"},
		ContactPhone: "555-010-2030",
	})
	require.NoError(t, err)
	require.Equal(t, "pending", issue.Status)
	require.ElementsMatch(t, []string{"w-1", "w-2"}, issue.MatchedWorkers)

	inbox, err := worker.Notifications(ctx, true)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Equal(t, "matched", inbox[0].Kind)

	_, err = worker.Accept(ctx, issue.ID)
	require.NoError(t, err)
	_, err = other.Accept(ctx, issue.ID)
	require.True(t, IsConflict(err), "second accept: %v", err)

	_, err = worker.Submit(ctx, issue.ID, []string{"photo-1"})
	require.NoError(t, err)
	done, err := customer.Approve(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", done.Status)

	_, err = customer.Cancel(ctx, issue.ID)
	require.True(t, IsInvalidTransition(err), "cancel after completion: %v", err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "invalid_transition", apiErr.Code)

	rated, err := customer.Rate(ctx, issue.ID, 4)
	require.NoError(t, err)
	require.NotNil(t, rated.Rating)
	require.Equal(t, 4, *rated.Rating)
}

func TestClientListsViews(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	customer := clientFor(t, srv.URL, domain.Actor{ID: "cust-1", Role: domain.RoleCustomer})
	for _, title := range []string{"Flickering lights", "Dead outlet"} {
		_, err := customer.CreateIssue(ctx, NewIssue{
			Category:     "electrical",
			Title:        title,
			Description:  "needs a look",
			Location:     Location{Address: "2 Elm St"},
			ContactPhone: "555-010-9999",
		})
		require.NoError(t, err)
	}
	page, err := customer.ListIssues(ctx, "mine", []string{"pending"}, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)

	next, err := customer.ListIssues(ctx, "mine", []string{"pending"}, 1, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	require.NotEqual(t, page.Items[0].ID, next.Items[0].ID)
}

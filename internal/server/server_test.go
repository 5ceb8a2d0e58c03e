package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"fixitnow/internal/config"
	"fixitnow/internal/db"
	"fixitnow/internal/domain"
	"fixitnow/internal/engine"
	"fixitnow/internal/migrate"
	"fixitnow/internal/store"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn, store.Options{PollInterval: 20 * time.Millisecond})
	e := engine.New(st, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Close()
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor domain.Actor) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

var (
	customer = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	worker1  = domain.Actor{ID: "w-1", Role: domain.RoleWorker}
	worker2  = domain.Actor{ID: "w-2", Role: domain.RoleWorker}
)

var issueRequest = map[string]any{
	"category":      "Plumbing",
	"title":         "Leaking sink",
	"description":   "Water under the cabinet",
	"urgency":       "high",
	"budget":        map[string]any{"min": 150, "max": 300},
	"location":      map[string]any{"address": "1 Main St", "city": "Springfield"},
	"contact_phone": "555-010-2030",
}

func registerWorker(t *testing.T, srv *testServer, w domain.Actor, categories ...string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/workers/me", map[string]any{
		"name":       w.ID,
		"categories": categories,
	}, bearer(t, w))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register worker %s: %d %s", w.ID, res.StatusCode, data)
	}
}

func createIssue(t *testing.T, srv *testServer) domain.Issue {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/issues", issueRequest, bearer(t, customer))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: %d %s", res.StatusCode, data)
	}
	var issue domain.Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	return issue
}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	registerWorker(t, srv, worker1, "plumbing")

	issue := createIssue(t, srv)
	if issue.Status != domain.StatusPending || len(issue.MatchedWorkers) != 1 || issue.MatchedWorkers[0] != "w-1" {
		t.Fatalf("unexpected created issue: %+v", issue)
	}
	base := srv.URL + "/v1/issues/" + issue.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/accept", nil, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/submit", map[string]any{"completion_evidence": []string{"url1"}}, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/reject", map[string]any{"reason": "still leaking"}, bearer(t, customer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/submit", map[string]any{"completion_evidence": []string{"url2"}}, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resubmit: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, bearer(t, customer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, data)
	}
	var done domain.Issue
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal approved issue: %v", err)
	}
	if done.Status != domain.StatusCompleted || len(done.CompletionEvidence) != 1 || done.CompletionEvidence[0] != "url2" || done.CompletedAt == nil {
		t.Fatalf("unexpected completed issue: %+v", done)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, bearer(t, customer))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/rate", map[string]any{"rating": 5}, bearer(t, customer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rate: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workers/w-1", nil, bearer(t, customer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get worker: %d %s", res.StatusCode, data)
	}
	var w domain.Worker
	_ = json.Unmarshal(data, &w)
	if w.CompletedJobs != 1 || w.RatingCount != 1 {
		t.Fatalf("worker counters not updated: %+v", w)
	}
}

func TestSecondAcceptConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerWorker(t, srv, worker1, "plumbing")
	registerWorker(t, srv, worker2, "plumbing")
	issue := createIssue(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/accept", nil, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first accept: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/accept", nil, bearer(t, worker2))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, data)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	registerWorker(t, srv, worker1, "electrical")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues", issueRequest, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}

	bad := map[string]any{}
	for k, v := range issueRequest {
		bad[k] = v
	}
	bad["contact_phone"] = ""
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues", bad, bearer(t, customer))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_input" {
		t.Fatalf("expected invalid_input, got %d %s", res.StatusCode, data)
	}
	if !strings.Contains(string(data), "contact_phone") {
		t.Fatalf("error does not name the field: %s", data)
	}

	issue := createIssue(t, srv)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/accept", nil, bearer(t, worker1))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unmatched worker, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/issues/missing", nil, bearer(t, customer))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/issues?status=bogus", nil, bearer(t, customer))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d %s", res.StatusCode, data)
	}
}

func TestListAcceptsLegacyStatusAlias(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerWorker(t, srv, worker1, "plumbing")
	issue := createIssue(t, srv)
	base := srv.URL + "/v1/issues/" + issue.ID
	doJSON(t, srv.Client(), http.MethodPost, base+"/accept", nil, bearer(t, worker1))
	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/start", nil, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/issues?scope=assigned&status=in-progress", nil, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, data)
	}
	var page paginatedIssues
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != issue.ID {
		t.Fatalf("expected the started issue, got %+v", page.Items)
	}
}

func TestListPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for i := 0; i < 3; i++ {
		createIssue(t, srv)
	}
	seen := map[string]bool{}
	next := srv.URL + "/v1/issues?limit=2"
	for pages := 0; next != ""; pages++ {
		if pages > 3 {
			t.Fatal("pagination does not terminate")
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, next, nil, bearer(t, customer))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list: %d %s", res.StatusCode, data)
		}
		var page paginatedIssues
		_ = json.Unmarshal(data, &page)
		for _, it := range page.Items {
			seen[it.ID] = true
		}
		next = ""
		if page.NextCursor != "" {
			next = srv.URL + "/v1/issues?limit=2&cursor=" + url.QueryEscape(page.NextCursor)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct issues, got %d", len(seen))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, plain, err := srv.Engine.CreateAPIKey(context.Background(), domain.System, worker1, "cli")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": plain})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, data)
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "w-1" || who.Role != domain.RoleWorker || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "fxn_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestNotificationsInbox(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerWorker(t, srv, worker1, "plumbing")
	createIssue(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/notifications?unread=true", nil, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbox: %d %s", res.StatusCode, data)
	}
	var inbox []domain.Notification
	if err := json.Unmarshal(data, &inbox); err != nil {
		t.Fatalf("unmarshal inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != domain.NotifyMatched {
		t.Fatalf("unexpected inbox: %+v", inbox)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notifications/"+inbox[0].ID+"/read", nil, bearer(t, worker2))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for other recipient, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notifications/"+inbox[0].ID+"/read", nil, bearer(t, worker1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("mark read: %d %s", res.StatusCode, data)
	}
}

func TestIssueStreamSendsSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerWorker(t, srv, worker1, "plumbing")
	issue := createIssue(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/issues/stream?scope=matched", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range bearer(t, worker1) {
		req.Header.Set(k, v)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if !strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", res.Header.Get("Content-Type"))
	}
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var snap SnapshotEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &snap); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		if len(snap.Issues) != 1 || snap.Issues[0].ID != issue.ID || snap.Stale {
			t.Fatalf("unexpected snapshot: %+v", snap)
		}
		return
	}
	t.Fatalf("stream ended without a snapshot: %v", scanner.Err())
}

func TestHealthAndOpenAPIArePublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, p := range []string{"/v1/health", "/v1/openapi.json", "/v1/docs"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+p, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", p, res.StatusCode, data)
		}
	}
}

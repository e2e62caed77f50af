package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/engine"
	"trackline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("trackline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
		},
	})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "tester")
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

func TestIssueLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	projectID := "trackline"
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + projectID

	res, data := doJSON(t, client, http.MethodPost, base+"/issues", map[string]any{
		"title": "Payments revamp",
		"type":  "epic",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic status %d: %s", res.StatusCode, string(data))
	}
	var epic IssueResponse
	if err := json.Unmarshal(data, &epic); err != nil {
		t.Fatalf("unmarshal epic: %v", err)
	}
	if epic.State != "open" {
		t.Fatalf("expected new issue open, got %s", epic.State)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/issues", map[string]any{
		"title":     "Checkout flow",
		"type":      "story",
		"parent_id": epic.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create story status %d: %s", res.StatusCode, string(data))
	}
	var story IssueResponse
	_ = json.Unmarshal(data, &story)

	// Closing the epic while the story is open must conflict.
	res, data = doJSON(t, client, http.MethodPatch, base+"/issues/"+epic.ID, map[string]any{
		"state": "closed",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected open_children conflict, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/issues/"+story.ID, map[string]any{
		"state": "closed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close story status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/issues/"+epic.ID, map[string]any{
		"state": "closed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close epic status %d: %s", res.StatusCode, string(data))
	}
	var closed IssueResponse
	_ = json.Unmarshal(data, &closed)
	if closed.ClosedAt == nil {
		t.Fatalf("expected closed_at to be set")
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/issues/"+epic.ID+"/reopen", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reopen status %d: %s", res.StatusCode, string(data))
	}
	var reopened IssueResponse
	_ = json.Unmarshal(data, &reopened)
	if reopened.State != "reopened" {
		t.Fatalf("expected reopened, got %s", reopened.State)
	}

	// Reopening a non-closed issue must conflict.
	res, data = doJSON(t, client, http.MethodPost, base+"/issues/"+epic.ID+"/reopen", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected reopen conflict, got %d: %s", res.StatusCode, string(data))
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/trackline"

	res, data := doJSON(t, client, http.MethodPost, base+"/issues", map[string]any{
		"title": "Standalone",
		"type":  "epic",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var issue IssueResponse
	_ = json.Unmarshal(data, &issue)

	res, data = doJSON(t, client, http.MethodPatch, base+"/issues/"+issue.ID, map[string]any{
		"state": "reopened",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected invalid transition conflict, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBulkRejectsRestrictedFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/trackline"

	res, data := doJSON(t, client, http.MethodPost, base+"/issues", map[string]any{
		"title": "Bulk target",
		"type":  "epic",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var issue IssueResponse
	_ = json.Unmarshal(data, &issue)

	for _, field := range []string{"state", "type", "parent_id", "title"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/issues/bulk", map[string]any{
			"ids": []string{issue.ID},
			field: "x",
		}, nil)
		if res.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422 for bulk %s change, got %d: %s", field, res.StatusCode, string(data))
		}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("unmarshal error envelope: %v", err)
		}
		if envelope.Error.Code != "bulk_field_not_allowed" {
			t.Fatalf("bulk %s: expected bulk_field_not_allowed, got %q", field, envelope.Error.Code)
		}
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/issues/bulk", map[string]any{
		"ids":      []string{issue.ID},
		"priority": "urgent",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk priority status %d: %s", res.StatusCode, string(data))
	}
	var updated []IssueResponse
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal bulk: %v", err)
	}
	if len(updated) != 1 || updated[0].Priority != "urgent" {
		t.Fatalf("expected urgent priority, got %+v", updated)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "jwt-user",
		"roles":   []string{"maintainer"},
	}, map[string]string{"X-User-Id": ""})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
		"X-User-Id":     "",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.UserID != "jwt-user" {
		t.Fatalf("expected jwt-user, got %s", who.UserID)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

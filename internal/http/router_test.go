package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vortex44/deployer/internal/domain"
	"github.com/vortex44/deployer/internal/repository"
	"github.com/vortex44/deployer/internal/service/deploy"
)

type deploymentsStub struct {
	records     map[string]*domain.Deployment
	outcome     deploy.Outcome
	buildErr    error
	rollback    deploy.RollbackResult
	rollbackErr error
	createErr   error
	logs        string
	streamErr   error
	healthErr   error
	builds      int
	lastLimit   int
}

func newStub() *deploymentsStub {
	return &deploymentsStub{records: map[string]*domain.Deployment{
		"d1": {ID: "d1", ProjectID: "p1", Subdomain: "demo", Version: 1, Status: domain.StatusPending},
	}}
}

func (s *deploymentsStub) lookup(id string) (*domain.Deployment, error) {
	d, ok := s.records[id]
	if !ok {
		return nil, deploy.ErrNotFound
	}
	return d, nil
}

func (s *deploymentsStub) Create(_ context.Context, projectID, subdomain string) (*domain.Deployment, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &domain.Deployment{ID: "new", ProjectID: projectID, Subdomain: subdomain, Version: 2, Status: domain.StatusPending}, nil
}

func (s *deploymentsStub) Get(_ context.Context, id string) (*domain.Deployment, error) {
	return s.lookup(id)
}

func (s *deploymentsStub) List(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	s.lastLimit = limit
	var out []domain.Deployment
	for _, d := range s.records {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *deploymentsStub) Build(_ context.Context, id string) (deploy.Outcome, error) {
	s.builds++
	if _, err := s.lookup(id); err != nil {
		return deploy.Outcome{}, err
	}
	return s.outcome, s.buildErr
}

func (s *deploymentsStub) Stop(_ context.Context, id string) (*domain.Deployment, error) {
	d, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	d.Status = domain.StatusStopped
	return d, nil
}

func (s *deploymentsStub) Rollback(_ context.Context, id string) (deploy.RollbackResult, error) {
	if _, err := s.lookup(id); err != nil {
		return deploy.RollbackResult{}, err
	}
	return s.rollback, s.rollbackErr
}

func (s *deploymentsStub) Logs(_ context.Context, id string) (string, error) {
	if _, err := s.lookup(id); err != nil {
		return "", err
	}
	return s.logs, nil
}

func (s *deploymentsStub) StreamLogs(_ context.Context, id string, w io.Writer) error {
	if s.streamErr != nil {
		return s.streamErr
	}
	_, err := io.WriteString(w, "line one")
	return err
}

func (s *deploymentsStub) Health(context.Context) error { return s.healthErr }

func newTestRouter(stub *deploymentsStub, token string, checks map[string]HealthCheck) *Router {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), stub, token, checks)
}

func do(t *testing.T, r http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var payload map[string]any
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func TestHealthReportsComponents(t *testing.T) {
	stub := newStub()
	router := newTestRouter(stub, "", map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})

	for _, path := range []string{"/health", "/healthz"} {
		rec, payload := do(t, router, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK || payload["status"] != "ok" {
			t.Fatalf("%s: unexpected response %d %v", path, rec.Code, payload)
		}
		components, _ := payload["components"].(map[string]any)
		if _, ok := components["docker"]; !ok {
			t.Fatalf("%s: docker component missing: %v", path, components)
		}
		if _, ok := components["database"]; !ok {
			t.Fatalf("%s: database component missing: %v", path, components)
		}
		if _, err := time.Parse(time.RFC3339Nano, payload["timestamp"].(string)); err != nil {
			t.Fatalf("%s: bad timestamp: %v", path, err)
		}
	}
}

func TestHealthDegradedWhenEngineDown(t *testing.T) {
	stub := newStub()
	stub.healthErr = errors.New("cannot connect to the docker daemon")
	rec, payload := do(t, newTestRouter(stub, "", nil), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable || payload["status"] != "degraded" {
		t.Fatalf("unexpected response %d %v", rec.Code, payload)
	}
}

func TestBuildSuccess(t *testing.T) {
	stub := newStub()
	stub.outcome = deploy.Outcome{Success: true, URL: "https://demo.vortex44.com", ContainerID: "cid", Port: 31002}
	rec, payload := do(t, newTestRouter(stub, "", nil), http.MethodPost, "/deployments/d1/build", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload["success"] != true || payload["url"] != "https://demo.vortex44.com" || payload["containerId"] != "cid" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestBuildFailureReturnsLogs(t *testing.T) {
	stub := newStub()
	stub.outcome = deploy.Outcome{Logs: "npm ERR! missing script"}
	rec, payload := do(t, newTestRouter(stub, "", nil), http.MethodPost, "/deployments/d1/build", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if payload["error"] == nil || payload["logs"] != "npm ERR! missing script" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestBuildErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"unknown deployment", "/deployments/missing/build", nil, http.StatusNotFound},
		{"already building", "/deployments/d1/build", deploy.ErrBuildInProgress, http.StatusConflict},
		{"tracker failure", "/deployments/d1/build", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStub()
			stub.buildErr = tc.err
			rec, payload := do(t, newTestRouter(stub, "", nil), http.MethodPost, tc.path, "", nil)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
			if msg, _ := payload["error"].(string); strings.Contains(msg, "connection reset") {
				t.Fatalf("internal error leaked: %q", msg)
			}
		})
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	stub := newStub()
	stub.outcome = deploy.Outcome{Success: true}
	router := newTestRouter(stub, "s3cret", nil)

	for _, path := range []string{"/deployments/d1/build", "/deployments/d1/stop", "/deployments/d1/rollback"} {
		rec, _ := do(t, router, http.MethodPost, path, "", map[string]string{tokenHeader: "wrong"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	if stub.builds != 0 {
		t.Fatalf("build must not run without token")
	}
	rec, _ := do(t, router, http.MethodPost, "/deployments/d1/build", "", map[string]string{tokenHeader: "s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	rec, _ = do(t, router, http.MethodGet, "/deployments/d1/logs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reads should not need a token, got %d", rec.Code)
	}
}

func TestStop(t *testing.T) {
	stub := newStub()
	rec, payload := do(t, newTestRouter(stub, "", nil), http.MethodPost, "/deployments/d1/stop", "", nil)
	if rec.Code != http.StatusOK || payload["success"] != true {
		t.Fatalf("unexpected response %d %v", rec.Code, payload)
	}
	if stub.records["d1"].Status != domain.StatusStopped {
		t.Fatalf("expected stopped")
	}
}

func TestRollback(t *testing.T) {
	stub := newStub()
	stub.rollbackErr = deploy.ErrNoActiveDeployment
	router := newTestRouter(stub, "", nil)
	if rec, _ := do(t, router, http.MethodPost, "/deployments/d1/rollback", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without active deployment, got %d", rec.Code)
	}

	stub.rollbackErr = nil
	stub.rollback = deploy.RollbackResult{
		RolledBack: &domain.Deployment{ID: "d1", Status: domain.StatusRolledBack},
		Restored:   &domain.Deployment{ID: "d0", Status: domain.StatusActive},
	}
	rec, payload := do(t, router, http.MethodPost, "/deployments/d1/rollback", "", nil)
	if rec.Code != http.StatusOK || payload["success"] != true {
		t.Fatalf("unexpected response %d %v", rec.Code, payload)
	}
	restored, _ := payload["restored"].(map[string]any)
	if restored["id"] != "d0" {
		t.Fatalf("expected restored deployment, got %v", payload["restored"])
	}
}

func TestLogsAndGet(t *testing.T) {
	stub := newStub()
	stub.logs = "No container found"
	router := newTestRouter(stub, "", nil)

	rec, payload := do(t, router, http.MethodGet, "/deployments/d1/logs", "", nil)
	if rec.Code != http.StatusOK || payload["logs"] != "No container found" {
		t.Fatalf("unexpected response %d %v", rec.Code, payload)
	}
	rec, payload = do(t, router, http.MethodGet, "/deployments/d1", "", nil)
	if rec.Code != http.StatusOK || payload["subdomain"] != "demo" {
		t.Fatalf("unexpected response %d %v", rec.Code, payload)
	}
	if rec, _ := do(t, router, http.MethodGet, "/deployments/missing/logs", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec, _ := do(t, router, http.MethodDelete, "/deployments/d1", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec, _ := do(t, router, http.MethodGet, "/deployments/d1/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestProjectDeployments(t *testing.T) {
	stub := newStub()
	router := newTestRouter(stub, "", nil)

	rec, payload := do(t, router, http.MethodPost, "/projects/p1/deployments", `{"subdomain":"demo"}`, nil)
	if rec.Code != http.StatusCreated || payload["projectId"] != "p1" || payload["status"] != domain.StatusPending {
		t.Fatalf("unexpected create response %d %v", rec.Code, payload)
	}

	stub.createErr = repository.ErrInvalidArgument
	if rec, _ := do(t, router, http.MethodPost, "/projects/p1/deployments", `{"subdomain":"Not Valid"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec, _ := do(t, router, http.MethodPost, "/projects/p1/deployments", `{`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rec.Code)
	}

	rec, payload = do(t, router, http.MethodGet, "/projects/p1/deployments?limit=500", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if list, _ := payload["deployments"].([]any); len(list) != 1 {
		t.Fatalf("unexpected list %v", payload["deployments"])
	}
	if stub.lastLimit != maxListLimit {
		t.Fatalf("limit should be capped, got %d", stub.lastLimit)
	}
	if rec, _ := do(t, router, http.MethodGet, "/projects/p1/deployments?limit=abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec, _ := do(t, router, http.MethodGet, "/projects/p1/other", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLogStreamWebsocket(t *testing.T) {
	stub := newStub()
	srv := httptest.NewServer(newTestRouter(stub, "", nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/deployments/d1/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage || string(msg) != "line one" {
		t.Fatalf("unexpected frame %d %q", kind, msg)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestLogStreamWithoutContainer(t *testing.T) {
	stub := newStub()
	stub.streamErr = deploy.ErrNoContainer
	srv := httptest.NewServer(newTestRouter(stub, "", nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/deployments/d1/logs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != noContainerMessage {
		t.Fatalf("unexpected frame %q %v", msg, err)
	}
}

func TestLogStreamUnknownDeployment(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(newStub(), "", nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/deployments/missing/logs/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %v", resp)
	}
}

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nexus/server/internal/coordinator"
	"nexus/server/internal/errkind"
	"nexus/server/internal/historydb"
	"nexus/server/internal/taskbus"
)

type fakeTasks struct {
	mu         sync.Mutex
	registered []string
	started    []string
	cancelled  []string
	notes      []string
	activeUser string

	registerErr error
	cancelErr   error
	reportPath  string
	reportErr   error
}

func (f *fakeTasks) Register(command, userID, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return "", f.registerErr
	}
	f.registered = append(f.registered, command)
	return "task-1", nil
}

func (f *fakeTasks) Start(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, taskID)
	return nil
}

func (f *fakeTasks) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

func (f *fakeTasks) NoteProgress(taskID, note string, progress float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeTasks) ActiveTasks(userID string) []coordinator.TaskView {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeUser = userID
	return []coordinator.TaskView{{ID: "task-1", Command: "do things", UserID: userID}}
}

func (f *fakeTasks) Task(taskID string) (coordinator.TaskView, bool) {
	return coordinator.TaskView{ID: taskID}, true
}

func (f *fakeTasks) ReportPath(taskID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reportPath, f.reportErr
}

type fakeHistory struct {
	mu     sync.Mutex
	user   string
	since  time.Time
	limit  int
	offset int
}

func (f *fakeHistory) ListMessages(userID string, since time.Time, limit, offset int) ([]historydb.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user, f.since, f.limit, f.offset = userID, since, limit, offset
	return []historydb.Message{{MessageID: "m1", UserID: userID, Content: "hello"}}, nil
}

type envelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   map[string]any `json:"error"`
}

func newTestServer(t *testing.T, tasks *fakeTasks, mutate func(*Deps)) (*Server, *httptest.Server) {
	t.Helper()
	deps := Deps{
		Tasks:         tasks,
		Bus:           taskbus.New(),
		Tokens:        map[string]string{"tok-alice": "alice"},
		BaseReportDir: t.TempDir(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := NewServer(deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	_ = resp.Body.Close()
	return resp, env
}

func TestHealthIsUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t, &fakeTasks{}, nil)
	resp, env := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", resp.StatusCode, env)
	}
}

func TestAuthRequired(t *testing.T) {
	_, ts := newTestServer(t, &fakeTasks{}, nil)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/tasks/active", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Success {
		t.Fatalf("status=%d env=%+v", resp.StatusCode, env)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/tasks/active", "bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token accepted: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/tasks/active", "tok-alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token rejected: %d", resp.StatusCode)
	}
}

func TestCookieAuth(t *testing.T) {
	tasks := &fakeTasks{}
	_, ts := newTestServer(t, tasks, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tasks/active", nil)
	req.AddCookie(&http.Cookie{Name: "nexus_session", Value: "tok-alice"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie auth rejected: %d", resp.StatusCode)
	}
	if tasks.activeUser != "alice" {
		t.Fatalf("principal = %q, want alice", tasks.activeUser)
	}
}

func TestCreateTaskRegistersAndStarts(t *testing.T) {
	tasks := &fakeTasks{}
	_, ts := newTestServer(t, tasks, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/tasks", "tok-alice", map[string]any{
		"command": "enable wifi",
	})
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", resp.StatusCode, env)
	}
	if env.Data["taskId"] != "task-1" {
		t.Fatalf("data = %v", env.Data)
	}
	if len(tasks.registered) != 1 || tasks.registered[0] != "enable wifi" {
		t.Fatalf("registered = %v", tasks.registered)
	}
	if len(tasks.started) != 1 || tasks.started[0] != "task-1" {
		t.Fatalf("started = %v", tasks.started)
	}
}

func TestCreateTaskWithURLPrefixesCommand(t *testing.T) {
	tasks := &fakeTasks{}
	_, ts := newTestServer(t, tasks, nil)

	doJSON(t, http.MethodPost, ts.URL+"/tasks", "tok-alice", map[string]any{
		"command": "accept cookies",
		"url":     "https://example.com",
	})
	if len(tasks.registered) != 1 || tasks.registered[0] != "Open https://example.com. accept cookies" {
		t.Fatalf("registered = %v", tasks.registered)
	}
}

func TestCreateTaskValidationError(t *testing.T) {
	tasks := &fakeTasks{registerErr: errkind.New(errkind.Validation, "command is required")}
	_, ts := newTestServer(t, tasks, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/tasks", "tok-alice", map[string]any{"command": ""})
	if resp.StatusCode != http.StatusBadRequest || env.Success {
		t.Fatalf("status=%d env=%+v", resp.StatusCode, env)
	}
	if env.Error["code"] != "VALIDATION" {
		t.Fatalf("error = %v", env.Error)
	}
}

func TestCreateTaskWithoutSessionConflicts(t *testing.T) {
	tasks := &fakeTasks{registerErr: errkind.New(errkind.NotConnected, "no active device session")}
	_, ts := newTestServer(t, tasks, nil)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/tasks", "tok-alice", map[string]any{"command": "do things"})
	if resp.StatusCode != http.StatusConflict || env.Success {
		t.Fatalf("status=%d env=%+v", resp.StatusCode, env)
	}
	if env.Error["code"] != "NOT_CONNECTED" {
		t.Fatalf("error = %v", env.Error)
	}
	tasks.mu.Lock()
	started := len(tasks.started)
	tasks.mu.Unlock()
	if started != 0 {
		t.Fatalf("task started without a device session")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tasks := &fakeTasks{cancelErr: errkind.New(errkind.Timeout, "step timed out")}
	_, ts := newTestServer(t, tasks, nil)

	resp, env := doJSON(t, http.MethodDelete, ts.URL+"/tasks/task-1", "tok-alice", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if env.Error["code"] != "TIMEOUT" {
		t.Fatalf("error = %v", env.Error)
	}
	if _, hasStack := env.Error["stack"]; hasStack {
		t.Fatal("stack present without debug mode")
	}
}

func TestDebugModeIncludesStack(t *testing.T) {
	tasks := &fakeTasks{cancelErr: errkind.New(errkind.Internal, "boom")}
	_, ts := newTestServer(t, tasks, func(deps *Deps) { deps.Debug = true })

	_, env := doJSON(t, http.MethodDelete, ts.URL+"/tasks/task-1", "tok-alice", nil)
	if _, hasStack := env.Error["stack"]; !hasStack {
		t.Fatalf("stack missing in debug mode: %v", env.Error)
	}
}

func TestCancelTask(t *testing.T) {
	tasks := &fakeTasks{}
	_, ts := newTestServer(t, tasks, nil)

	resp, env := doJSON(t, http.MethodDelete, ts.URL+"/tasks/task-9", "tok-alice", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", resp.StatusCode, env)
	}
	if len(tasks.cancelled) != 1 || tasks.cancelled[0] != "task-9" {
		t.Fatalf("cancelled = %v", tasks.cancelled)
	}
}

func TestProgressNoteFallsBackToMessage(t *testing.T) {
	tasks := &fakeTasks{}
	_, ts := newTestServer(t, tasks, nil)

	doJSON(t, http.MethodPut, ts.URL+"/tasks/task-1/progress", "tok-alice", map[string]any{
		"message":  "halfway there",
		"progress": 0.5,
	})
	if len(tasks.notes) != 1 || tasks.notes[0] != "halfway there" {
		t.Fatalf("notes = %v", tasks.notes)
	}
}

func TestMessageHistoryQueryParams(t *testing.T) {
	history := &fakeHistory{}
	_, ts := newTestServer(t, &fakeTasks{}, func(deps *Deps) { deps.History = history })

	since := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	url := ts.URL + "/messages/history?since=" + since.Format(time.RFC3339) + "&limit=10&offset=5"
	resp, env := doJSON(t, http.MethodGet, url, "tok-alice", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("status=%d env=%+v", resp.StatusCode, env)
	}
	if history.user != "alice" || !history.since.Equal(since) || history.limit != 10 || history.offset != 5 {
		t.Fatalf("history call = %+v", history)
	}
}

func TestServeScreenshot(t *testing.T) {
	tasks := &fakeTasks{}
	var baseDir string
	_, ts := newTestServer(t, tasks, func(deps *Deps) { baseDir = deps.BaseReportDir })

	shotDir := filepath.Join(baseDir, "android", "run-1", "screenshots")
	if err := os.MkdirAll(shotDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shotDir, "shot.png"), []byte("\x89PNG\r\n\x1a\npix"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/android/screenshots/run-1/shot.png", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/android/screenshots/run-1/missing.png", "tok-alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing file status = %d", resp.StatusCode)
	}
}

func TestScreenshotPathTraversalRejected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeTasks{}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://x/android/screenshots/run-1/evil", nil)
	req.URL.Path = "/android/screenshots/run-1/..\\secret"
	req.Header.Set("Authorization", "Bearer tok-alice")
	rr := httptest.NewRecorder()
	srv.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("traversal status = %d, want 400", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://x/android/screenshots/run-1/evil", nil)
	req.URL.Path = "/android/screenshots/../run-1/shot.png"
	req.Header.Set("Authorization", "Bearer tok-alice")
	rr = httptest.NewRecorder()
	srv.mux.ServeHTTP(rr, req)
	if rr.Code == http.StatusOK {
		t.Fatalf("dotdot run id served: %d", rr.Code)
	}
}

func TestServeFinalReportWithFallback(t *testing.T) {
	var baseDir string
	_, ts := newTestServer(t, &fakeTasks{}, func(deps *Deps) { baseDir = deps.BaseReportDir })

	runDir := filepath.Join(baseDir, "android", "run-2")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "report.html"), []byte("<html>initial</html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/android/reports/run-2", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fallback report status = %d", resp.StatusCode)
	}
}

func TestCORSForAllowedOrigin(t *testing.T) {
	_, ts := newTestServer(t, &fakeTasks{}, func(deps *Deps) {
		deps.AllowedOrigins = []string{"http://localhost:3000"}
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/tasks/active", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("allow-credentials missing")
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/tasks/active", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin echoed")
	}
}

package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func (s *Server) registerTaskRoutes() {
	s.mux.HandleFunc("/tasks", s.handleTasks)
	s.mux.HandleFunc("/tasks/", s.handleTaskActions)
}

func (s *Server) registerHistoryRoutes() {
	s.mux.HandleFunc("/messages/history", s.handleMessageHistory)
}

func (s *Server) registerArtifactRoutes() {
	s.mux.HandleFunc("/android/screenshots/", s.handleScreenshot)
	s.mux.HandleFunc("/android/reports/", s.handleReport)
}

type createTaskRequest struct {
	Command string         `json:"command"`
	URL     string         `json:"url"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	user, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondFailure(w, err)
		return
	}
	command := strings.TrimSpace(req.Command)
	if url := strings.TrimSpace(req.URL); url != "" {
		command = strings.TrimSpace("Open " + url + ". " + command)
	}
	sessionID := sessionIDFromRequest(r)
	taskID, err := s.deps.Tasks.Register(command, user, sessionID)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if err := s.deps.Tasks.Start(taskID); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondOK(w, map[string]any{"taskId": taskID, "status": "executing"})
}

func (s *Server) handleTaskActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	head := strings.TrimSpace(parts[0])

	if head == "active" && len(parts) == 1 {
		s.handleActiveTasks(w, r)
		return
	}

	user, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	taskID := head

	if len(parts) == 1 && r.Method == http.MethodDelete {
		if err := s.deps.Tasks.Cancel(taskID); err != nil {
			s.respondFailure(w, err)
			return
		}
		respondOK(w, map[string]any{"taskId": taskID, "cancelled": true})
		return
	}
	if len(parts) == 2 && parts[1] == "report" && r.Method == http.MethodGet {
		s.serveTaskReport(w, r, taskID)
		return
	}
	if len(parts) == 2 && parts[1] == "progress" && r.Method == http.MethodPut {
		s.handleTaskProgress(w, r, taskID, user)
		return
	}
	respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	user, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	respondOK(w, map[string]any{"tasks": s.deps.Tasks.ActiveTasks(user)})
}

func (s *Server) serveTaskReport(w http.ResponseWriter, r *http.Request, taskID string) {
	path, err := s.deps.Tasks.ReportPath(taskID)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	if _, statErr := os.Stat(path); statErr != nil {
		respondError(w, http.StatusNotFound, "REPORT_NOT_FOUND", "report file is missing")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFile(w, r, path)
}

type progressRequest struct {
	Note     string  `json:"note"`
	Message  string  `json:"message"`
	Progress float64 `json:"progress"`
}

// handleTaskProgress records an externally reported note against the task.
// It never advances the coordinator's step state machine.
func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request, taskID, user string) {
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondFailure(w, err)
		return
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = strings.TrimSpace(req.Message)
	}
	if err := s.deps.Tasks.NoteProgress(taskID, note, req.Progress); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.logger.Info("external_progress", "task_id", taskID, "user_id", user, "progress", req.Progress)
	respondOK(w, map[string]any{"taskId": taskID, "recorded": true})
}

func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	user, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	if s.deps.History == nil {
		respondOK(w, map[string]any{"messages": []any{}})
		return
	}
	query := r.URL.Query()
	since := parseSince(query.Get("since"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	messages, err := s.deps.History.ListMessages(user, since, limit, offset)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondOK(w, map[string]any{"messages": messages})
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/android/screenshots/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	runID, filename := parts[0], parts[1]
	if !safePathSegment(runID) || !safePathSegment(filename) {
		respondError(w, http.StatusBadRequest, "VALIDATION", "invalid path segment")
		return
	}
	path := filepath.Join(s.deps.BaseReportDir, "android", runID, "screenshots", filename)
	if _, err := os.Stat(path); err != nil {
		respondError(w, http.StatusNotFound, "SCREENSHOT_NOT_FOUND", "screenshot not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/android/reports/")
	if !safePathSegment(runID) {
		respondError(w, http.StatusBadRequest, "VALIDATION", "invalid path segment")
		return
	}
	runDir := filepath.Join(s.deps.BaseReportDir, "android", runID)
	for _, name := range []string{"nexus_report.html", "report.html"} {
		path := filepath.Join(runDir, name)
		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			http.ServeFile(w, r, path)
			return
		}
	}
	respondError(w, http.StatusNotFound, "REPORT_NOT_FOUND", "report not found")
}

func safePathSegment(segment string) bool {
	if segment == "" || segment == "." || segment == ".." {
		return false
	}
	return !strings.ContainsAny(segment, `/\`)
}

func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie("nexus_session"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get("X-Session-Id")
}

func parseSince(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil && millis > 0 {
		return time.UnixMilli(millis)
	}
	return time.Time{}
}

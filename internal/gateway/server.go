package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"nexus/server/internal/coordinator"
	"nexus/server/internal/errkind"
	"nexus/server/internal/historydb"
	"nexus/server/internal/logging"
	"nexus/server/internal/taskbus"
)

// TaskService is the coordinator surface the gateway exposes over HTTP/WS.
type TaskService interface {
	Register(command, userID, sessionID string) (string, error)
	Start(taskID string) error
	Cancel(taskID string) error
	NoteProgress(taskID, note string, progress float64) error
	ActiveTasks(userID string) []coordinator.TaskView
	Task(taskID string) (coordinator.TaskView, bool)
	ReportPath(taskID string) (string, error)
}

type HistoryService interface {
	ListMessages(userID string, since time.Time, limit, offset int) ([]historydb.Message, error)
}

type Deps struct {
	Tasks       TaskService
	History     HistoryService
	Connections ConnectionService
	Bus         *taskbus.Bus
	Logger      *slog.Logger

	// Tokens maps bearer/cookie tokens to principal ids. Empty means the
	// server trusts local callers and assigns the "local" principal.
	Tokens         map[string]string
	AllowedOrigins []string
	BaseReportDir  string
	Debug          bool
}

type Server struct {
	deps   Deps
	mux    *http.ServeMux
	hub    *WSHub
	logger *slog.Logger

	unsubscribe func()
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		logger: logger.With("module", "gateway"),
	}
	s.hub = NewWSHub(s.logger)
	s.registerTaskRoutes()
	s.registerHistoryRoutes()
	s.registerArtifactRoutes()
	s.registerConnectionRoutes()
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	if deps.Bus != nil {
		s.unsubscribe = deps.Bus.Subscribe(s.mirrorTaskEvent)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withCORS(s.mux)
}

// Close detaches the bus listener and drops websocket subscribers.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.hub.CloseAll()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

// principal resolves the calling user from a bearer token or the
// nexus_session cookie. Empty string means unauthenticated.
func (s *Server) principal(r *http.Request) string {
	if len(s.deps.Tokens) == 0 {
		return "local"
	}
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if token == "" {
		if cookie, err := r.Cookie("nexus_session"); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return ""
	}
	return s.deps.Tokens[token]
}

func (s *Server) requirePrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := s.principal(r)
	if user == "" {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid credentials")
		return "", false
	}
	return user, true
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.deps.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// respondFailure maps an errkind error onto the HTTP status table.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	detail := map[string]any{
		"code":    strings.ToUpper(string(kind)),
		"message": err.Error(),
	}
	if s.deps.Debug {
		detail["stack"] = string(debug.Stack())
	}
	writeJSON(w, errkind.HTTPStatus(kind), map[string]any{"success": false, "error": detail})
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode string, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errkind.Wrap(errkind.Validation, "invalid JSON body", err)
	}
	return nil
}

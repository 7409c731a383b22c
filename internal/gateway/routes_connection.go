package gateway

import (
	"context"
	"net/http"
	"strings"

	"nexus/server/internal/config"
	"nexus/server/internal/connmgr"
	"nexus/server/internal/driver"
)

// ConnectionService is the device connection surface. Implemented by
// connmgr.Manager.
type ConnectionService interface {
	GetDevices(ctx context.Context) ([]driver.DeviceInfo, error)
	Connect(ctx context.Context, ipOrUDID string, port int, patch config.Patch) (connmgr.ConnectResult, error)
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context) error
	UpdateSettings(patch config.Patch) config.Settings
	Settings() config.Settings
	State() string
	InFlight() bool
	CurrentSession() (connmgr.Session, connmgr.DeviceDetails, bool)
}

func (s *Server) registerConnectionRoutes() {
	if s.deps.Connections == nil {
		return
	}
	s.mux.HandleFunc("/connection/devices", s.handleConnectionDevices)
	s.mux.HandleFunc("/connection/connect", s.handleConnectionConnect)
	s.mux.HandleFunc("/connection/disconnect", s.handleConnectionDisconnect)
	s.mux.HandleFunc("/connection/test", s.handleConnectionTest)
	s.mux.HandleFunc("/connection/settings", s.handleConnectionSettings)
	s.mux.HandleFunc("/connection/status", s.handleConnectionStatus)
}

func (s *Server) handleConnectionDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	devices, err := s.deps.Connections.GetDevices(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondOK(w, map[string]any{"devices": devices})
}

type connectRequest struct {
	IP       string        `json:"ip"`
	UDID     string        `json:"udid"`
	Port     int           `json:"port"`
	Settings *config.Patch `json:"settings"`
}

func (s *Server) handleConnectionConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondFailure(w, err)
		return
	}
	target := strings.TrimSpace(req.IP)
	if target == "" {
		target = strings.TrimSpace(req.UDID)
	}
	patch := config.Patch{}
	if req.Settings != nil {
		patch = *req.Settings
	}
	result, err := s.deps.Connections.Connect(r.Context(), target, req.Port, patch)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	respondOK(w, result)
}

func (s *Server) handleConnectionDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	if err := s.deps.Connections.Disconnect(r.Context()); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondOK(w, map[string]any{"state": s.deps.Connections.State()})
}

func (s *Server) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	if err := s.deps.Connections.TestConnection(r.Context()); err != nil {
		s.respondFailure(w, err)
		return
	}
	respondOK(w, map[string]any{"reachable": true})
}

func (s *Server) handleConnectionSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		respondOK(w, s.deps.Connections.Settings())
	case http.MethodPut:
		var patch config.Patch
		if err := decodeJSON(r, &patch); err != nil {
			s.respondFailure(w, err)
			return
		}
		respondOK(w, s.deps.Connections.UpdateSettings(patch))
	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if _, ok := s.requirePrincipal(w, r); !ok {
		return
	}
	state := s.deps.Connections.State()
	data := map[string]any{
		"state":    state,
		"inFlight": s.deps.Connections.InFlight(),
	}
	if session, details, ok := s.deps.Connections.CurrentSession(); ok {
		data["session"] = session
		data["device"] = details
	}
	respondOK(w, data)
}

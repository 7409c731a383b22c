package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"nexus/server/internal/taskbus"
)

const (
	subscriberQueueSize = 64
	wsWriteTimeout      = 500 * time.Millisecond
)

// Frame is the multiplexed wire shape, server-to-client and back.
type Frame struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Role      string         `json:"role,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

type clientFrame struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"taskId"`
	StepIndex int            `json:"stepIndex"`
	Command   string         `json:"command"`
	Options   map[string]any `json:"options"`
}

type wsClient struct {
	conn    *websocket.Conn
	userID  string
	queue   chan Frame
	done    chan struct{}
	once    sync.Once
	lastTS  int64
	dropped atomic.Uint64
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// enqueue is non-blocking: a full queue drops the frame for this subscriber
// only. Telemetry is best-effort.
func (c *wsClient) enqueue(frame Frame) {
	select {
	case c.queue <- frame:
	default:
		c.dropped.Add(1)
	}
}

// stamp keeps timestamps strictly monotonic per connection.
func (c *wsClient) stamp(frame *Frame) {
	ts := time.Now().UnixMilli()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	frame.Timestamp = ts
}

type WSHub struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	seq     atomic.Uint64
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{logger: logger, clients: map[*wsClient]struct{}{}}
}

func (h *WSHub) add(conn *websocket.Conn, userID string) *wsClient {
	client := &wsClient{
		conn:   conn,
		userID: userID,
		queue:  make(chan Frame, subscriberQueueSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	go h.writeLoop(client)
	return client
}

func (h *WSHub) remove(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	if dropped := client.dropped.Load(); dropped > 0 {
		h.logger.Warn("ws_frames_dropped", "user_id", client.userID, "dropped", dropped)
	}
	client.close()
}

func (h *WSHub) writeLoop(client *wsClient) {
	for {
		select {
		case <-client.done:
			return
		case frame := <-client.queue:
			client.stamp(&frame)
			msg, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err = client.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				client.close()
				return
			}
		}
	}
}

// Broadcast fans a frame to every subscriber, assigning a hub-wide id.
func (h *WSHub) Broadcast(frame Frame) {
	if frame.ID == "" {
		frame.ID = fmt.Sprintf("evt_%d", h.seq.Add(1))
	}
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()
	for _, client := range clients {
		client.enqueue(frame)
	}
}

func (h *WSHub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = map[*wsClient]struct{}{}
	h.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := s.principal(r)
	if user == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	opts := &websocket.AcceptOptions{}
	if patterns := s.originPatterns(); len(patterns) > 0 {
		opts.OriginPatterns = patterns
	} else {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	client := s.hub.add(conn, user)
	defer s.hub.remove(client)

	sessionID := sessionIDFromRequest(r)
	ctx := r.Context()
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			client.enqueue(Frame{Type: "error", Payload: map[string]any{"message": "invalid frame"}})
			continue
		}
		s.dispatchClientFrame(client, frame, user, sessionID)
	}
}

func (s *Server) dispatchClientFrame(client *wsClient, frame clientFrame, user, sessionID string) {
	switch frame.Type {
	case "execute-command":
		taskID, err := s.deps.Tasks.Register(frame.Command, user, sessionID)
		if err == nil {
			err = s.deps.Tasks.Start(taskID)
		}
		if err != nil {
			client.enqueue(Frame{Type: "error", Payload: map[string]any{"message": err.Error()}})
			return
		}
		client.enqueue(Frame{
			Type:   "chat-update",
			TaskID: taskID,
			Role:   "system",
			Payload: map[string]any{
				"status":  "accepted",
				"command": frame.Command,
			},
		})
	case "queue-step-update":
		if s.deps.Bus != nil {
			s.deps.Bus.QueueStepUpdate(frame.TaskID, frame.StepIndex, frame.Command)
		}
		client.enqueue(Frame{
			Type:   "chat-update",
			TaskID: frame.TaskID,
			Role:   "system",
			Payload: map[string]any{
				"queued":    true,
				"stepIndex": frame.StepIndex,
			},
		})
	default:
		client.enqueue(Frame{Type: "error", Payload: map[string]any{"message": "unknown frame type: " + frame.Type}})
	}
}

// mirrorTaskEvent forwards every bus event to websocket subscribers.
func (s *Server) mirrorTaskEvent(evt taskbus.Event) {
	payload := map[string]any{
		"event":     string(evt.Type),
		"userId":    evt.UserID,
		"sessionId": evt.SessionID,
	}
	if evt.Status != "" {
		payload["status"] = evt.Status
	}
	if evt.Step != nil {
		payload["step"] = *evt.Step
	}
	if len(evt.Payload) > 0 {
		payload["payload"] = evt.Payload
	}
	s.hub.Broadcast(Frame{Type: "task-event", TaskID: evt.TaskID, Payload: payload})
}

func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.deps.AllowedOrigins))
	for _, origin := range s.deps.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		origin = strings.TrimPrefix(origin, "http://")
		origin = strings.TrimPrefix(origin, "https://")
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}

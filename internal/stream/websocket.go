package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/evmakarov/atlas-tutor/internal/agent"
	"github.com/evmakarov/atlas-tutor/internal/citation"
	"github.com/evmakarov/atlas-tutor/internal/domain"
	"github.com/evmakarov/atlas-tutor/internal/history"
	"github.com/evmakarov/atlas-tutor/internal/identity"
	"github.com/evmakarov/atlas-tutor/internal/store"
)

// WebSocketHandler serves the live chat channel. It carries the same turns as
// the SSE endpoint; clients pick whichever transport suits them.
type WebSocketHandler struct {
	repo          store.Repository
	service       *agent.Service
	cm            *ConnManager
	snapshots     *history.TwoTier
	locks         *citation.ConversationLocks
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket chat handler. snapshots and
// locks serve the reset frame; locks must be the same set the normalizer
// uses.
func NewWebSocketHandler(repo store.Repository, service *agent.Service, cm *ConnManager, snapshots *history.TwoTier, locks *citation.ConversationLocks, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		service:       service,
		cm:            cm,
		snapshots:     snapshots,
		locks:         locks,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage represents the client-to-server WebSocket message structure.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsReply represents the server-to-client WebSocket message structure.
type wsReply struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	ToolsUsed []string `json:"tools_used,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	courseID := identity.CourseIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "course_id", courseID, "ip", identity.IPFromRequest(r))

	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.cm.Register(userID, courseID, ws)
	defer h.cm.Unregister(userID, courseID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.readLoop(ctx, ws, userID, courseID)
	slog.Info("Chat session ended", "user_id", userID, "course_id", courseID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID, courseID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			if writeErr := h.writeJSON(ws, wsReply{Type: "error", Error: "invalid message"}); writeErr != nil {
				slog.Debug("Failed to send invalid message error", "error", writeErr)
			}
			continue
		}

		switch msg.Type {
		case "message":
			if strings.TrimSpace(msg.Content) == "" {
				if err := h.writeJSON(ws, wsReply{Type: "error", Error: "message is required"}); err != nil {
					slog.Debug("Failed to send empty message error", "error", err)
				}
				continue
			}
			if !h.streamTurn(ctx, ws, userID, courseID, msg.Content) {
				return
			}
		case "ping":
			if err := h.writeJSON(ws, wsReply{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "reset":
			if !h.resetConversation(ctx, ws, userID, courseID) {
				return
			}
		}

		// Update last seen asynchronously with timeout.
		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
				slog.Warn("Failed to update last seen", "error", err)
			}
		}()
	}
}

// resetConversation wipes the conversation the same way the HTTP clear
// endpoint does: both history tiers under the conversation lock, then a
// best-effort runtime session reset. Returns false when the connection is
// unusable.
func (h *WebSocketHandler) resetConversation(ctx context.Context, ws *websocket.Conn, userID, courseID string) bool {
	key := domain.ConversationKey{UserID: userID, CourseID: courseID}

	unlock := h.locks.Lock(key)
	defer unlock()

	if err := h.snapshots.Clear(ctx, key); err != nil {
		slog.Error("Failed to clear conversation", "conversation", key.String(), "error", err)
		if writeErr := h.writeJSON(ws, wsReply{Type: "error", Error: "failed to clear conversation"}); writeErr != nil {
			slog.Debug("Failed to send clear error", "error", writeErr)
			return false
		}
		return true
	}

	// Runtime state is best effort; the durable wipe already succeeded.
	if err := h.service.ResetSession(ctx, userID, courseID); err != nil {
		slog.Warn("Failed to reset runtime session", "conversation", key.String(), "error", err)
	}

	slog.Info("Conversation cleared", "conversation", key.String())
	if err := h.writeJSON(ws, wsReply{Type: "cleared"}); err != nil {
		slog.Debug("Failed to send cleared marker", "error", err)
		return false
	}
	return true
}

// streamTurn runs one chat turn and forwards chunks to the socket. Returns
// false when the connection is unusable.
func (h *WebSocketHandler) streamTurn(ctx context.Context, ws *websocket.Conn, userID, courseID, content string) bool {
	req := agent.ChatRequest{
		Message:  content,
		UserID:   userID,
		CourseID: courseID,
	}

	for resp, err := range h.service.Chat(ctx, req) {
		if err != nil {
			slog.Error("Chat turn failed", "error", err, "user_id", userID, "course_id", courseID)
			if writeErr := h.writeJSON(ws, wsReply{Type: "error", Error: err.Error()}); writeErr != nil {
				slog.Debug("Failed to send chat error", "error", writeErr)
				return false
			}
			return true
		}
		reply := wsReply{Type: "chunk", Content: resp.Response, ToolsUsed: resp.ToolsUsed}
		if err := h.writeJSON(ws, reply); err != nil {
			slog.Debug("Failed to send chat chunk", "error", err)
			return false
		}
	}

	if err := h.writeJSON(ws, wsReply{Type: "done"}); err != nil {
		slog.Debug("Failed to send done marker", "error", err)
		return false
	}
	return true
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}

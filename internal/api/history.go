package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evmakarov/atlas-tutor/internal/citation"
	"github.com/evmakarov/atlas-tutor/internal/config"
	"github.com/evmakarov/atlas-tutor/internal/history"
	"github.com/evmakarov/atlas-tutor/internal/identity"
)

// sessionResetter clears the runtime's per-conversation state. Satisfied by
// the agent service; nil when the server runs without a runtime.
type sessionResetter interface {
	ResetSession(ctx context.Context, userID, courseID string) error
}

// conversationStreams terminates live chat connections for a conversation.
// Satisfied by the stream connection manager; may be nil.
type conversationStreams interface {
	CloseConversation(userID, courseID string)
}

// HistoryHandler serves conversation history and the clear endpoint.
type HistoryHandler struct {
	*Handler
	reconstructor *history.Reconstructor
	snapshots     *history.TwoTier
	locks         *citation.ConversationLocks
	resetter      sessionResetter
	streams       conversationStreams
	aiEnabled     bool
	cfg           *config.Config
}

// NewHistoryHandler creates the history handler. resetter and streams may be
// nil when AI features are disabled.
func NewHistoryHandler(base *Handler, reconstructor *history.Reconstructor, snapshots *history.TwoTier, locks *citation.ConversationLocks, resetter sessionResetter, streams conversationStreams, aiEnabled bool, cfg *config.Config) *HistoryHandler {
	return &HistoryHandler{
		Handler:       base,
		reconstructor: reconstructor,
		snapshots:     snapshots,
		locks:         locks,
		resetter:      resetter,
		streams:       streams,
		aiEnabled:     aiEnabled,
		cfg:           cfg,
	}
}

// RegisterRoutes registers history routes.
func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/history", h.GetHistory)
		r.Post("/conversation/clear", h.ClearConversation)
	})
}

// GetMe returns the current user's information.
func (h *HistoryHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   user.UserID,
		"username":  user.Username,
		"course_id": identity.CourseIDFromContext(r.Context()),
		"online":    user.SeenWithin(5 * time.Minute),
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *HistoryHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled":            h.aiEnabled,
		"history_default_limit": h.historyDefaultLimit(),
	})
}

// GetHistory returns the conversation, newest first, with citations resolved
// to full source records.
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := identity.ConversationKeyFromContext(r.Context())

	limit := h.historyDefaultLimit()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries := h.reconstructor.History(r.Context(), key, limit)
	if entries == nil {
		entries = []history.Entry{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": entries,
		"count":    len(entries),
	})
}

// ClearConversation wipes one conversation: both history tiers, the source
// side table, the citation counters, and the runtime's session state. The
// conversation lock serializes the wipe against in-flight normalization.
func (h *HistoryHandler) ClearConversation(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	key := identity.ConversationKeyFromContext(r.Context())

	unlock := h.locks.Lock(key)
	defer unlock()

	if err := h.snapshots.Clear(r.Context(), key); err != nil {
		slog.Error("Failed to clear conversation", "conversation", key.String(), "error", err)
		Error(w, http.StatusInternalServerError, "failed to clear conversation")
		return
	}

	// A live socket must not keep streaming into wiped history.
	if h.streams != nil {
		h.streams.CloseConversation(key.UserID, key.CourseID)
	}

	// Runtime state is best effort; the durable wipe already succeeded.
	if h.resetter != nil {
		if err := h.resetter.ResetSession(r.Context(), key.UserID, key.CourseID); err != nil {
			slog.Warn("Failed to reset runtime session", "conversation", key.String(), "error", err)
		}
	}

	slog.Info("Conversation cleared", "conversation", key.String())
	JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *HistoryHandler) historyDefaultLimit() int {
	if h.cfg != nil && h.cfg.History.DefaultLimit > 0 {
		return h.cfg.History.DefaultLimit
	}
	return 50
}

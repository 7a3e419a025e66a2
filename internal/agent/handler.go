package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/evmakarov/atlas-tutor/internal/config"
	"github.com/evmakarov/atlas-tutor/internal/identity"
	"github.com/evmakarov/atlas-tutor/internal/store"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// RateLimiter implements a per-user rate limiter. The key is userID only, not
// userID:courseID, so clients cannot bypass throttling by rotating courses.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Handler serves the streaming chat endpoint.
type Handler struct {
	service     *Service
	repo        store.Repository
	rateLimiter *RateLimiter
	log         ConversationLogger
	cfg         *config.Config
}

// NewHandler creates the chat handler.
func NewHandler(service *Service, repo store.Repository, conversationLogger ConversationLogger, cfg *config.Config) (*Handler, error) {
	if service == nil {
		return nil, errors.New("service is required")
	}
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		service:     service,
		repo:        repo,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		log:         conversationLogger,
		cfg:         cfg,
	}, nil
}

type chatEvent struct {
	resp *ChatResponse
	err  error
}

// HandleChat handles POST /api/tutor/chat requests and streams the reply as
// server-sent events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	courseID := identity.CourseIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		http.Error(w, `{"error": "user not found"}`, http.StatusUnauthorized)
		return
	}

	// Rate-limit by userID only (not userID:courseID) so clients cannot bypass
	// throttling by switching courses.
	if !h.rateLimiter.Allow(user.UserID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}

	req.UserID = user.UserID
	req.CourseID = courseID
	reqID := chiMiddleware.GetReqID(r.Context())

	slog.Info("Tutor chat request",
		"user_id", user.UserID,
		"course_id", courseID,
		"message_length", len(req.Message),
	)
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     req.UserID,
		CourseID:   req.CourseID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Meta: map[string]any{
			"request_id": reqID,
		},
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	retryDelayMs := int64(5000)
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryDelayMs); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err)
		return
	}
	flusher.Flush()

	// The model can think for a while between chunks; pump the stream through
	// a channel so keepalive comments go out during the gaps.
	events := make(chan chatEvent)
	go func() {
		defer close(events)
		for resp, err := range h.service.Chat(r.Context(), req) {
			select {
			case events <- chatEvent{resp: resp, err: err}:
			case <-r.Context().Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	var assistantContent strings.Builder
	streamChunks := 0
	partial := false
	streamErrMsg := ""

	defer func() {
		h.logAssistantMessage(req.UserID, req.CourseID, assistantContent.String(), streamChunks, partial, streamErrMsg, reqID)
	}()

	for {
		select {
		case <-r.Context().Done():
			partial = true
			streamErrMsg = r.Context().Err().Error()
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				slog.Warn("failed to write SSE keepalive", "error", err)
				partial = true
				streamErrMsg = err.Error()
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				if err := writeSSE(w, "done", `{"status":"complete"}`); err != nil {
					slog.Warn("failed to write SSE done event", "error", err)
				}
				flusher.Flush()
				return
			}
			if ev.err != nil {
				partial = true
				streamErrMsg = ev.err.Error()
				slog.Error("Tutor stream failed", "error", ev.err)
				if writeErr := writeSSE(w, "error", ev.err.Error()); writeErr != nil {
					slog.Warn("failed to write SSE error event", "error", writeErr)
					return
				}
				flusher.Flush()
				return
			}

			if ev.resp != nil && ev.resp.Response != "" {
				streamChunks++
				assistantContent.WriteString(ev.resp.Response)
			}

			data, err := json.Marshal(ev.resp)
			if err != nil {
				slog.Warn("failed to marshal chat response", "error", err)
				continue
			}
			if err := writeSSE(w, "message", string(data)); err != nil {
				slog.Warn("failed to write SSE message event", "error", err)
				partial = true
				streamErrMsg = err.Error()
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) logAssistantMessage(userID, courseID, content string, streamChunks int, partial bool, streamErrMsg, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		CourseID:   courseID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: content,
		Meta: map[string]any{
			"stream_chunks": streamChunks,
			"partial":       partial,
			"stream_error":  streamErrMsg,
			"request_id":    requestID,
		},
	})
}

// RegisterRoutes registers tutor chat routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tutor", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
	})
}

// GetService returns the underlying chat service.
func (h *Handler) GetService() *Service {
	return h.service
}

// Close releases handler resources.
func (h *Handler) Close() {
	if h.service != nil {
		h.service.Close()
	}
	if h.log != nil {
		if err := h.log.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

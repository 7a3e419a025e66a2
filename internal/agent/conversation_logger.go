package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogEvent is one NDJSON record of the conversation audit log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"timestamp"`
	UserID     string         `json:"user_id"`
	CourseID   string         `json:"course_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records chat traffic for later review. Implementations
// must be safe for concurrent use and must never block the request path.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogConfig configures the NDJSON conversation logger.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// NewConversationLogger creates a conversation logger. When neither the
// per-conversation nor the global sink is enabled it returns a no-op logger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Enabled {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("conversation log dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if cfg.GlobalPath == "" {
			return nil, fmt.Errorf("global conversation log path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	cl := &asyncConversationLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ConversationLogEvent, queueSize),
	}
	cl.wg.Add(1)
	go cl.writeLoop()
	return cl, nil
}

type asyncConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent
	wg     sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}

	dropMu  sync.Mutex
	dropped int
}

// Log enqueues an event. When the queue is full the event is dropped; audit
// logging must never stall a chat turn.
func (cl *asyncConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	select {
	case cl.queue <- event:
	default:
		cl.dropMu.Lock()
		cl.dropped++
		n := cl.dropped
		cl.dropMu.Unlock()
		cl.logger.Warn("conversation log queue full, dropping event",
			"event_type", event.EventType,
			"dropped_total", n,
		)
	}
}

// Close drains the queue and stops the writer.
func (cl *asyncConversationLogger) Close() error {
	cl.closeOnce.Do(func() {
		close(cl.queue)
	})
	cl.wg.Wait()
	return nil
}

func (cl *asyncConversationLogger) writeLoop() {
	defer cl.wg.Done()
	for event := range cl.queue {
		line, err := json.Marshal(event)
		if err != nil {
			cl.logger.Warn("failed to marshal conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if cl.cfg.Enabled {
			if err := cl.appendLine(cl.conversationPath(event), line); err != nil {
				cl.logger.Warn("failed to write conversation log", "error", err)
			}
		}
		if cl.cfg.GlobalEnabled {
			if err := cl.appendLine(cl.cfg.GlobalPath, line); err != nil {
				cl.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}
}

func (cl *asyncConversationLogger) conversationPath(event ConversationLogEvent) string {
	user := sanitizePathComponent(event.UserID)
	course := sanitizePathComponent(event.CourseID)
	return filepath.Join(cl.cfg.Dir, user, course+".ndjson")
}

func (cl *asyncConversationLogger) appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			cl.logger.Warn("failed to close conversation log file", "path", path, "error", err)
		}
	}()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append log line: %w", err)
	}
	return nil
}

var (
	ansiEscapePattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePathCharacters = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

func sanitizePathComponent(s string) string {
	s = unsafePathCharacters.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// cleanForReadability strips terminal escape sequences and control characters
// so logged content is readable in plain text tools.
func cleanForReadability(s string) string {
	s = ansiEscapePattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || r >= ' ' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

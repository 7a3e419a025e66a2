// Package stream provides the WebSocket chat transport.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Conn is the subset of a websocket connection the manager needs.
type Conn interface {
	Close(code websocket.StatusCode, reason string) error
}

// ConnManager tracks active WebSocket chat connections per user and course.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn
}

// NewConnManager creates a new connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]Conn),
	}
}

// getActive returns the active connection for a user and course.
func (m *ConnManager) getActive(userID, courseID string) Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conns, ok := m.active[userID]; ok {
		return conns[courseID]
	}
	return nil
}

// Register adds a new WebSocket connection for a user/course. An existing
// connection for the same course is replaced.
func (m *ConnManager) Register(userID, courseID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]Conn)
	}

	if existing, exists := m.active[userID][courseID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	m.active[userID][courseID] = conn
	slog.Info("Chat connection registered", "user_id", userID, "course_id", courseID)
}

// Unregister removes a WebSocket connection for a user/course.
func (m *ConnManager) Unregister(userID, courseID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[userID]; ok {
		if current, exists := conns[courseID]; exists && current == conn {
			delete(conns, courseID)
			if len(conns) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat connection unregistered", "user_id", userID, "course_id", courseID)
		}
	}
}

// CloseConversation terminates the active connection for one conversation.
// Called when the conversation is cleared so a live socket cannot keep
// streaming into wiped history.
func (m *ConnManager) CloseConversation(userID, courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[userID]
	if !ok {
		return
	}
	conn, ok := conns[courseID]
	if !ok {
		return
	}

	_ = conn.Close(websocket.StatusNormalClosure, "conversation cleared")
	delete(conns, courseID)
	if len(conns) == 0 {
		delete(m.active, userID)
	}
	slog.Info("Chat connection closed", "user_id", userID, "course_id", courseID)
}

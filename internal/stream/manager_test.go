package stream

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeConn records close calls for manager tests.
type fakeConn struct {
	mu     sync.Mutex
	closed int
	reason string
}

func (c *fakeConn) Close(_ websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.reason = reason
	return nil
}

func TestConnManagerRegister(t *testing.T) {
	cm := NewConnManager()
	conn := &fakeConn{}

	cm.Register("user123", "cs101", conn)

	if active := cm.getActive("user123", "cs101"); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
}

func TestConnManagerRegisterReplacesExisting(t *testing.T) {
	cm := NewConnManager()
	old := &fakeConn{}
	replacement := &fakeConn{}

	cm.Register("user123", "cs101", old)
	cm.Register("user123", "cs101", replacement)

	if old.closed != 1 || old.reason != "connection replaced" {
		t.Errorf("Expected old connection closed as replaced, got %d %q", old.closed, old.reason)
	}
	if active := cm.getActive("user123", "cs101"); active != replacement {
		t.Errorf("Expected replacement active, got %v", active)
	}
}

func TestConnManagerUnregister(t *testing.T) {
	cm := NewConnManager()
	conn := &fakeConn{}

	cm.Register("user123", "cs101", conn)
	cm.Unregister("user123", "cs101", conn)

	if active := cm.getActive("user123", "cs101"); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
}

func TestConnManagerUnregisterStale(t *testing.T) {
	cm := NewConnManager()
	conn1 := &fakeConn{}
	conn2 := &fakeConn{}

	cm.Register("user123", "cs101", conn1)

	// A second course should remain active when a stale unregister happens.
	cm.Register("user123", "cs102", conn2)

	cm.Unregister("user123", "cs101", conn1)

	if active := cm.getActive("user123", "cs102"); active != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, active)
	}
}

func TestConnManagerCloseConversation(t *testing.T) {
	cm := NewConnManager()
	cleared := &fakeConn{}
	other := &fakeConn{}

	cm.Register("user123", "cs101", cleared)
	cm.Register("user123", "cs102", other)

	cm.CloseConversation("user123", "cs101")

	if cleared.closed != 1 || cleared.reason != "conversation cleared" {
		t.Errorf("Expected cleared connection closed, got %d %q", cleared.closed, cleared.reason)
	}
	if active := cm.getActive("user123", "cs101"); active != nil {
		t.Errorf("Expected cleared connection removed, got %v", active)
	}
	if active := cm.getActive("user123", "cs102"); active != other {
		t.Errorf("Expected other course untouched, got %v", active)
	}

	// Closing a conversation with no connection is a no-op.
	cm.CloseConversation("user123", "cs101")
	cm.CloseConversation("nobody", "cs101")
}

func TestConnManagerConcurrentAccess(t *testing.T) {
	cm := NewConnManager()
	userID := "concurrentUser"

	go func() {
		for i := 0; i < 1000; i++ {
			cm.Register(userID, "course-"+strconv.Itoa(i), &fakeConn{})
		}
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			cm.getActive(userID, "course-"+strconv.Itoa(i))
		}
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			cm.CloseConversation(userID, "course-"+strconv.Itoa(i))
		}
	}()

	time.Sleep(100 * time.Millisecond)
}

package citation

import (
	"sync"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// ConversationLocks serializes mutating operations per conversation key.
// Normalization and conversation clear share one instance so a clear is fully
// applied before the next reservation for the same key proceeds. Operations
// on unrelated keys never contend.
type ConversationLocks struct {
	locks sync.Map // key string -> *sync.Mutex
}

// NewConversationLocks creates an empty lock set.
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{}
}

// Lock acquires the mutex for a conversation key and returns its unlock
// function. Mutexes are retained for the process lifetime; the set grows with
// the number of distinct conversations served, which is bounded in practice.
func (l *ConversationLocks) Lock(key domain.ConversationKey) func() {
	v, _ := l.locks.LoadOrStore(key.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// Repository defines the interface for persisting users and conversation data.
//
// The message log is the authoritative record of a conversation. The history
// reconstruction path only ever reads it; all writes come from the live
// agent-execution path.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when the
	// user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// AppendMessage appends a message to a conversation's log, assigning the
	// next sequence number.
	AppendMessage(ctx context.Context, key domain.ConversationKey, msg domain.Message) error

	// GetMessages returns the full message log for a conversation, oldest
	// first. A conversation with no messages yields an empty slice, not an
	// error.
	GetMessages(ctx context.Context, key domain.ConversationKey) ([]domain.Message, error)

	// ReserveRagIDs atomically reserves n document-retrieval source ids for
	// the conversation and returns the last reserved id. Ids are issued
	// starting after the current counter value; no id is ever issued twice
	// within a conversation's lifetime.
	ReserveRagIDs(ctx context.Context, key domain.ConversationKey, n int) (int64, error)

	// ReserveWebIDs is the web-retrieval counterpart of ReserveRagIDs. The
	// two counters advance independently.
	ReserveWebIDs(ctx context.Context, key domain.ConversationKey, n int) (int64, error)

	// GetMessageSources looks up the legacy per-conversation source side
	// table by message id. Returns nil, nil when no row exists.
	GetMessageSources(ctx context.Context, key domain.ConversationKey, messageID string) (*domain.EmbeddedSources, error)

	// ClearConversation removes the message log, source counters and legacy
	// side-table rows for a conversation. Idempotent.
	ClearConversation(ctx context.Context, key domain.ConversationKey) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// LogReader is the slice of the persistence layer the history path consumes.
// Satisfied by store.Repository.
type LogReader interface {
	GetMessages(ctx context.Context, key domain.ConversationKey) ([]domain.Message, error)
	GetMessageSources(ctx context.Context, key domain.ConversationKey, messageID string) (*domain.EmbeddedSources, error)
	ClearConversation(ctx context.Context, key domain.ConversationKey) error
}

// TwoTier reads conversation snapshots through the ephemeral cache with
// fallback to the durable message log.
//
// The read path never populates the cache: cache population belongs to the
// live agent-execution path, which calls Populate after its writes. This
// keeps reconstruction a pure read.
type TwoTier struct {
	cache       *SnapshotCache
	log         LogReader
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewTwoTier creates the two-tier store. readTimeout bounds the durable
// fallback read so a slow database degrades to an empty snapshot instead of
// blocking history rendering.
func NewTwoTier(cache *SnapshotCache, log LogReader, readTimeout time.Duration, logger *slog.Logger) *TwoTier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwoTier{
		cache:       cache,
		log:         log,
		readTimeout: readTimeout,
		logger:      logger,
	}
}

// Read returns the conversation snapshot, oldest first. Every failure mode
// degrades to a smaller answer: an undecodable cache entry is a miss, a
// durable-tier error or timeout is an empty snapshot. Read never fails.
func (t *TwoTier) Read(ctx context.Context, key domain.ConversationKey) []domain.Message {
	if data := t.cache.Get(key); data != nil {
		var snapshot []domain.Message
		if err := json.Unmarshal(data, &snapshot); err == nil {
			return snapshot
		}
		t.logger.Warn("undecodable ephemeral snapshot, falling through to durable tier",
			"user_id", key.UserID, "course_id", key.CourseID)
	}

	readCtx := ctx
	if t.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, t.readTimeout)
		defer cancel()
	}

	messages, err := t.log.GetMessages(readCtx, key)
	if err != nil {
		t.logger.Warn("durable tier unavailable, returning empty snapshot",
			"user_id", key.UserID, "course_id", key.CourseID, "error", err)
		return nil
	}
	return messages
}

// Populate refreshes the ephemeral snapshot from the durable log. Called by
// the live execution path after it appends messages; never by readers.
func (t *TwoTier) Populate(ctx context.Context, key domain.ConversationKey) error {
	messages, err := t.log.GetMessages(ctx, key)
	if err != nil {
		return fmt.Errorf("read log for snapshot: %w", err)
	}

	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	t.cache.Put(key, data)
	return nil
}

// Clear removes both the ephemeral and durable projections for a key.
// Idempotent; used when a user resets a conversation.
func (t *TwoTier) Clear(ctx context.Context, key domain.ConversationKey) error {
	t.cache.Delete(key)
	if err := t.log.ClearConversation(ctx, key); err != nil {
		return fmt.Errorf("clear durable conversation: %w", err)
	}
	return nil
}

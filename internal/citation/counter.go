package citation

import (
	"context"
	"fmt"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// CounterStore persists the per-conversation source counters. Implementations
// must advance a counter atomically and return the last id of the reserved
// block. Defined here, by the consumer, rather than by the store package.
type CounterStore interface {
	ReserveRagIDs(ctx context.Context, key domain.ConversationKey, n int) (int64, error)
	ReserveWebIDs(ctx context.Context, key domain.ConversationKey, n int) (int64, error)
}

// Counters issues blocks of source ids against the persisted counter state.
// Counters never decrease and ids are never reused within a conversation;
// they reset only when the conversation itself is cleared.
type Counters struct {
	store CounterStore
}

// NewCounters creates a Counters backed by the given store.
func NewCounters(store CounterStore) *Counters {
	return &Counters{store: store}
}

// NextRagIDs reserves the next n slide-retrieval ids, in ascending order.
func (c *Counters) NextRagIDs(ctx context.Context, key domain.ConversationKey, n int) ([]int64, error) {
	end, err := c.store.ReserveRagIDs(ctx, key, n)
	if err != nil {
		return nil, fmt.Errorf("reserve rag ids: %w", err)
	}
	return idBlock(end, n), nil
}

// NextWebIDs reserves the next n web-retrieval ids, in ascending order.
func (c *Counters) NextWebIDs(ctx context.Context, key domain.ConversationKey, n int) ([]int64, error) {
	end, err := c.store.ReserveWebIDs(ctx, key, n)
	if err != nil {
		return nil, fmt.Errorf("reserve web ids: %w", err)
	}
	return idBlock(end, n), nil
}

func idBlock(end int64, n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = end - int64(n) + int64(i) + 1
	}
	return ids
}

// ImageSourceID derives the composite identifier for a currently viewed slide
// page. Images do not consume a counter.
func ImageSourceID(slideID string, pageNumber int) string {
	return fmt.Sprintf("%s:p%d", slideID, pageNumber)
}

// PreviousImageSourceID derives the identifier for a previously viewed page.
// The originating tool message id disambiguates repeated references to the
// same page across the conversation.
func PreviousImageSourceID(slideID string, pageNumber int, messageID string) string {
	return fmt.Sprintf("%s:p%d:%s", slideID, pageNumber, messageID)
}

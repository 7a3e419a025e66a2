package history

import (
	"context"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// Two persistence generations predate id indirection: sources embedded
// directly on the assistant message, and sources in a per-conversation side
// table keyed by message id. Each is an independent resolver; they are tried
// in order and the first hit wins. Neither yielding results is a valid
// terminal state — the message renders with empty source lists.

// resolver attempts to recover one older generation of source storage for an
// assistant message.
type resolver func(ctx context.Context, key domain.ConversationKey, msg *domain.Message) (domain.SourceSet, bool)

// legacyResolvers returns the compatibility chain in fallback order.
func (r *Reconstructor) legacyResolvers() []resolver {
	return []resolver{
		r.resolveEmbedded,
		r.resolveSideTable,
	}
}

// resolveEmbedded recovers sources stored directly on the message.
func (r *Reconstructor) resolveEmbedded(_ context.Context, _ domain.ConversationKey, msg *domain.Message) (domain.SourceSet, bool) {
	if msg.Sources.IsEmpty() {
		return domain.SourceSet{}, false
	}
	return domain.SourceSet{
		Rag: msg.Sources.RagSources,
		Web: msg.Sources.WebSources,
	}, true
}

// resolveSideTable recovers sources from the auxiliary per-conversation
// table. A store error is treated as a miss: legacy recovery must never fail
// a history fetch.
func (r *Reconstructor) resolveSideTable(ctx context.Context, key domain.ConversationKey, msg *domain.Message) (domain.SourceSet, bool) {
	sources, err := r.log.GetMessageSources(ctx, key, msg.ID)
	if err != nil {
		r.logger.Debug("side-table lookup failed",
			"message_id", msg.ID,
			"user_id", key.UserID,
			"course_id", key.CourseID,
			"error", err)
		return domain.SourceSet{}, false
	}
	if sources.IsEmpty() {
		return domain.SourceSet{}, false
	}
	return domain.SourceSet{
		Rag: sources.RagSources,
		Web: sources.WebSources,
	}, true
}

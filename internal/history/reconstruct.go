package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/evmakarov/atlas-tutor/internal/citation"
	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// Entry is one user-facing message of a reconstructed conversation, carrying
// the resolved source records its citations refer to.
type Entry struct {
	ID           string               `json:"id"`
	Role         string               `json:"role"`
	Content      string               `json:"content"`
	CreatedAt    time.Time            `json:"created_at,omitzero"`
	RagSources   []domain.RagSource   `json:"rag_sources,omitempty"`
	WebSources   []domain.WebSource   `json:"web_sources,omitempty"`
	ImageSources []domain.ImageSource `json:"image_sources,omitempty"`
}

// Reconstructor turns a conversation snapshot into the newest-first message
// list the presentation layer renders. Reconstruction is a pure read: it
// never mutates counters, the log, or the cache.
type Reconstructor struct {
	snapshots *TwoTier
	log       LogReader
	logger    *slog.Logger
}

// NewReconstructor creates a Reconstructor over the two-tier store. The log
// reader is consulted only for the legacy side-table generation.
func NewReconstructor(snapshots *TwoTier, log LogReader, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{
		snapshots: snapshots,
		log:       log,
		logger:    logger,
	}
}

// History returns up to limit user-facing messages for the conversation,
// newest first. limit <= 0 means no truncation. History never fails: every
// degradation (missing reference, failed tool call, unreadable store) yields
// fewer sources or fewer messages, not an error.
func (r *Reconstructor) History(ctx context.Context, key domain.ConversationKey, limit int) []Entry {
	snapshot := r.snapshots.Read(ctx, key)
	if len(snapshot) == 0 {
		return nil
	}

	idx := buildSourceIndex(snapshot, r.logger)

	entries := make([]Entry, 0, len(snapshot))
	for i := range snapshot {
		msg := &snapshot[i]
		switch msg.Role {
		case domain.RoleUser:
			entries = append(entries, Entry{
				ID:        msg.ID,
				Role:      msg.Role,
				Content:   msg.Content,
				CreatedAt: msg.CreatedAt,
			})
		case domain.RoleAssistant:
			if msg.IsScaffolding() {
				continue // tool-call scaffolding, never user-visible
			}
			entries = append(entries, r.assistantEntry(ctx, key, msg, idx))
		}
		// Tool messages are never emitted; they exist to be referenced.
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// assistantEntry resolves one assistant message's citations. Ids are resolved
// through the index first; only when indirection yields nothing does the
// legacy resolver chain run. Source order follows citation order.
func (r *Reconstructor) assistantEntry(ctx context.Context, key domain.ConversationKey, msg *domain.Message, idx sourceIndex) Entry {
	entry := Entry{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}

	resolved := idx.resolve(msg)

	// The singular image reference predates image id indirection; it applies
	// when no image id resolved.
	if len(resolved.Images) == 0 && msg.ImageSource != nil {
		resolved.Images = append(resolved.Images, domain.ImageSource{
			ID:         citation.ImageSourceID(msg.ImageSource.SlideID, msg.ImageSource.PageNumber),
			Kind:       domain.ImageKindCurrent,
			SlideID:    msg.ImageSource.SlideID,
			PageNumber: msg.ImageSource.PageNumber,
		})
	}

	if len(resolved.Rag) == 0 && len(resolved.Web) == 0 {
		for _, resolve := range r.legacyResolvers() {
			legacy, ok := resolve(ctx, key, msg)
			if !ok {
				continue
			}
			resolved.Rag = legacy.Rag
			resolved.Web = legacy.Web
			break
		}
	}

	entry.RagSources = resolved.Rag
	entry.WebSources = resolved.Web
	entry.ImageSources = resolved.Images
	return entry
}

// sourceIndex maps every issued source id to its normalized record, built
// from the successful tool messages of one snapshot. Failed tool calls
// contribute nothing, so their ids can never resolve.
type sourceIndex struct {
	rag map[string]domain.RagSource
	web map[string]domain.WebSource
	img map[string]domain.ImageSource
}

func buildSourceIndex(snapshot []domain.Message, logger *slog.Logger) sourceIndex {
	idx := sourceIndex{
		rag: make(map[string]domain.RagSource),
		web: make(map[string]domain.WebSource),
		img: make(map[string]domain.ImageSource),
	}

	for i := range snapshot {
		msg := &snapshot[i]
		if msg.Role != domain.RoleTool || len(msg.ToolPayload) == 0 {
			continue
		}

		switch msg.ToolName {
		case citation.ToolRetrieveSlides:
			p, err := citation.DecodeRagPayload(msg.ToolPayload)
			if err != nil {
				logger.Debug("skipping undecodable rag tool payload", "message_id", msg.ID, "error", err)
				continue
			}
			if !p.Success {
				continue
			}
			for _, s := range p.Results {
				idx.rag[s.ID] = s
			}
		case citation.ToolSearchWeb:
			p, err := citation.DecodeWebPayload(msg.ToolPayload)
			if err != nil {
				logger.Debug("skipping undecodable web tool payload", "message_id", msg.ID, "error", err)
				continue
			}
			if !p.Success {
				continue
			}
			for _, s := range p.Results {
				idx.web[s.ID] = s
			}
		case citation.ToolFetchSlideImage:
			p, err := citation.DecodeImagePayload(msg.ToolPayload)
			if err != nil {
				logger.Debug("skipping undecodable image tool payload", "message_id", msg.ID, "error", err)
				continue
			}
			if !p.Success {
				continue
			}
			for _, s := range p.Results {
				idx.img[s.ID] = s
			}
		}
	}
	return idx
}

// resolve looks up each cited id. A missing id contributes nothing — never an
// error, never a placeholder.
func (idx sourceIndex) resolve(msg *domain.Message) domain.SourceSet {
	var set domain.SourceSet
	for _, id := range msg.RagSourceIDs {
		if s, ok := idx.rag[id]; ok {
			set.Rag = append(set.Rag, s)
		}
	}
	for _, id := range msg.WebSourceIDs {
		if s, ok := idx.web[id]; ok {
			set.Web = append(set.Web, s)
		}
	}
	for _, id := range msg.ImageSourceIDs {
		if s, ok := idx.img[id]; ok {
			set.Images = append(set.Images, s)
		}
	}
	return set
}

package citation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// Normalizer rewrites raw tool results before anything downstream sees them.
// For numbered categories it reserves a block of ids and assigns them to the
// results in tool order; for images it computes composite ids. The rewritten
// payload is what both the model (for citation text) and the message log
// receive.
//
// Normalization advances counters irreversibly: ids stay consumed even when
// the model ends up not citing every returned item.
type Normalizer struct {
	counters *Counters
	locks    *ConversationLocks
	logger   *slog.Logger
}

// NewNormalizer creates a Normalizer. The lock set must be shared with the
// conversation-clear path.
func NewNormalizer(counters *Counters, locks *ConversationLocks, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		counters: counters,
		locks:    locks,
		logger:   logger,
	}
}

// Normalize consumes one raw tool invocation result and returns it with ids
// assigned. messageID is the id of the tool message the payload will be
// logged under; it seeds composite image identifiers.
//
// A failed tool call (success=false) short-circuits: nothing is reserved and
// an empty failed payload is propagated, so a failed call can never be cited.
// An undecodable payload degrades the same way rather than aborting the turn.
func (n *Normalizer) Normalize(ctx context.Context, key domain.ConversationKey, toolName, messageID string, raw json.RawMessage) (json.RawMessage, error) {
	category, ok := CategoryForTool(toolName)
	if !ok {
		n.logger.Debug("unknown tool result passed through unnormalized",
			"tool", toolName, "user_id", key.UserID, "course_id", key.CourseID)
		return raw, nil
	}

	unlock := n.locks.Lock(key)
	defer unlock()

	switch category {
	case CategoryRag:
		return n.normalizeRag(ctx, key, raw)
	case CategoryWeb:
		return n.normalizeWeb(ctx, key, raw)
	case CategoryImage:
		return n.normalizeImage(key, messageID, raw)
	default:
		return raw, nil
	}
}

func (n *Normalizer) normalizeRag(ctx context.Context, key domain.ConversationKey, raw json.RawMessage) (json.RawMessage, error) {
	p, err := DecodeRagPayload(raw)
	if err != nil {
		n.logger.Warn("undecodable rag payload, propagating empty result",
			"user_id", key.UserID, "course_id", key.CourseID, "error", err)
		return emptyFailedPayload, nil
	}
	if !p.Success {
		return emptyFailedPayload, nil
	}
	if len(p.Results) == 0 {
		return marshalPayload(p)
	}

	ids, err := n.counters.NextRagIDs(ctx, key, len(p.Results))
	if err != nil {
		return nil, fmt.Errorf("normalize rag result: %w", err)
	}
	for i := range p.Results {
		p.Results[i].ID = strconv.FormatInt(ids[i], 10)
	}
	return marshalPayload(p)
}

func (n *Normalizer) normalizeWeb(ctx context.Context, key domain.ConversationKey, raw json.RawMessage) (json.RawMessage, error) {
	p, err := DecodeWebPayload(raw)
	if err != nil {
		n.logger.Warn("undecodable web payload, propagating empty result",
			"user_id", key.UserID, "course_id", key.CourseID, "error", err)
		return emptyFailedPayload, nil
	}
	if !p.Success {
		return emptyFailedPayload, nil
	}
	if len(p.Results) == 0 {
		return marshalPayload(p)
	}

	ids, err := n.counters.NextWebIDs(ctx, key, len(p.Results))
	if err != nil {
		return nil, fmt.Errorf("normalize web result: %w", err)
	}
	for i := range p.Results {
		p.Results[i].ID = strconv.FormatInt(ids[i], 10)
	}
	return marshalPayload(p)
}

// normalizeImage assigns composite identifiers. No counter is consumed.
func (n *Normalizer) normalizeImage(key domain.ConversationKey, messageID string, raw json.RawMessage) (json.RawMessage, error) {
	p, err := DecodeImagePayload(raw)
	if err != nil {
		n.logger.Warn("undecodable image payload, propagating empty result",
			"user_id", key.UserID, "course_id", key.CourseID, "error", err)
		return emptyFailedPayload, nil
	}
	if !p.Success {
		return emptyFailedPayload, nil
	}

	for i := range p.Results {
		r := &p.Results[i]
		if r.Kind == "" {
			r.Kind = domain.ImageKindCurrent
		}
		switch r.Kind {
		case domain.ImageKindPrevious:
			r.ID = PreviousImageSourceID(r.SlideID, r.PageNumber, messageID)
		default:
			r.ID = ImageSourceID(r.SlideID, r.PageNumber)
		}
	}
	return marshalPayload(p)
}

func marshalPayload(p any) (json.RawMessage, error) {
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal normalized payload: %w", err)
	}
	return out, nil
}

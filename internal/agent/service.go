package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evmakarov/atlas-tutor/internal/citation"
	"github.com/evmakarov/atlas-tutor/internal/domain"
	"github.com/evmakarov/atlas-tutor/internal/history"
	"github.com/evmakarov/atlas-tutor/internal/store"
)

// Service drives one chat turn end to end: it owns all conversation log
// writes on the live path, renumbers tool results through the citation
// normalizer before the model sees them, and refreshes the history snapshot
// once the turn is durable.
type Service struct {
	runtime    Runtime
	repo       store.Repository
	normalizer *citation.Normalizer
	snapshots  *history.TwoTier
	logger     *slog.Logger
}

// NewService creates the chat service.
func NewService(runtime Runtime, repo store.Repository, normalizer *citation.Normalizer, snapshots *history.TwoTier, logger *slog.Logger) (*Service, error) {
	if runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runtime:    runtime,
		repo:       repo,
		normalizer: normalizer,
		snapshots:  snapshots,
		logger:     logger,
	}, nil
}

// Chat streams one turn. Assistant text chunks are yielded as they arrive;
// tool results are normalized, recorded, and echoed back to the runtime
// without surfacing to the caller.
func (s *Service) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		key := domain.ConversationKey{UserID: req.UserID, CourseID: req.CourseID}

		userMsg := domain.Message{
			ID:        uuid.NewString(),
			Role:      domain.RoleUser,
			Content:   req.Message,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.repo.AppendMessage(ctx, key, userMsg); err != nil {
			yield(nil, fmt.Errorf("record user message: %w", err))
			return
		}

		stream, err := s.runtime.OpenChat(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}

		var content strings.Builder
		finalRecorded := false

		for {
			frame, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(nil, fmt.Errorf("chat stream error: %w", err))
				return
			}

			switch frame.Type {
			case FrameChunk:
				content.WriteString(frame.Content)
				if !yield(&ChatResponse{Response: frame.Content}, nil) {
					return
				}
			case FrameToolResult:
				s.handleToolResult(ctx, key, stream, frame)
			case FrameError:
				if frame.ErrorMessage == "" {
					yield(nil, errChatResponse)
					return
				}
				yield(nil, fmt.Errorf("%w: %s", errChatResponse, frame.ErrorMessage))
				return
			case FrameFinal:
				s.recordAssistantTurn(ctx, key, content.String(), frame)
				finalRecorded = true
				if len(frame.ToolsUsed) > 0 {
					if !yield(&ChatResponse{ToolsUsed: frame.ToolsUsed}, nil) {
						return
					}
				}
			default:
				s.logger.Debug("ignoring unknown runtime frame", "type", frame.Type)
			}
		}

		// A runtime that hangs up without a final frame still produced text the
		// user saw; record it so history matches the screen.
		if !finalRecorded && content.Len() > 0 {
			s.recordAssistantTurn(ctx, key, content.String(), &ServerFrame{})
		}
	}
}

// handleToolResult renumbers one raw tool payload, records the tool message,
// and answers the runtime with the normalized bytes. Failures degrade to the
// empty failed payload so the model never cites what the engine did not issue.
func (s *Service) handleToolResult(ctx context.Context, key domain.ConversationKey, stream ChatStream, frame *ServerFrame) {
	messageID := uuid.NewString()

	normalized, err := s.normalizer.Normalize(ctx, key, frame.ToolName, messageID, frame.Payload)
	if err != nil {
		s.logger.Error("tool result normalization failed",
			"conversation", key.String(),
			"tool", frame.ToolName,
			"error", err,
		)
		normalized = citation.EmptyFailedPayload()
	}

	toolMsg := domain.Message{
		ID:          messageID,
		Role:        domain.RoleTool,
		ToolName:    frame.ToolName,
		ToolPayload: normalized,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.AppendMessage(ctx, key, toolMsg); err != nil {
		s.logger.Error("failed to record tool message",
			"conversation", key.String(),
			"tool", frame.ToolName,
			"error", err,
		)
	}

	reply := &ClientFrame{
		Type:     FrameToolResult,
		ToolName: frame.ToolName,
		Payload:  normalized,
	}
	if err := stream.Send(reply); err != nil {
		s.logger.Error("failed to send normalized tool result",
			"conversation", key.String(),
			"tool", frame.ToolName,
			"error", err,
		)
	}
}

// recordAssistantTurn appends the assistant message with its citation id
// lists and refreshes the ephemeral snapshot. Only the live path repopulates
// the cache; reads never do.
func (s *Service) recordAssistantTurn(ctx context.Context, key domain.ConversationKey, content string, frame *ServerFrame) {
	msg := domain.Message{
		ID:             uuid.NewString(),
		Role:           domain.RoleAssistant,
		Content:        content,
		RagSourceIDs:   frame.RagSourceIDs,
		WebSourceIDs:   frame.WebSourceIDs,
		ImageSourceIDs: frame.ImageSourceIDs,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.AppendMessage(ctx, key, msg); err != nil {
		s.logger.Error("failed to record assistant message",
			"conversation", key.String(),
			"error", err,
		)
		return
	}

	if err := s.snapshots.Populate(ctx, key); err != nil {
		s.logger.Warn("failed to refresh conversation snapshot",
			"conversation", key.String(),
			"error", err,
		)
	}
}

// ResetSession drops the runtime's in-memory state for one conversation.
// Clearing the engine's own state is the caller's job; this only reaches the
// runtime.
func (s *Service) ResetSession(ctx context.Context, userID, courseID string) error {
	return s.runtime.ResetSession(ctx, userID, courseID)
}

// Health reports whether the runtime answers its health check.
func (s *Service) Health(ctx context.Context) error {
	return s.runtime.Health(ctx)
}

// Close releases the runtime connection.
func (s *Service) Close() {
	s.runtime.Close()
}

package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// MessageService implements the business logic behind the realtime
// endpoint: posting chat messages and relaying ticket updates.
type MessageService struct {
	repo        ports.MessageRepository
	broadcaster ports.EventBroadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// Ensure implementation matches the interface.
var _ ports.MessageService = (*MessageService)(nil)

// NewMessageService creates a new service for chat messages.
func NewMessageService(repo ports.MessageRepository, broadcaster ports.EventBroadcaster, logger *slog.Logger) *MessageService {
	return &MessageService{
		repo:        repo,
		broadcaster: broadcaster,
		logger:      logger.With("component", "message_service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PostMessage validates, persists and broadcasts a message to the ticket room.
func (s *MessageService) PostMessage(ctx context.Context, params ports.PostMessageParams) (*domain.Message, error) {
	msg := params.Message
	msg.TicketID = strings.TrimSpace(msg.TicketID)
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	// A customer cannot speak for the agent and vice versa.
	if params.Role != "" && string(msg.Sender) != params.Role {
		return nil, apperrors.ErrForbidden
	}

	msg.ID = uuid.NewString()
	msg.AuthorID = params.AuthorID.String()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	saved, err := s.repo.Create(ctx, &msg)
	if err != nil {
		return nil, err
	}

	s.broadcast(domain.Event{
		Type:     domain.EventNewMessage,
		Payload:  saved,
		TicketID: saved.TicketID,
	})
	return saved, nil
}

// ListMessages returns the most recent messages of a ticket, oldest first.
func (s *MessageService) ListMessages(ctx context.Context, params ports.ListMessagesParams) ([]*domain.Message, error) {
	ticketID := strings.TrimSpace(params.TicketID)
	if ticketID == "" {
		return nil, apperrors.ErrTicketIDRequired
	}

	limit := params.Limit
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return s.repo.ListByTicketID(ctx, ticketID, limit)
}

// PublishTicketUpdate broadcasts the changed fields of a ticket to its room.
func (s *MessageService) PublishTicketUpdate(_ context.Context, update domain.TicketUpdate) error {
	update.TicketID = strings.TrimSpace(update.TicketID)
	if err := update.Validate(); err != nil {
		return err
	}

	s.broadcast(domain.Event{
		Type:     domain.EventTicketUpdated,
		Payload:  update,
		TicketID: update.TicketID,
	})
	return nil
}

// broadcast never fails the caller: the message is already stored and
// clients recover it from history.
func (s *MessageService) broadcast(event domain.Event) {
	if err := s.broadcaster.Broadcast(event); err != nil {
		s.logger.Error("failed to broadcast event",
			"event_type", event.Type,
			"ticket_id", event.TicketID,
			"error", err,
		)
	}
}

package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

// PostMessageParams defines the input for posting a chat message.
type PostMessageParams struct {
	AuthorID uuid.UUID
	Role     string
	Message  domain.Message
}

// ListMessagesParams defines the input for reading a ticket's history.
type ListMessagesParams struct {
	TicketID string
	Limit    int
}

// MessageService defines the server-side operations behind the realtime
// endpoint and the history REST surface.
type MessageService interface {
	PostMessage(ctx context.Context, params PostMessageParams) (*domain.Message, error)
	ListMessages(ctx context.Context, params ListMessagesParams) ([]*domain.Message, error)
	PublishTicketUpdate(ctx context.Context, update domain.TicketUpdate) error
}

// EventBroadcaster defines the port for fanning an event out to the
// sockets subscribed to its ticket.
type EventBroadcaster interface {
	Broadcast(event domain.Event) error
}

package ports

import (
	"context"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

// MessageRepository persists ticket chat messages so clients can load
// history over REST after (re)connecting.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	ListByTicketID(ctx context.Context, ticketID string, limit int) ([]*domain.Message, error)
}

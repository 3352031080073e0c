// Package memory holds the in-process message store used when the server
// runs without DATABASE_URL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// MessageRepository keeps messages per ticket, ordered by creation time.
type MessageRepository struct {
	mu       sync.RWMutex
	byTicket map[string][]domain.Message
	// maxPerTicket bounds memory; older messages are discarded first.
	maxPerTicket int
}

var _ ports.MessageRepository = (*MessageRepository)(nil)

// NewMessageRepository creates an empty store retaining up to
// maxPerTicket messages per ticket (0 means unbounded).
func NewMessageRepository(maxPerTicket int) *MessageRepository {
	return &MessageRepository{
		byTicket:     make(map[string][]domain.Message),
		maxPerTicket: maxPerTicket,
	}
}

func (r *MessageRepository) Create(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.byTicket[stored.TicketID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(stored.CreatedAt) })
	msgs = append(msgs, domain.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = stored
	if r.maxPerTicket > 0 && len(msgs) > r.maxPerTicket {
		msgs = msgs[len(msgs)-r.maxPerTicket:]
	}
	r.byTicket[stored.TicketID] = msgs

	out := stored
	return &out, nil
}

func (r *MessageRepository) ListByTicketID(_ context.Context, ticketID string, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := r.byTicket[ticketID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*domain.Message, len(msgs))
	for i := range msgs {
		m := msgs[i]
		out[i] = &m
	}
	return out, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

const (
	insertMessageSQL = `
INSERT INTO ticket_messages (id, ticket_id, body, sender, author_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, ticket_id, body, sender, author_id, created_at`

	touchThreadSQL = `
INSERT INTO ticket_threads (ticket_id, message_count, last_message_at)
VALUES ($1, 1, $2)
ON CONFLICT (ticket_id) DO UPDATE
SET message_count   = ticket_threads.message_count + 1,
    last_message_at = GREATEST(ticket_threads.last_message_at, EXCLUDED.last_message_at)`

	// Newest page first, flipped to chronological order in Go.
	listMessagesSQL = `
SELECT id, ticket_id, body, sender, author_id, created_at
FROM ticket_messages
WHERE ticket_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`
)

// MessageRepository stores ticket chat messages in PostgreSQL.
type MessageRepository struct {
	pool *pgxpool.Pool
}

var _ ports.MessageRepository = (*MessageRepository)(nil)

// NewMessageRepository creates a new message repository.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts msg and bumps the ticket's thread counters in one transaction.
func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	id, err := uuid.Parse(msg.ID)
	if err != nil {
		id = uuid.New()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var saved *domain.Message
	err = withTransaction(ctx, r.pool, func(ctx context.Context, q DBTX) error {
		row := q.QueryRow(ctx, insertMessageSQL,
			id, msg.TicketID, msg.Message, string(msg.Sender), authorParam(msg.AuthorID), createdAt)
		m, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := q.Exec(ctx, touchThreadSQL, msg.TicketID, createdAt); err != nil {
			return fmt.Errorf("update thread: %w", err)
		}
		saved = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ListByTicketID returns up to limit of the latest messages, oldest first.
func (r *MessageRepository) ListByTicketID(ctx context.Context, ticketID string, limit int) ([]*domain.Message, error) {
	rows, err := getDBTX(ctx, r.pool).Query(ctx, listMessagesSQL, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		id        uuid.UUID
		ticketID  string
		body      string
		sender    string
		authorID  pgtype.UUID
		createdAt time.Time
	)
	if err := row.Scan(&id, &ticketID, &body, &sender, &authorID, &createdAt); err != nil {
		return nil, err
	}

	m := &domain.Message{
		ID:        id.String(),
		TicketID:  ticketID,
		Message:   body,
		Sender:    domain.Sender(sender),
		CreatedAt: createdAt.UTC(),
	}
	if authorID.Valid {
		m.AuthorID = uuid.UUID(authorID.Bytes).String()
	}
	return m, nil
}

func authorParam(authorID string) pgtype.UUID {
	id, err := uuid.Parse(authorID)
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

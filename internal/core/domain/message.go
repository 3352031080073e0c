package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
)

// MaxMessageLength is the longest message text accepted, in characters.
const MaxMessageLength = 4000

// Sender identifies which side of a ticket conversation wrote a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
)

// IsValid reports whether s is a known sender role.
func (s Sender) IsValid() bool {
	return s == SenderCustomer || s == SenderAgent
}

// Message is a chat message on a ticket. It is both the send_message
// payload and the new_message payload.
type Message struct {
	ID        string    `json:"id,omitempty"`
	TicketID  string    `json:"ticketId"`
	Message   string    `json:"message"`
	Sender    Sender    `json:"sender"`
	AuthorID  string    `json:"authorId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(ticketID, text string, sender Sender) (Message, error) {
	msg := Message{
		TicketID:  strings.TrimSpace(ticketID),
		Message:   text,
		Sender:    sender,
		CreatedAt: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the structural rules every message must satisfy.
func (m Message) Validate() error {
	if strings.TrimSpace(m.TicketID) == "" {
		return apperrors.ErrTicketIDRequired
	}
	if strings.TrimSpace(m.Message) == "" {
		return apperrors.ErrMessageRequired
	}
	if utf8.RuneCountInString(m.Message) > MaxMessageLength {
		return apperrors.ErrMessageTooLong
	}
	if !m.Sender.IsValid() {
		return apperrors.ErrInvalidSender
	}
	return nil
}

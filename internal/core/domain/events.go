package domain

import (
	"encoding/json"
	"fmt"
)

// EventType defines the type of a realtime frame.
type EventType string

const (
	// Server to client.
	EventConnectionAck EventType = "connection_ack"
	EventNewMessage    EventType = "new_message"
	EventTicketUpdated EventType = "ticket_updated"
	EventPong          EventType = "pong"
	EventError         EventType = "error"

	// Client to server.
	EventSendMessage       EventType = "send_message"
	EventSubscribeTicket   EventType = "subscribe_ticket"
	EventUnsubscribeTicket EventType = "unsubscribe_ticket"
	EventPing              EventType = "ping"
)

// Frame is the envelope sent over the WebSocket in both directions.
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame of the given type. A nil payload
// produces a frame without one.
func NewFrame(eventType EventType, payload any) (Frame, error) {
	frame := Frame{Type: eventType}
	if payload == nil {
		return frame, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	frame.Payload = raw
	return frame, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// AckPayload is sent by the server once an authenticated socket is registered.
type AckPayload struct {
	UserID string `json:"userId"`
}

// TicketRef is the payload of subscribe/unsubscribe frames.
type TicketRef struct {
	TicketID string `json:"ticketId"`
}

// ErrorPayload reports a non-fatal problem with a frame the client sent.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a message queued for delivery to the sockets in a ticket room.
type Event struct {
	Type     EventType   `json:"type"`
	Payload  interface{} `json:"payload,omitempty"`
	TicketID string      `json:"-"` // Used for routing to specific ticket "rooms"
}

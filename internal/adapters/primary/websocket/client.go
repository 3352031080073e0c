package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed for a send_message to be stored and broadcast.
	handleTimeout = 5 * time.Second

	// CloseAuthExpired tells the peer its token ran out; it should not
	// reconnect with the same token.
	CloseAuthExpired = 4401
)

// ClientConfig tunes the per-connection pumps.
type ClientConfig struct {
	PingInterval    time.Duration // must be less than PongWait
	PongWait        time.Duration
	MaxMessageSize  int64
	FramesPerSecond float64
	FrameBurst      int
	SendBuffer      int
}

// DefaultClientConfig returns the settings used when none are configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		MaxMessageSize:  16 * 1024,
		FramesPerSecond: 5,
		FrameBurst:      10,
		SendBuffer:      256,
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	UserID    uuid.UUID
	Role      string
	ExpiresAt time.Time // zero means never

	hub      *Hub
	conn     *websocket.Conn
	messages ports.MessageService
	cfg      ClientConfig
	limiter  *rate.Limiter
	logger   *slog.Logger

	// sendMu guards send against writes after close
	sendMu sync.Mutex
	send   chan domain.Event
	closed bool

	// mu protects subscriptions
	mu            sync.RWMutex
	subscriptions map[string]bool
}

// NewClient creates a client for an authenticated, upgraded connection.
func NewClient(
	hub *Hub,
	conn *websocket.Conn,
	messages ports.MessageService,
	userID uuid.UUID,
	role string,
	cfg ClientConfig,
	logger *slog.Logger,
) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	limit := rate.Inf
	if cfg.FramesPerSecond > 0 {
		limit = rate.Limit(cfg.FramesPerSecond)
	}
	return &Client{
		UserID:        userID,
		Role:          role,
		hub:           hub,
		conn:          conn,
		messages:      messages,
		cfg:           cfg,
		limiter:       rate.NewLimiter(limit, max(cfg.FrameBurst, 1)),
		logger:        logger.With("component", "websocket_client", "user_id", userID.String()),
		send:          make(chan domain.Event, cfg.SendBuffer),
		subscriptions: make(map[string]bool),
	}
}

// queue hands an event to the write pump without blocking. It reports
// false when the buffer is full. Events queued after close are dropped.
func (c *Client) queue(event domain.Event) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// CloseSend closes the outbound queue exactly once; the write pump then
// sends a close frame.
func (c *Client) CloseSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) addSubscription(ticketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[ticketID] = true
}

func (c *Client) removeSubscription(ticketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, ticketID)
}

// Subscriptions returns a copy of the ticket IDs the client is subscribed to
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	subs := make([]string, 0, len(c.subscriptions))
	for ticketID := range c.subscriptions {
		subs = append(subs, ticketID)
	}
	return subs
}

// ReadPump pumps frames from the websocket connection to the hub.
// This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.Done():
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.handleIncomingMessage(message)
	}
}

// WritePump pumps events from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Error("failed to write message", "error", err)
				return
			}

		case now := <-ticker.C:
			if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
				c.logger.Info("closing connection with expired token")
				msg := websocket.FormatCloseMessage(CloseAuthExpired, "token expired")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}

			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// --- Incoming frame handling ---

func (c *Client) handleIncomingMessage(message []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.logger.Warn("failed to unmarshal client frame", "error", err)
		c.sendError("BAD_FRAME", "frame is not valid JSON")
		return
	}

	if !c.limiter.Allow() {
		c.logger.Warn("client frame rate limited", "type", frame.Type)
		c.sendError("RATE_LIMITED", "too many frames, slow down")
		return
	}

	switch frame.Type {
	case domain.EventSubscribeTicket:
		if ticketID, ok := c.decodeTicketRef(frame); ok {
			c.hub.subscribe(c, ticketID)
		}

	case domain.EventUnsubscribeTicket:
		if ticketID, ok := c.decodeTicketRef(frame); ok {
			c.hub.unsubscribe(c, ticketID)
		}

	case domain.EventSendMessage:
		c.handleSendMessage(frame)

	case domain.EventPing:
		c.queue(domain.Event{Type: domain.EventPong})

	default:
		c.logger.Debug("received unknown frame type", "type", frame.Type)
		c.sendError("UNKNOWN_TYPE", "unknown frame type: "+string(frame.Type))
	}
}

func (c *Client) decodeTicketRef(frame domain.Frame) (string, bool) {
	var ref domain.TicketRef
	if err := frame.Decode(&ref); err != nil {
		c.sendError("BAD_FRAME", err.Error())
		return "", false
	}
	ticketID := strings.TrimSpace(ref.TicketID)
	if ticketID == "" {
		c.sendError("VALIDATION_ERROR", apperrors.ErrTicketIDRequired.Error())
		return "", false
	}
	return ticketID, true
}

func (c *Client) handleSendMessage(frame domain.Frame) {
	var msg domain.Message
	if err := frame.Decode(&msg); err != nil {
		c.sendError("BAD_FRAME", err.Error())
		return
	}

	ticketID := strings.TrimSpace(msg.TicketID)
	if ticketID != "" {
		// The sender sees its own message come back as new_message.
		c.hub.subscribe(c, ticketID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	ctx = logging.WithTicketID(logging.WithUserID(ctx, c.UserID.String()), ticketID)

	_, err := c.messages.PostMessage(ctx, ports.PostMessageParams{
		AuthorID: c.UserID,
		Role:     c.Role,
		Message:  msg,
	})
	if err != nil {
		code, text := frameError(err)
		c.logger.WarnContext(ctx, "send_message rejected", "code", code, "error", err)
		c.sendError(code, text)
	}
}

func (c *Client) sendError(code, message string) {
	c.queue(domain.Event{
		Type:    domain.EventError,
		Payload: domain.ErrorPayload{Code: code, Message: message},
	})
}

// frameError maps a service error onto the error frame sent back.
func frameError(err error) (code, message string) {
	switch {
	case errors.Is(err, apperrors.ErrTicketIDRequired),
		errors.Is(err, apperrors.ErrMessageRequired),
		errors.Is(err, apperrors.ErrMessageTooLong),
		errors.Is(err, apperrors.ErrInvalidSender):
		return "VALIDATION_ERROR", err.Error()
	case errors.Is(err, apperrors.ErrForbidden):
		return "FORBIDDEN", "you cannot post as that sender"
	default:
		return "INTERNAL_ERROR", "message could not be delivered"
	}
}

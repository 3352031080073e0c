// Package realtime maintains the dashboard's persistent connection to the
// realtime message server: it authenticates with the locally stored token,
// reconnects with capped exponential backoff, and fans server events out to
// subscribers that do not know about each other.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// Config holds the connection settings.
type Config struct {
	Endpoint             string
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
}

// DefaultConfig returns the production defaults for the given endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:             endpoint,
		BaseDelay:            DefaultBaseDelay,
		MaxDelay:             DefaultMaxDelay,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ConnectTimeout:       DefaultConnectTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// Option configures optional collaborators of a Connection.
type Option func(*Connection)

// WithScheduler replaces the wall-clock scheduler used for reconnect timers.
func WithScheduler(s ports.Scheduler) Option {
	return func(c *Connection) {
		c.sched = s
	}
}

// WithNotifier routes connection trouble to a user-visible surface.
func WithNotifier(n ports.ConnectionNotifier) Option {
	return func(c *Connection) {
		c.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// Connection owns one socket to the realtime server. The zero value is not
// usable; create one with NewConnection and release it with Close.
type Connection struct {
	*Emitter

	cfg      Config
	backoff  Backoff
	dialer   ports.Dialer
	tokens   ports.TokenStore
	sched    ports.Scheduler
	notifier ports.ConnectionNotifier
	logger   *slog.Logger

	// mu protects everything below
	mu         sync.Mutex
	state      domain.ConnectionState
	socket     ports.Socket
	gen        uint64 // bumped whenever the current socket is abandoned
	cancelDial context.CancelFunc
	attempts   int
	exhausted  bool
	timer      ports.Timer
	timerSeq   uint64
	closed     bool
	tickets    map[string]struct{}
}

// NewConnection creates a disconnected connection.
func NewConnection(cfg Config, dialer ports.Dialer, tokens ports.TokenStore, opts ...Option) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		dialer:  dialer,
		tokens:  tokens,
		sched:   ClockScheduler(),
		logger:  slog.Default(),
		state:   domain.StateDisconnected,
		tickets: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "realtime_connection")
	c.Emitter = NewEmitter(c.logger)
	return c
}

// Connect opens the connection unless one is already live or being
// established. It returns immediately; the outcome is reported through the
// lifecycle events. A missing auth token aborts with ErrNoAuthToken and
// starts no retry loop.
func (c *Connection) Connect(ctx context.Context) error {
	return c.open(ctx, true)
}

// Disconnect tears down the socket, cancels any pending reconnect and
// resets the attempt counter. It is safe to call at any time.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.attempts = 0
	c.exhausted = false
	wasConnected := c.state == domain.StateConnected
	sock := c.abandonLocked()
	c.mu.Unlock()

	if sock != nil {
		if err := sock.Close(); err != nil {
			c.logger.Debug("socket close failed", "error", err)
		}
	}
	if wasConnected {
		c.logger.Info("realtime disconnected", "reason", domain.ReasonClientDisconnect)
		c.emitLifecycle(domain.LifecycleEvent{
			State:  domain.StateDisconnected,
			Reason: domain.ReasonClientDisconnect,
		})
	}
}

// Close disconnects and makes every later Connect fail with
// ErrConnectionClosed.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
}

// IsConnected reports whether the server has acknowledged the socket.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.StateConnected
}

// State returns the current connection state.
func (c *Connection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnects scheduled since the last
// successful connect.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SendMessage emits msg to the server. It fails fast with ErrNotConnected
// when there is no live connection. Sends are not acknowledged or retried.
func (c *Connection) SendMessage(msg domain.Message) error {
	c.mu.Lock()
	sock := c.socket
	connected := c.state == domain.StateConnected
	c.mu.Unlock()

	if !connected || sock == nil {
		c.logger.Warn("cannot send message: not connected", "ticket_id", msg.TicketID)
		return apperrors.ErrNotConnected
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	frame, err := domain.NewFrame(domain.EventSendMessage, msg)
	if err != nil {
		return err
	}
	if err := sock.WriteFrame(frame); err != nil {
		c.logger.Error("failed to send message", "ticket_id", msg.TicketID, "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Subscribe joins the ticket's room on the server. Subscriptions survive
// reconnects and are replayed once the server acknowledges a new socket.
func (c *Connection) Subscribe(ticketID string) error {
	if ticketID == "" {
		return apperrors.ErrTicketIDRequired
	}
	c.mu.Lock()
	c.tickets[ticketID] = struct{}{}
	sock := c.liveSocketLocked()
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	return c.writeTicketRef(sock, domain.EventSubscribeTicket, ticketID)
}

// Unsubscribe leaves the ticket's room.
func (c *Connection) Unsubscribe(ticketID string) error {
	c.mu.Lock()
	delete(c.tickets, ticketID)
	sock := c.liveSocketLocked()
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	return c.writeTicketRef(sock, domain.EventUnsubscribeTicket, ticketID)
}

// Subscriptions returns the tickets that will be joined on every connect.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.tickets))
	for id := range c.tickets {
		ids = append(ids, id)
	}
	return ids
}

// open starts a dial. manual distinguishes Connect from a timer firing:
// an explicit Connect after the retries ran out gets a fresh budget.
func (c *Connection) open(ctx context.Context, manual bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrConnectionClosed
	}
	if c.state != domain.StateDisconnected {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("connect ignored", "state", state.String())
		return nil
	}
	c.stopTimerLocked()
	if manual && c.exhausted {
		c.attempts = 0
		c.exhausted = false
	}
	c.state = domain.StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	token, err := c.tokens.Token(ctx)
	if err == nil && token == "" {
		err = apperrors.ErrNoAuthToken
	} else if err != nil {
		err = fmt.Errorf("%w: %v", apperrors.ErrNoAuthToken, err)
	}
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = domain.StateDisconnected
		}
		c.mu.Unlock()
		c.logger.Error("realtime connect aborted", "error", err)
		return err
	}

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ConnectTimeout)
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancelDial = cancel
	c.mu.Unlock()

	c.logger.Info("realtime connecting", "endpoint", c.cfg.Endpoint, "attempt", c.Attempts())
	go c.run(dialCtx, cancel, gen, token)
	return nil
}

// run dials and then pumps frames until the socket fails or is abandoned.
func (c *Connection) run(ctx context.Context, cancel context.CancelFunc, gen uint64, token string) {
	sock, err := c.dialer.Dial(ctx, c.cfg.Endpoint, token)
	cancel()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.state = domain.StateDisconnected
		c.mu.Unlock()
		c.logger.Warn("realtime connect error", "error", err)
		c.handleFailure(gen, domain.ReasonConnectError, fmt.Errorf("%w: %w", apperrors.ErrConnectFailed, err))
		return
	}
	c.socket = sock
	c.mu.Unlock()

	for {
		frame, err := sock.ReadFrame()
		if errors.Is(err, apperrors.ErrMalformedFrame) {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if err != nil {
			c.handleSocketError(gen, sock, err)
			return
		}
		c.dispatch(gen, sock, frame)
	}
}

func (c *Connection) dispatch(gen uint64, sock ports.Socket, frame domain.Frame) {
	switch frame.Type {
	case domain.EventConnectionAck:
		c.handleAck(gen, sock, frame)

	case domain.EventNewMessage:
		if !c.acknowledged(gen) {
			c.logger.Warn("dropping event received before connection ack", "type", frame.Type)
			return
		}
		var msg domain.Message
		if err := frame.Decode(&msg); err != nil {
			c.logger.Warn("malformed new_message", "error", err)
			return
		}
		c.emitMessage(msg)

	case domain.EventTicketUpdated:
		if !c.acknowledged(gen) {
			c.logger.Warn("dropping event received before connection ack", "type", frame.Type)
			return
		}
		var update domain.TicketUpdate
		if err := frame.Decode(&update); err != nil {
			c.logger.Warn("malformed ticket_updated", "error", err)
			return
		}
		c.emitTicketUpdate(update)

	case domain.EventError:
		var p domain.ErrorPayload
		if err := frame.Decode(&p); err != nil {
			c.logger.Warn("malformed error frame", "error", err)
			return
		}
		c.logger.Warn("server reported error", "code", p.Code, "message", p.Message)

	case domain.EventPong:
		c.logger.Debug("pong received")

	default:
		c.logger.Debug("ignoring unknown frame", "type", frame.Type)
	}
}

func (c *Connection) handleAck(gen uint64, sock ports.Socket, frame domain.Frame) {
	var ack domain.AckPayload
	if len(frame.Payload) > 0 {
		if err := frame.Decode(&ack); err != nil {
			c.logger.Warn("malformed connection ack", "error", err)
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.state != domain.StateConnecting {
		c.mu.Unlock()
		return
	}
	recovered := c.attempts > 0
	c.state = domain.StateConnected
	c.attempts = 0
	c.exhausted = false
	tickets := make([]string, 0, len(c.tickets))
	for id := range c.tickets {
		tickets = append(tickets, id)
	}
	c.mu.Unlock()

	c.logger.Info("realtime connected", "user_id", ack.UserID, "replayed_subscriptions", len(tickets))
	for _, id := range tickets {
		if err := c.writeTicketRef(sock, domain.EventSubscribeTicket, id); err != nil {
			c.logger.Warn("failed to replay subscription", "ticket_id", id, "error", err)
		}
	}

	if recovered && c.notifier != nil {
		c.notifier.Reconnected()
	}
	c.emitLifecycle(domain.LifecycleEvent{State: domain.StateConnected, Reason: domain.ReasonConnected})
}

func (c *Connection) handleSocketError(gen uint64, sock ports.Socket, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// Abandoned by Disconnect or a newer socket; not a drop.
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == domain.StateConnected
	c.abandonLocked()
	next := c.gen
	c.mu.Unlock()

	_ = sock.Close()

	if !wasConnected {
		c.logger.Warn("realtime connect error", "error", err)
		c.handleFailure(next, domain.ReasonConnectError, fmt.Errorf("%w: %w", apperrors.ErrConnectFailed, err))
		return
	}

	dropErr := fmt.Errorf("%w: %w", apperrors.ErrUnexpectedDisconnect, err)
	c.logger.Warn("realtime connection lost", "error", err)
	if c.notifier != nil && apperrors.IsRetryable(dropErr) {
		c.notifier.ConnectionLost(dropErr)
	}
	c.emitLifecycle(domain.LifecycleEvent{
		State:  domain.StateDisconnected,
		Reason: domain.ReasonTransportClosed,
		Err:    dropErr,
	})
	c.handleFailure(next, domain.ReasonTransportClosed, dropErr)
}

// handleFailure applies the reconnect policy after a failed dial or an
// unexpected drop. gen is the generation the failure belongs to; if a
// newer Connect or a Disconnect happened since, the failure is moot.
func (c *Connection) handleFailure(gen uint64, reason domain.LifecycleReason, err error) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.state != domain.StateDisconnected {
		c.mu.Unlock()
		return
	}

	if !apperrors.IsRetryable(err) {
		c.mu.Unlock()
		c.logger.Error("realtime connection rejected, not retrying", "reason", reason, "error", err)
		if c.notifier != nil {
			c.notifier.AuthRejected(err)
		}
		c.emitLifecycle(domain.LifecycleEvent{
			State:  domain.StateDisconnected,
			Reason: domain.ReasonAuthRejected,
			Err:    err,
		})
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.exhausted = true
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Error("realtime reconnect attempts exhausted", "attempts", attempts, "error", err)
		if c.notifier != nil {
			c.notifier.GaveUp(attempts, err)
		}
		c.emitLifecycle(domain.LifecycleEvent{
			State:   domain.StateDisconnected,
			Reason:  domain.ReasonReconnectFailed,
			Attempt: attempts,
			Err:     errors.Join(apperrors.ErrReconnectExhausted, err),
		})
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := c.backoff.Delay(attempt)
	c.stopTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.sched.AfterFunc(delay, func() { c.fireReconnect(seq) })
	c.mu.Unlock()

	c.logger.Warn("realtime reconnect scheduled", "attempt", attempt, "delay", delay.String(), "reason", reason)
	c.emitLifecycle(domain.LifecycleEvent{
		State:   domain.StateDisconnected,
		Reason:  domain.ReasonReconnectScheduled,
		Attempt: attempt,
		Delay:   delay,
		Err:     err,
	})
}

func (c *Connection) fireReconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.open(context.Background(), false); err != nil {
		c.logger.Error("scheduled reconnect aborted", "error", err)
	}
}

// stopTimerLocked cancels the pending reconnect, if any.
func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

// abandonLocked detaches the current socket (returned for closing),
// cancels an in-flight dial and invalidates callbacks from either.
func (c *Connection) abandonLocked() ports.Socket {
	sock := c.socket
	c.socket = nil
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.state = domain.StateDisconnected
	c.gen++
	return sock
}

func (c *Connection) liveSocketLocked() ports.Socket {
	if c.state != domain.StateConnected {
		return nil
	}
	return c.socket
}

func (c *Connection) acknowledged(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.state == domain.StateConnected
}

func (c *Connection) writeTicketRef(sock ports.Socket, eventType domain.EventType, ticketID string) error {
	frame, err := domain.NewFrame(eventType, domain.TicketRef{TicketID: ticketID})
	if err != nil {
		return err
	}
	if err := sock.WriteFrame(frame); err != nil {
		return fmt.Errorf("%s %s: %w", eventType, ticketID, err)
	}
	return nil
}

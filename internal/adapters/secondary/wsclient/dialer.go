// Package wsclient is the gorilla/websocket transport behind the realtime
// connection.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

const (
	writeWait = 10 * time.Second

	// Server pings every 54s; anything quieter than this is a dead link.
	defaultReadTimeout = 70 * time.Second

	defaultMaxMessageSize = 64 * 1024

	// CloseAuthExpired is sent by the server when the token stops being
	// valid on a live connection.
	CloseAuthExpired = 4401
)

// Dialer opens authenticated sockets to the realtime server.
type Dialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64
	Logger           *slog.Logger
}

var _ ports.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer whose handshake is bounded by timeout.
func NewDialer(timeout time.Duration, logger *slog.Logger) *Dialer {
	return &Dialer{
		HandshakeTimeout: timeout,
		ReadTimeout:      defaultReadTimeout,
		MaxMessageSize:   defaultMaxMessageSize,
		Logger:           logger.With("component", "ws_dialer"),
	}
}

// Dial connects to endpoint presenting token both as a query parameter
// (browsers cannot set headers on a websocket handshake) and as a bearer
// header. A 401 or 403 handshake response wraps ErrAuthRejected.
func (d *Dialer) Dial(ctx context.Context, endpoint, token string) (ports.Socket, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", apperrors.ErrAuthRejected, resp.StatusCode)
		}
		return nil, err
	}

	return newSocket(conn, d.ReadTimeout, d.MaxMessageSize, d.logger()), nil
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// socket adapts a gorilla connection to ports.Socket. Reads happen on one
// goroutine; writes may come from any goroutine and are serialized.
type socket struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	logger      *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, readTimeout time.Duration, maxSize int64, logger *slog.Logger) *socket {
	s := &socket{conn: conn, readTimeout: readTimeout, logger: logger}
	conn.SetReadLimit(maxSize)
	s.extendDeadline()

	conn.SetPingHandler(func(appData string) error {
		s.extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err != nil && err != websocket.ErrCloseSent {
			s.logger.Debug("failed to answer ping", "error", err)
		}
		return nil
	})
	return s
}

func (s *socket) extendDeadline() {
	if s.readTimeout <= 0 {
		return
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		s.logger.Debug("failed to set read deadline", "error", err)
	}
}

// ReadFrame returns the next frame. A message that is not a JSON envelope
// wraps ErrMalformedFrame and leaves the connection usable.
func (s *socket) ReadFrame() (domain.Frame, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, CloseAuthExpired) {
			return domain.Frame{}, fmt.Errorf("%w: %w", apperrors.ErrAuthRejected, err)
		}
		return domain.Frame{}, err
	}
	s.extendDeadline()

	var frame domain.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %w", apperrors.ErrMalformedFrame, err)
	}
	return frame, nil
}

func (s *socket) WriteFrame(frame domain.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

// Close sends a normal close frame and releases the connection.
func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

package ports

import (
	"context"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

// TokenStore is the local persistent storage the sign-in flow writes the
// auth token to. Token returns "" with a nil error when no token is stored.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
}

// Socket is one live, authenticated connection to the realtime server.
// ReadFrame blocks until a frame arrives or the socket fails. WriteFrame
// is safe to call from multiple goroutines.
type Socket interface {
	ReadFrame() (domain.Frame, error)
	WriteFrame(frame domain.Frame) error
	Close() error
}

// Dialer opens sockets. Implementations must return an error wrapping
// errors.ErrAuthRejected when the server refuses the token.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Socket, error)
}

// Timer is a pending scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// ConnectionNotifier surfaces connection trouble to the end user.
type ConnectionNotifier interface {
	ConnectionLost(err error)
	Reconnected()
	GaveUp(attempts int, err error)
	AuthRejected(err error)
}

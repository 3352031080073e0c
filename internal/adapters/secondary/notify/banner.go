// Package notify shows connection trouble to the person at the terminal.
package notify

import (
	"errors"
	"fmt"
	"io"
	"sync"

	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
)

// Banner writes one-line notices to w, e.g. stderr of the chat client.
type Banner struct {
	mu sync.Mutex
	w  io.Writer
}

var _ ports.ConnectionNotifier = (*Banner)(nil)

func NewBanner(w io.Writer) *Banner {
	return &Banner{w: w}
}

func (b *Banner) ConnectionLost(err error) {
	b.printf("!! connection lost (%v), reconnecting...", cause(err))
}

func (b *Banner) Reconnected() {
	b.printf("** reconnected")
}

func (b *Banner) GaveUp(attempts int, err error) {
	b.printf("!! could not reconnect after %d attempts (%v). Messages will not arrive until you reconnect.", attempts, cause(err))
}

func (b *Banner) AuthRejected(err error) {
	b.printf("!! the server rejected your session (%v). Run `deskchat login` with a fresh token.", cause(err))
}

func (b *Banner) printf(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = fmt.Fprintf(b.w, format+"\n", args...)
}

// cause strips our own sentinel prefixes so the banner shows the
// underlying network problem.
func cause(err error) error {
	for _, sentinel := range []error{apperrors.ErrUnexpectedDisconnect, apperrors.ErrConnectFailed} {
		if errors.Is(err, sentinel) {
			if inner := unwrapPast(err, sentinel); inner != nil {
				return inner
			}
		}
	}
	return err
}

// unwrapPast returns the first error joined with sentinel in a
// fmt.Errorf("%w: %w") chain.
func unwrapPast(err, sentinel error) error {
	multi, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return nil
	}
	errs := multi.Unwrap()
	for i, e := range errs {
		if e == sentinel && i+1 < len(errs) {
			return errs[i+1]
		}
	}
	return nil
}

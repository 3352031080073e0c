package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
	"github.com/stretchr/testify/require"
)

// --- scheduler ---

type fakeTimer struct {
	sched   *fakeScheduler
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler records every timer and only runs them when told to.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) ports.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	delays := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		delays[i] = t.delay
	}
	return delays
}

func (s *fakeScheduler) Pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			pending = append(pending, t)
		}
	}
	return pending
}

func (s *fakeScheduler) Last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

// FireNext runs the single pending timer on the calling goroutine.
func (s *fakeScheduler) FireNext(t *testing.T) {
	t.Helper()
	pending := s.Pending()
	require.Len(t, pending, 1, "expected exactly one pending reconnect timer")

	timer := pending[0]
	s.mu.Lock()
	timer.fired = true
	s.mu.Unlock()
	timer.fn()
}

// --- socket ---

type inboundItem struct {
	frame domain.Frame
	err   error
}

type fakeSocket struct {
	inbound   chan inboundItem
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
	written []domain.Frame
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan inboundItem, 32),
		closed:  make(chan struct{}),
		readErr: io.EOF,
	}
}

func (s *fakeSocket) ReadFrame() (domain.Frame, error) {
	select {
	case in := <-s.inbound:
		return in.frame, in.err
	case <-s.closed:
		s.mu.Lock()
		defer s.mu.Unlock()
		return domain.Frame{}, s.readErr
	}
}

func (s *fakeSocket) WriteFrame(frame domain.Frame) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, frame)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Push delivers a server frame.
func (s *fakeSocket) Push(t *testing.T, eventType domain.EventType, payload any) {
	t.Helper()
	frame, err := domain.NewFrame(eventType, payload)
	require.NoError(t, err)
	s.inbound <- inboundItem{frame: frame}
}

// PushError makes the next read fail with err without closing the socket.
func (s *fakeSocket) PushError(err error) {
	s.inbound <- inboundItem{err: err}
}

// Drop simulates the network going away.
func (s *fakeSocket) Drop(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	_ = s.Close()
}

func (s *fakeSocket) Written(eventType domain.EventType) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payloads []json.RawMessage
	for _, f := range s.written {
		if f.Type == eventType {
			payloads = append(payloads, f.Payload)
		}
	}
	return payloads
}

// --- dialer ---

type fakeDialer struct {
	mu       sync.Mutex
	failures []error
	calls    int
	tokens   []string
	sockets  []*fakeSocket
}

// FailNext makes the next n dials fail with err.
func (d *fakeDialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, err)
	}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, token string) (ports.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	sock := newFakeSocket()
	d.sockets = append(d.sockets, sock)
	return sock, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Sockets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) Socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

// --- notifier ---

type fakeNotifier struct {
	mu           sync.Mutex
	lost         int
	reconnected  int
	gaveUp       []int
	authRejected int
}

func (n *fakeNotifier) ConnectionLost(error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lost++
}

func (n *fakeNotifier) Reconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconnected++
}

func (n *fakeNotifier) GaveUp(attempts int, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gaveUp = append(n.gaveUp, attempts)
}

func (n *fakeNotifier) AuthRejected(error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.authRejected++
}

func (n *fakeNotifier) snapshot() (lost, reconnected int, gaveUp []int, authRejected int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost, n.reconnected, append([]int(nil), n.gaveUp...), n.authRejected
}

// --- lifecycle recorder ---

type lifecycleRecorder struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (r *lifecycleRecorder) record(ev domain.LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *lifecycleRecorder) count(reason domain.LifecycleReason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Reason == reason {
			n++
		}
	}
	return n
}

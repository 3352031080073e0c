package realtime_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/tokenstore"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-realtime/internal/core/errors"
	"github.com/lorrc/service-desk-realtime/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	conn     *realtime.Connection
	dialer   *fakeDialer
	sched    *fakeScheduler
	notifier *fakeNotifier
	tokens   *tokenstore.MemoryStore
	events   *lifecycleRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		sched:    &fakeScheduler{},
		notifier: &fakeNotifier{},
		tokens:   tokenstore.NewMemoryStore("test-token"),
		events:   &lifecycleRecorder{},
	}
	cfg := realtime.Config{
		Endpoint:             "ws://realtime.test/api/v1/ws",
		BaseDelay:            1000 * time.Millisecond,
		MaxDelay:             30000 * time.Millisecond,
		MaxReconnectAttempts: 5,
		ConnectTimeout:       time.Second,
	}
	h.conn = realtime.NewConnection(cfg, h.dialer, h.tokens,
		realtime.WithScheduler(h.sched),
		realtime.WithNotifier(h.notifier),
		realtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	h.conn.OnLifecycle(h.events.record)
	t.Cleanup(h.conn.Close)
	return h
}

// waitDials blocks until the dialer has been called n times.
func (h *harness) waitDials(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.Calls() == n }, waitFor, tick)
}

// waitScheduled blocks until n reconnect timers have been created in total.
func (h *harness) waitScheduled(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.sched.Scheduled() == n }, waitFor, tick)
}

// connectAndAck dials, acknowledges and returns the live socket.
func (h *harness) connectAndAck(t *testing.T) *fakeSocket {
	t.Helper()
	sockets := h.dialer.Sockets()
	require.NoError(t, h.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.dialer.Sockets() == sockets+1 }, waitFor, tick)
	return h.ack(t, sockets)
}

func (h *harness) ack(t *testing.T, socketIndex int) *fakeSocket {
	t.Helper()
	sock := h.dialer.Socket(socketIndex)
	sock.Push(t, domain.EventConnectionAck, domain.AckPayload{UserID: "user-1"})
	require.Eventually(t, h.conn.IsConnected, waitFor, tick)
	return sock
}

func TestConnect_WithoutTokenCreatesNoSocket(t *testing.T) {
	h := newHarness(t)
	h.tokens.Clear()

	err := h.conn.Connect(context.Background())

	assert.ErrorIs(t, err, apperrors.ErrNoAuthToken)
	assert.Equal(t, 0, h.dialer.Calls())
	assert.Equal(t, 0, h.sched.Scheduled())
	assert.Equal(t, domain.StateDisconnected, h.conn.State())
	assert.False(t, h.conn.IsConnected())
}

func TestConnect_PassesStoredToken(t *testing.T) {
	h := newHarness(t)
	h.connectAndAck(t)

	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	assert.Equal(t, []string{"test-token"}, h.dialer.tokens)
}

func TestConnect_WhenConnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connectAndAck(t)

	require.NoError(t, h.conn.Connect(context.Background()))
	require.NoError(t, h.conn.Connect(context.Background()))

	assert.Equal(t, 1, h.dialer.Calls())
	assert.Equal(t, 0, h.conn.Attempts())
	assert.True(t, h.conn.IsConnected())
}

func TestConnect_WhileConnectingIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Connect(context.Background()))
	h.waitDials(t, 1)
	require.Equal(t, domain.StateConnecting, h.conn.State())

	require.NoError(t, h.conn.Connect(context.Background()))

	assert.Equal(t, 1, h.dialer.Calls())
}

func TestReconnect_BackoffDoublesPerAttempt(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(3, errors.New("connection refused"))

	require.NoError(t, h.conn.Connect(context.Background()))
	h.waitScheduled(t, 1)
	assert.Len(t, h.sched.Pending(), 1)

	h.sched.FireNext(t)
	h.waitScheduled(t, 2)
	assert.Len(t, h.sched.Pending(), 1)

	h.sched.FireNext(t)
	h.waitScheduled(t, 3)
	assert.Len(t, h.sched.Pending(), 1)

	assert.Equal(t, []time.Duration{2000 * time.Millisecond, 4000 * time.Millisecond, 8000 * time.Millisecond}, h.sched.Delays())
	assert.Equal(t, 3, h.conn.Attempts())
	assert.Equal(t, 3, h.events.count(domain.ReasonReconnectScheduled))
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(6, errors.New("network unreachable"))

	require.NoError(t, h.conn.Connect(context.Background()))
	for i := 1; i <= 5; i++ {
		h.waitScheduled(t, i)
		h.sched.FireNext(t)
	}
	h.waitDials(t, 6)
	require.Eventually(t, func() bool { return h.events.count(domain.ReasonReconnectFailed) == 1 }, waitFor, tick)

	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}, h.sched.Delays())
	assert.Empty(t, h.sched.Pending())
	assert.False(t, h.conn.IsConnected())

	_, _, gaveUp, _ := h.notifier.snapshot()
	assert.Equal(t, []int{5}, gaveUp)

	// An explicit Connect (e.g. connectivity regained) starts over.
	h.connectAndAck(t)
	assert.Equal(t, 7, h.dialer.Calls())
	assert.Equal(t, 0, h.conn.Attempts())
}

func TestReconnect_SuccessResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(2, errors.New("connection refused"))

	require.NoError(t, h.conn.Connect(context.Background()))
	h.waitScheduled(t, 1)
	h.sched.FireNext(t)
	h.waitScheduled(t, 2)
	h.sched.FireNext(t)

	require.Eventually(t, func() bool { return h.dialer.Sockets() == 1 }, waitFor, tick)
	sock := h.ack(t, 0)
	assert.Equal(t, 0, h.conn.Attempts())

	_, reconnected, _, _ := h.notifier.snapshot()
	assert.Equal(t, 1, reconnected)

	sock.Drop(io.ErrUnexpectedEOF)
	h.waitScheduled(t, 3)
	assert.Equal(t, 2*time.Second, h.sched.Last().delay)
	assert.Equal(t, 1, h.conn.Attempts())
}

func TestUnexpectedDisconnect_EmitsAndSchedules(t *testing.T) {
	h := newHarness(t)
	var disconnects sync.WaitGroup
	disconnects.Add(1)
	h.conn.OnDisconnect(func(ev domain.LifecycleEvent) {
		assert.Equal(t, domain.ReasonTransportClosed, ev.Reason)
		assert.ErrorIs(t, ev.Err, apperrors.ErrUnexpectedDisconnect)
		disconnects.Done()
	})

	sock := h.connectAndAck(t)
	sock.Drop(io.ErrUnexpectedEOF)

	disconnects.Wait()
	h.waitScheduled(t, 1)
	assert.False(t, h.conn.IsConnected())

	lost, _, _, _ := h.notifier.snapshot()
	assert.Equal(t, 1, lost)
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(1, errors.New("connection refused"))

	require.NoError(t, h.conn.Connect(context.Background()))
	h.waitScheduled(t, 1)
	timer := h.sched.Last()

	h.conn.Disconnect()

	assert.Empty(t, h.sched.Pending())
	assert.True(t, timer.stopped)
	assert.False(t, h.conn.IsConnected())
	assert.Equal(t, 0, h.conn.Attempts())

	// Even if the runtime delivered the callback anyway, it must not dial.
	timer.fn()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Calls())
}

func TestConnect_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(1, errors.New("connection refused"))

	require.NoError(t, h.conn.Connect(context.Background()))
	h.waitScheduled(t, 1)
	timer := h.sched.Last()

	require.NoError(t, h.conn.Connect(context.Background()))
	h.waitDials(t, 2)

	assert.True(t, timer.stopped)
	assert.Empty(t, h.sched.Pending())

	timer.fn()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.Calls())
	assert.Equal(t, 1, h.sched.Scheduled())
}

func TestDisconnect_ClosesSocketWithoutRetry(t *testing.T) {
	h := newHarness(t)
	var disconnects int
	var mu sync.Mutex
	h.conn.OnDisconnect(func(ev domain.LifecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		disconnects++
		assert.Equal(t, domain.ReasonClientDisconnect, ev.Reason)
	})

	sock := h.connectAndAck(t)
	h.conn.Disconnect()
	h.conn.Disconnect()

	assert.True(t, sock.IsClosed())
	assert.False(t, h.conn.IsConnected())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.sched.Scheduled())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, disconnects)
}

func TestDisconnect_WhenNeverConnected(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.conn.Disconnect()
		h.conn.Disconnect()
	})
	assert.Equal(t, domain.StateDisconnected, h.conn.State())
}

func TestSendMessage_WhenDisconnectedFailsFast(t *testing.T) {
	h := newHarness(t)
	msg := domain.Message{TicketID: "42", Message: "hi", Sender: domain.SenderCustomer}

	err := h.conn.SendMessage(msg)

	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	assert.Equal(t, 0, h.dialer.Calls())
}

func TestSendMessage_WhenConnectedEmitsOnce(t *testing.T) {
	h := newHarness(t)
	sock := h.connectAndAck(t)
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := h.conn.SendMessage(domain.Message{TicketID: "42", Message: "hi", Sender: domain.SenderAgent, CreatedAt: createdAt})
	require.NoError(t, err)

	sent := sock.Written(domain.EventSendMessage)
	require.Len(t, sent, 1)
	var got domain.Message
	require.NoError(t, json.Unmarshal(sent[0], &got))
	assert.Equal(t, "42", got.TicketID)
	assert.Equal(t, "hi", got.Message)
	assert.Equal(t, domain.SenderAgent, got.Sender)
	assert.True(t, createdAt.Equal(got.CreatedAt))
}

func TestSendMessage_RejectsInvalidMessage(t *testing.T) {
	h := newHarness(t)
	sock := h.connectAndAck(t)

	err := h.conn.SendMessage(domain.Message{TicketID: "42", Message: "hi", Sender: "robot"})

	assert.ErrorIs(t, err, apperrors.ErrInvalidSender)
	assert.Empty(t, sock.Written(domain.EventSendMessage))
}

func TestNewMessage_DeliveredOncePerSubscriber(t *testing.T) {
	h := newHarness(t)
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var first, second []domain.Message
	h.conn.OnNewMessage(func(m domain.Message) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, m)
	})
	unsubscribe := h.conn.OnNewMessage(func(m domain.Message) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, m)
	})

	sock := h.connectAndAck(t)
	sock.Push(t, domain.EventNewMessage, map[string]any{
		"ticketId":  "42",
		"message":   "hi",
		"sender":    "customer",
		"createdAt": createdAt.Format(time.RFC3339),
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 1 && len(second) == 1
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, "42", first[0].TicketID)
	assert.Equal(t, "hi", first[0].Message)
	assert.Equal(t, domain.SenderCustomer, first[0].Sender)
	assert.True(t, createdAt.Equal(first[0].CreatedAt))
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	sock.Push(t, domain.EventNewMessage, domain.Message{TicketID: "42", Message: "again", Sender: domain.SenderAgent})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2
	}, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, second, 1)
}

func TestTicketUpdated_Delivered(t *testing.T) {
	h := newHarness(t)
	updates := make(chan domain.TicketUpdate, 1)
	h.conn.OnTicketUpdated(func(u domain.TicketUpdate) { updates <- u })

	sock := h.connectAndAck(t)
	sock.Push(t, domain.EventTicketUpdated, map[string]any{"ticketId": "42", "status": "CLOSED"})

	select {
	case u := <-updates:
		assert.Equal(t, "42", u.TicketID)
		assert.Equal(t, "CLOSED", u.Changes["status"])
	case <-time.After(waitFor):
		t.Fatal("ticket update not delivered")
	}
}

func TestEventsBeforeAckAreDropped(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var received []string
	h.conn.OnNewMessage(func(m domain.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m.Message)
	})
	connected := make(chan struct{})
	h.conn.OnConnect(func(domain.LifecycleEvent) { close(connected) })

	require.NoError(t, h.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.dialer.Sockets() == 1 }, waitFor, tick)
	sock := h.dialer.Socket(0)
	sock.Push(t, domain.EventNewMessage, domain.Message{TicketID: "1", Message: "early", Sender: domain.SenderAgent})
	sock.Push(t, domain.EventConnectionAck, domain.AckPayload{UserID: "u"})
	sock.Push(t, domain.EventNewMessage, domain.Message{TicketID: "1", Message: "late", Sender: domain.SenderAgent})

	<-connected
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"late"}, received)
}

func TestAuthRejection_IsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailNext(1, fmt.Errorf("%w: handshake status 401", apperrors.ErrAuthRejected))

	require.NoError(t, h.conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return h.events.count(domain.ReasonAuthRejected) == 1 }, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.sched.Scheduled())
	assert.Equal(t, 1, h.dialer.Calls())

	_, _, _, rejected := h.notifier.snapshot()
	assert.Equal(t, 1, rejected)
}

func TestSubscriptions_ReplayedAfterReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Subscribe("42"))

	sock := h.connectAndAck(t)
	require.Eventually(t, func() bool { return len(sock.Written(domain.EventSubscribeTicket)) == 1 }, waitFor, tick)

	sock.Drop(io.ErrUnexpectedEOF)
	h.waitScheduled(t, 1)
	h.sched.FireNext(t)
	require.Eventually(t, func() bool { return h.dialer.Sockets() == 2 }, waitFor, tick)
	second := h.ack(t, 1)

	require.Eventually(t, func() bool { return len(second.Written(domain.EventSubscribeTicket)) == 1 }, waitFor, tick)
	assert.JSONEq(t, `{"ticketId":"42"}`, string(second.Written(domain.EventSubscribeTicket)[0]))

	require.NoError(t, h.conn.Unsubscribe("42"))
	assert.Len(t, second.Written(domain.EventUnsubscribeTicket), 1)
	assert.Empty(t, h.conn.Subscriptions())
}

func TestClose_RejectsLaterConnect(t *testing.T) {
	h := newHarness(t)
	h.conn.Close()

	assert.ErrorIs(t, h.conn.Connect(context.Background()), apperrors.ErrConnectionClosed)
	assert.Equal(t, 0, h.dialer.Calls())
}

func TestMalformedFrame_KeepsConnection(t *testing.T) {
	h := newHarness(t)
	messages := make(chan domain.Message, 2)
	h.conn.OnNewMessage(func(m domain.Message) { messages <- m })

	sock := h.connectAndAck(t)
	sock.Push(t, domain.EventNewMessage, domain.Message{TicketID: "42", Message: "before", Sender: domain.SenderAgent})
	sock.PushError(fmt.Errorf("%w: invalid character 'o'", apperrors.ErrMalformedFrame))
	sock.Push(t, domain.EventNewMessage, domain.Message{TicketID: "42", Message: "after", Sender: domain.SenderAgent})

	for _, want := range []string{"before", "after"} {
		select {
		case m := <-messages:
			assert.Equal(t, want, m.Message)
		case <-time.After(waitFor):
			t.Fatalf("message %q not delivered", want)
		}
	}

	assert.True(t, h.conn.IsConnected())
	assert.False(t, sock.IsClosed())
	assert.Equal(t, 0, h.conn.Attempts())
	assert.Equal(t, 0, h.sched.Scheduled())
	assert.Equal(t, 0, h.events.count(domain.ReasonTransportClosed))
	lost, _, _, _ := h.notifier.snapshot()
	assert.Equal(t, 0, lost)
}

// syncBuffer is a log sink safe to read while the reader goroutine writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServerErrorFrame_MalformedPayloadIsLogged(t *testing.T) {
	logs := &syncBuffer{}
	dialer := &fakeDialer{}
	conn := realtime.NewConnection(
		realtime.Config{Endpoint: "ws://realtime.test/api/v1/ws"},
		dialer,
		tokenstore.NewMemoryStore("test-token"),
		realtime.WithScheduler(&fakeScheduler{}),
		realtime.WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
	)
	t.Cleanup(conn.Close)

	require.NoError(t, conn.Connect(context.Background()))
	require.Eventually(t, func() bool { return dialer.Sockets() == 1 }, waitFor, tick)
	sock := dialer.Socket(0)
	sock.Push(t, domain.EventConnectionAck, domain.AckPayload{UserID: "u"})
	sock.inbound <- inboundItem{frame: domain.Frame{Type: domain.EventError, Payload: json.RawMessage(`"not an object"`)}}
	sock.Push(t, domain.EventError, domain.ErrorPayload{Code: "FORBIDDEN", Message: "nope"})

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "code=FORBIDDEN")
	}, waitFor, tick)
	assert.Contains(t, logs.String(), "malformed error frame")
	assert.True(t, conn.IsConnected())
}

func TestClose_DisconnectHandlerCannotReopen(t *testing.T) {
	h := newHarness(t)
	h.connectAndAck(t)

	var reconnectErr error
	h.conn.OnDisconnect(func(domain.LifecycleEvent) {
		reconnectErr = h.conn.Connect(context.Background())
	})

	h.conn.Close()

	assert.ErrorIs(t, reconnectErr, apperrors.ErrConnectionClosed)
	assert.Equal(t, 1, h.dialer.Calls())
	assert.Equal(t, domain.StateDisconnected, h.conn.State())
}

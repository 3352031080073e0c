package realtime_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	httpAdapter "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http"
	wsAdapter "github.com/lorrc/service-desk-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/memory"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/tokenstore"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/wsclient"
	"github.com/lorrc/service-desk-realtime/internal/auth"
	"github.com/lorrc/service-desk-realtime/internal/config"
	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/internal/core/services"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
	"github.com/lorrc/service-desk-realtime/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const e2eSecret = "end-to-end-secret-long-enough-for-hs256"

// trackingListener remembers accepted connections so a test can cut the
// network under live websockets.
type trackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conns = append(l.conns, c)
	l.mu.Unlock()
	return c, nil
}

func (l *trackingListener) dropAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.conns = nil
}

type e2eServer struct {
	hub      *wsAdapter.Hub
	service  *services.MessageService
	tm       *auth.TokenManager
	listener *trackingListener
	endpoint string
}

func newE2EServer(t *testing.T) *e2eServer {
	t.Helper()
	logger := logging.Discard()
	ctx, cancel := context.WithCancel(context.Background())

	hub := wsAdapter.NewHub(logger)
	go hub.Run(ctx)

	svc := services.NewMessageService(memory.NewMessageRepository(0), hub, logger)
	tm := auth.NewTokenManager(e2eSecret, time.Hour)
	cfg := &config.Config{App: config.AppConfig{Environment: "development"}}

	srv := httptest.NewUnstartedServer(httpAdapter.NewWebSocketHandler(hub, tm, svc, cfg, logger))
	listener := &trackingListener{Listener: srv.Listener}
	srv.Listener = listener
	srv.Start()

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &e2eServer{
		hub:      hub,
		service:  svc,
		tm:       tm,
		listener: listener,
		endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws",
	}
}

type e2eClient struct {
	conn     *realtime.Connection
	notifier *fakeNotifier
	messages chan domain.Message
	updates  chan domain.TicketUpdate
	connects atomic.Int32
}

func (s *e2eServer) newClient(t *testing.T, token string) *e2eClient {
	t.Helper()
	logger := logging.Discard()
	c := &e2eClient{
		notifier: &fakeNotifier{},
		messages: make(chan domain.Message, 16),
		updates:  make(chan domain.TicketUpdate, 16),
	}
	c.conn = realtime.NewConnection(
		realtime.Config{
			Endpoint:             s.endpoint,
			BaseDelay:            10 * time.Millisecond,
			MaxDelay:             50 * time.Millisecond,
			MaxReconnectAttempts: 5,
			ConnectTimeout:       2 * time.Second,
		},
		wsclient.NewDialer(2*time.Second, logger),
		tokenstore.NewMemoryStore(token),
		realtime.WithNotifier(c.notifier),
		realtime.WithLogger(logger),
	)
	c.conn.OnNewMessage(func(m domain.Message) { c.messages <- m })
	c.conn.OnTicketUpdated(func(u domain.TicketUpdate) { c.updates <- u })
	c.conn.OnConnect(func(domain.LifecycleEvent) { c.connects.Add(1) })
	t.Cleanup(c.conn.Close)
	return c
}

func (s *e2eServer) token(t *testing.T, role string) string {
	t.Helper()
	token, err := s.tm.GenerateToken(uuid.New(), role)
	require.NoError(t, err)
	return token
}

func (s *e2eServer) waitRoom(t *testing.T, ticketID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.hub.ClientsInRoom(ticketID) == n && s.hub.ClientCount() == n
	}, 3*time.Second, 10*time.Millisecond)
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestEndToEnd_ChatAcrossReconnect(t *testing.T) {
	srv := newE2EServer(t)
	agent := srv.newClient(t, srv.token(t, auth.RoleAgent))
	customer := srv.newClient(t, srv.token(t, auth.RoleCustomer))

	for _, c := range []*e2eClient{agent, customer} {
		require.NoError(t, c.conn.Subscribe("42"))
		require.NoError(t, c.conn.Connect(context.Background()))
	}
	require.Eventually(t, func() bool {
		return agent.conn.IsConnected() && customer.conn.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)
	srv.waitRoom(t, "42", 2)

	// Customer writes, both sides see it exactly once.
	msg, err := domain.NewMessage("42", "my printer is on fire", domain.SenderCustomer)
	require.NoError(t, err)
	require.NoError(t, customer.conn.SendMessage(msg))

	for _, c := range []*e2eClient{agent, customer} {
		got := receive(t, c.messages)
		assert.Equal(t, "my printer is on fire", got.Message)
		assert.NotEmpty(t, got.ID)
	}

	// Ticket updates reach the room.
	require.NoError(t, srv.service.PublishTicketUpdate(context.Background(), domain.TicketUpdate{
		TicketID: "42",
		Changes:  map[string]any{"status": "IN_PROGRESS"},
	}))
	update := receive(t, agent.updates)
	assert.Equal(t, "IN_PROGRESS", update.Changes["status"])
	receive(t, customer.updates)

	// Cut the network. Both clients reconnect on their own and rejoin the room.
	srv.listener.dropAll()
	require.Eventually(t, func() bool {
		return agent.connects.Load() == 2 && customer.connects.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	srv.waitRoom(t, "42", 2)

	lost, reconnected, gaveUp, _ := agent.notifier.snapshot()
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, reconnected)
	assert.Empty(t, gaveUp)

	reply, err := domain.NewMessage("42", "on my way with an extinguisher", domain.SenderAgent)
	require.NoError(t, err)
	require.NoError(t, agent.conn.SendMessage(reply))
	assert.Equal(t, "on my way with an extinguisher", receive(t, customer.messages).Message)
	assert.Equal(t, "on my way with an extinguisher", receive(t, agent.messages).Message)

	// Nothing was delivered twice.
	assert.Empty(t, customer.messages)
	assert.Empty(t, agent.messages)
}

func TestEndToEnd_RejectedTokenIsNotRetried(t *testing.T) {
	srv := newE2EServer(t)
	foreign := auth.NewTokenManager("not-the-server-secret-at-all", time.Hour)
	token, err := foreign.GenerateToken(uuid.New(), auth.RoleAgent)
	require.NoError(t, err)

	client := srv.newClient(t, token)
	require.NoError(t, client.conn.Connect(context.Background()))

	require.Eventually(t, func() bool {
		_, _, _, rejected := client.notifier.snapshot()
		return rejected == 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, client.conn.IsConnected())
	assert.Equal(t, 0, client.conn.Attempts())
	assert.Equal(t, 0, srv.hub.ClientCount())
}

func TestEndToEnd_MalformedServerFrameIsSkipped(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ack, _ := domain.NewFrame(domain.EventConnectionAck, domain.AckPayload{UserID: "u1"})
		_ = conn.WriteJSON(ack)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		msg, _ := domain.NewFrame(domain.EventNewMessage, domain.Message{TicketID: "42", Message: "still here", Sender: domain.SenderAgent})
		_ = conn.WriteJSON(msg)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	s := &e2eServer{endpoint: "ws" + strings.TrimPrefix(srv.URL, "http")}
	client := s.newClient(t, "any-token")
	var disconnects atomic.Int32
	client.conn.OnDisconnect(func(domain.LifecycleEvent) { disconnects.Add(1) })

	require.NoError(t, client.conn.Connect(context.Background()))

	assert.Equal(t, "still here", receive(t, client.messages).Message)
	assert.True(t, client.conn.IsConnected())
	assert.Equal(t, 0, client.conn.Attempts())
	assert.Equal(t, int32(0), disconnects.Load())
	lost, _, _, _ := client.notifier.snapshot()
	assert.Equal(t, 0, lost)
}

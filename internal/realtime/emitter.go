package realtime

import (
	"log/slog"
	"sync"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// Emitter fans realtime events out to independent subscribers. Every
// On* method returns a function that removes the subscription; calling it
// more than once is harmless.
type Emitter struct {
	messages    topic[domain.Message]
	updates     topic[domain.TicketUpdate]
	connects    topic[domain.LifecycleEvent]
	disconnects topic[domain.LifecycleEvent]
	lifecycle   topic[domain.LifecycleEvent]

	logger *slog.Logger
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{logger: logger}
}

// OnNewMessage subscribes to new_message events.
func (e *Emitter) OnNewMessage(fn func(domain.Message)) func() {
	return e.messages.subscribe(fn)
}

// OnTicketUpdated subscribes to ticket_updated events.
func (e *Emitter) OnTicketUpdated(fn func(domain.TicketUpdate)) func() {
	return e.updates.subscribe(fn)
}

// OnConnect subscribes to successful (re)connects.
func (e *Emitter) OnConnect(fn func(domain.LifecycleEvent)) func() {
	return e.connects.subscribe(fn)
}

// OnDisconnect subscribes to the loss of a live connection, whether
// requested or not.
func (e *Emitter) OnDisconnect(fn func(domain.LifecycleEvent)) func() {
	return e.disconnects.subscribe(fn)
}

// OnLifecycle subscribes to every lifecycle event, including scheduled
// reconnects and giving up.
func (e *Emitter) OnLifecycle(fn func(domain.LifecycleEvent)) func() {
	return e.lifecycle.subscribe(fn)
}

func (e *Emitter) emitMessage(msg domain.Message) {
	e.messages.publish(msg, e.recoverer("new_message"))
}

func (e *Emitter) emitTicketUpdate(update domain.TicketUpdate) {
	e.updates.publish(update, e.recoverer("ticket_updated"))
}

func (e *Emitter) emitLifecycle(ev domain.LifecycleEvent) {
	switch ev.Reason {
	case domain.ReasonConnected:
		e.connects.publish(ev, e.recoverer("connect"))
	case domain.ReasonClientDisconnect, domain.ReasonTransportClosed:
		e.disconnects.publish(ev, e.recoverer("disconnect"))
	}
	e.lifecycle.publish(ev, e.recoverer("lifecycle"))
}

// recoverer keeps a panicking subscriber from killing the read loop.
func (e *Emitter) recoverer(event string) func() {
	return func() {
		if r := recover(); r != nil {
			logging.LogPanic(e.logger.With("event", event), r)
		}
	}
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// topic is one typed event stream. Subscribers run in subscription order
// on the publishing goroutine.
type topic[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

func (t *topic[T]) subscribe(fn func(T)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

func (t *topic[T]) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *topic[T]) publish(v T, recoverer func()) {
	t.mu.Lock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, s := range subs {
		func() {
			defer recoverer()
			s.fn(v)
		}()
	}
}

func (t *topic[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

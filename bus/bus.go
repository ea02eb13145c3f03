// Package bus implements the in-process typed publish/subscribe bus.
//
// Subscription is by exact runtime type; the key is reflect.Type. Publish is
// synchronous: when it returns, every subscriber for that type has run,
// including subscribers reached through nested publishes made from inside a
// handler. No lock is held while handlers run, so a handler may publish
// further events without deadlocking; subscribers that keep mutable state own
// their own synchronization. A subscriber panic is isolated — recovered,
// counted, logged — so the remaining subscribers still run and publish itself
// never panics.
package bus

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/marrowfx/tradecore/events"
)

// Handler processes one event value.
type Handler func(events.Event)

// Stats are the bus's running counters.
type Stats struct {
	EventsPublished int64
	HandlersCalled  int64
	HandlerErrors   int64
}

// Bus is the synchronous, single-process typed pub/sub bus.
type Bus struct {
	mu       sync.RWMutex // guards handlers (subscribe/unsubscribe)
	handlers map[reflect.Type][]Handler

	published int64
	called    int64
	errors    int64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[reflect.Type][]Handler)}
}

// Subscribe registers handler for the runtime type of sample. Registration
// order is invocation order. Subscriptions should be made before Runtime.start
// so the hot publish path never needs to take the subscribe lock on behalf of
// a late joiner.
func (b *Bus) Subscribe(sample events.Event, handler Handler) {
	t := reflect.TypeOf(sample)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Unsubscribe removes the first handler pointer-equal to handler for sample's
// type. Handler equality is by address, so callers must keep the original
// func value around to unsubscribe it.
func (b *Bus) Unsubscribe(sample events.Event, handler Handler) {
	t := reflect.TypeOf(sample)
	target := reflect.ValueOf(handler).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[t]
	for i, h := range list {
		if reflect.ValueOf(h).Pointer() == target {
			b.handlers[t] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish dispatches event to every subscriber registered for its runtime
// type, in registration order. It never panics: a handler panic is
// recovered, logged, and counted, and dispatch continues with the next
// handler. Handlers run without any bus lock held, so a handler may itself
// publish (the pipeline chains SignalDetected through OrderPlaced this way)
// and concurrent publishers (the reconciler goroutine) never block on the
// pipeline's in-flight dispatch.
func (b *Bus) Publish(event events.Event) {
	t := reflect.TypeOf(event)

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	b.mu.RUnlock()

	atomic.AddInt64(&b.published, 1)

	for _, h := range handlers {
		b.invoke(h, event)
	}
}

func (b *Bus) invoke(h Handler, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&b.errors, 1)
			log.Error().
				Interface("panic", r).
				Str("event_type", reflect.TypeOf(event).String()).
				Msg("event bus handler panicked")
		}
	}()
	atomic.AddInt64(&b.called, 1)
	h(event)
}

// Stats returns a snapshot of the running counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished: atomic.LoadInt64(&b.published),
		HandlersCalled:  atomic.LoadInt64(&b.called),
		HandlerErrors:   atomic.LoadInt64(&b.errors),
	}
}

package bus

import (
	"testing"

	"github.com/marrowfx/tradecore/events"
)

func TestPublishInvokesHandlersInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe(events.SignalDetected{}, func(events.Event) { order = append(order, 1) })
	b.Subscribe(events.SignalDetected{}, func(events.Event) { order = append(order, 2) })

	b.Publish(events.NewSignalDetected("XAUUSD", events.Buy, 0.8, "ma_cross"))

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected handlers in registration order, got %v", order)
	}
}

func TestPublishOnlyDispatchesToMatchingType(t *testing.T) {
	b := New()
	called := 0

	b.Subscribe(events.Filled{}, func(events.Event) { called++ })
	b.Publish(events.NewSignalDetected("XAUUSD", events.Buy, 0.8, "ma_cross"))

	if called != 0 {
		t.Fatalf("expected 0 calls for mismatched type, got %d", called)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New()
	secondRan := false

	b.Subscribe(events.SignalDetected{}, func(events.Event) { panic("boom") })
	b.Subscribe(events.SignalDetected{}, func(events.Event) { secondRan = true })

	b.Publish(events.NewSignalDetected("XAUUSD", events.Buy, 0.8, "ma_cross"))

	if !secondRan {
		t.Fatal("expected second handler to run despite first handler panicking")
	}

	stats := b.Stats()
	if stats.HandlerErrors != 1 {
		t.Fatalf("expected 1 handler error, got %d", stats.HandlerErrors)
	}
	if stats.EventsPublished != 1 {
		t.Fatalf("expected 1 event published, got %d", stats.EventsPublished)
	}
	if stats.HandlersCalled != 2 {
		t.Fatalf("expected 2 handlers called, got %d", stats.HandlersCalled)
	}
}

func TestHandlerMayPublishNestedEvent(t *testing.T) {
	b := New()
	var seen []string

	b.Subscribe(events.SignalDetected{}, func(e events.Event) {
		seen = append(seen, "signal")
		b.Publish(events.Validated{Base: events.NewBase(), IsValid: true})
	})
	b.Subscribe(events.Validated{}, func(events.Event) { seen = append(seen, "validated") })

	b.Publish(events.NewSignalDetected("XAUUSD", events.Buy, 0.8, "ma_cross"))

	if len(seen) != 2 || seen[0] != "signal" || seen[1] != "validated" {
		t.Fatalf("expected nested publish to dispatch synchronously, got %v", seen)
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := New()
	called := 0
	h := func(events.Event) { called++ }

	b.Subscribe(events.SignalDetected{}, h)
	b.Unsubscribe(events.SignalDetected{}, h)
	b.Publish(events.NewSignalDetected("XAUUSD", events.Buy, 0.8, "ma_cross"))

	if called != 0 {
		t.Fatalf("expected 0 calls after unsubscribe, got %d", called)
	}
}

package coordinator

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- EventBus tests ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEventBusEmitOn(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var received Event

	eb.On(EventStatus, func(e Event) {
		received = e
	})

	eb.Emit(Event{Type: EventStatus, Data: "test"})

	if received.Type != EventStatus {
		t.Errorf("type = %q, want %q", received.Type, EventStatus)
	}
	if received.Data != "test" {
		t.Errorf("data = %v, want %q", received.Data, "test")
	}
}

func TestEventBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	called := false

	eb.On(EventStatus, func(e Event) {
		called = true
	})

	eb.Emit(Event{Type: EventConnection, Data: "test"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventStatus})
	eb.Emit(Event{Type: EventConnection})
	eb.Emit(Event{Type: EventGroupStatus})

	if count.Load() != 3 {
		t.Errorf("onAll called %d times, want 3", count.Load())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.On(EventStatus, func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventStatus})
	if count.Load() != 1 {
		t.Fatalf("expected 1 call before unsub, got %d", count.Load())
	}

	unsub()
	eb.Emit(Event{Type: EventStatus})
	if count.Load() != 1 {
		t.Errorf("expected 1 call after unsub, got %d", count.Load())
	}
}

func TestEventBusOnAllUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	unsub := eb.OnAll(func(e Event) {
		count.Add(1)
	})

	eb.Emit(Event{Type: EventStatus})
	unsub()
	eb.Emit(Event{Type: EventStatus})

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var called atomic.Int32

	// Register two handlers: one panics, one increments counter.
	// Both should be attempted despite the panic.
	eb.On(EventStatus, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	eb.On(EventStatus, func(e Event) {
		called.Add(1)
	})

	// Should not panic
	eb.Emit(Event{Type: EventStatus})

	// Both handlers should have been called despite one panicking.
	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestEventBusConcurrentEmit(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.OnAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Emit(Event{Type: EventGroupStatus})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestEventBusMultipleHandlersSameType(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var count atomic.Int32

	eb.On(EventStatus, func(e Event) { count.Add(1) })
	eb.On(EventStatus, func(e Event) { count.Add(1) })
	eb.On(EventStatus, func(e Event) { count.Add(1) })

	eb.Emit(Event{Type: EventStatus})

	if count.Load() != 3 {
		t.Errorf("got %d, want 3", count.Load())
	}
}

func TestEventBusStampsTime(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	var got Event
	eb.On(EventStatus, func(e Event) { got = e })

	before := time.Now()
	eb.Emit(Event{Type: EventStatus})
	if got.Time.Before(before) {
		t.Errorf("time = %v, want >= %v", got.Time, before)
	}

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	eb.Emit(Event{Type: EventStatus, Time: fixed})
	if !got.Time.Equal(fixed) {
		t.Errorf("time = %v, want %v", got.Time, fixed)
	}
}

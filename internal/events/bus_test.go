package events

import (
	"testing"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(8)

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	ev := domain.CircuitTransitionEvent{
		Key:  "airtable:default:default:tenant-1:default",
		From: domain.CircuitClosed,
		To:   domain.CircuitOpen,
		At:   time.Now(),
	}
	bus.Publish(ev)

	for i, ch := range []<-chan domain.Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Kind() != domain.EventCircuitTransition {
				t.Errorf("Subscriber %d: expected circuit_transition, got %s", i+1, got.Kind())
			}
		default:
			t.Errorf("Subscriber %d received nothing", i+1)
		}
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus(8)
	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("Expected closed channel after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	bus.Publish(domain.RetryAttemptEvent{At: time.Now()})

	// Double cancel is a no-op.
	cancel()
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(domain.RetryAttemptEvent{Attempt: 1, At: time.Now()})
	bus.Publish(domain.RetryAttemptEvent{Attempt: 2, At: time.Now()})

	got := 0
	for len(ch) > 0 {
		<-ch
		got++
	}
	if got != 1 {
		t.Errorf("Expected 1 delivered event with buffer 1, got %d", got)
	}
}

func TestBusEventKinds(t *testing.T) {
	now := time.Now()
	cases := []struct {
		ev   domain.Event
		kind domain.EventKind
	}{
		{domain.CircuitTransitionEvent{At: now}, domain.EventCircuitTransition},
		{domain.HealthChangedEvent{At: now}, domain.EventHealthChanged},
		{domain.DLQEnqueuedEvent{At: now}, domain.EventDLQEnqueued},
		{domain.AnomalyDetectedEvent{At: now}, domain.EventAnomalyDetected},
		{domain.RetryAttemptEvent{At: now}, domain.EventRetryAttempt},
		{domain.SpanCompletedEvent{At: now}, domain.EventSpanCompleted},
	}
	for _, tc := range cases {
		if tc.ev.Kind() != tc.kind {
			t.Errorf("Expected kind %s, got %s", tc.kind, tc.ev.Kind())
		}
		if !tc.ev.OccurredAt().Equal(now) {
			t.Errorf("%s: wrong OccurredAt", tc.kind)
		}
	}
}

package retry

import (
	"testing"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
)

// midJitter zeroes the spread so the schedule is exact.
func midJitter() float64 { return 0.5 }

func TestBackoffExponentialSchedule(t *testing.T) {
	cfg := Config{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range expected {
		got := Backoff(i+1, cfg, nil, midJitter)
		if got != want {
			t.Errorf("Attempt %d: expected %s, got %s", i+1, want, got)
		}
	}
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := Config{
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
	got := Backoff(10, cfg, nil, midJitter)
	if got != 5*time.Second {
		t.Errorf("Expected cap at 5s, got %s", got)
	}
}

func TestBackoffRetryAfterWins(t *testing.T) {
	cfg := Config{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
	nerr := &domain.NormalizedError{RetryAfterMs: 1500}
	got := Backoff(1, cfg, nerr, midJitter)
	if got != 1500*time.Millisecond {
		t.Errorf("Expected server-dictated 1.5s, got %s", got)
	}

	// RetryAfterMs is taken verbatim even above the cap.
	nerr.RetryAfterMs = 60000
	got = Backoff(1, cfg, nerr, midJitter)
	if got != time.Minute {
		t.Errorf("Expected verbatim 1m, got %s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := Config{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}

	low := Backoff(1, cfg, nil, func() float64 { return 0 })
	high := Backoff(1, cfg, nil, func() float64 { return 1 })
	if low != 800*time.Millisecond {
		t.Errorf("Expected 800ms at lower jitter bound, got %s", low)
	}
	if high != 1200*time.Millisecond {
		t.Errorf("Expected 1200ms at upper jitter bound, got %s", high)
	}

	// Random jitter must stay inside the band.
	for i := 0; i < 100; i++ {
		d := Backoff(1, cfg, nil, nil)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("Jittered delay %s outside [800ms, 1200ms]", d)
		}
	}
}

func TestBackoffNoJitterConfigured(t *testing.T) {
	cfg := Config{
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 3.0,
	}
	if got := Backoff(2, cfg, nil, nil); got != 300*time.Millisecond {
		t.Errorf("Expected 300ms, got %s", got)
	}
}

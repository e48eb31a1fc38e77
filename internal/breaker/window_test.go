package breaker

import (
	"testing"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
)

func TestWindowMetrics(t *testing.T) {
	w := newWindow(time.Minute)

	for i := 0; i < 8; i++ {
		w.add(true, 100*time.Millisecond)
	}
	w.add(false, 200*time.Millisecond)
	w.add(false, 200*time.Millisecond)

	m := w.metrics()
	if m.SampleCount != 10 {
		t.Fatalf("Expected 10 samples, got %d", m.SampleCount)
	}
	if m.SuccessRate != 0.8 {
		t.Errorf("Expected success rate 0.8, got %f", m.SuccessRate)
	}
	if m.ErrorRate < 0.19 || m.ErrorRate > 0.21 {
		t.Errorf("Expected error rate 0.2, got %f", m.ErrorRate)
	}
	if m.AvgLatencyMs != 120 {
		t.Errorf("Expected avg latency 120ms, got %f", m.AvgLatencyMs)
	}
	if m.P95LatencyMs != 200 {
		t.Errorf("Expected p95 200ms, got %f", m.P95LatencyMs)
	}
}

func TestWindowTrimsOldSamples(t *testing.T) {
	w := newWindow(20 * time.Millisecond)
	w.add(false, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	w.add(true, time.Millisecond)

	m := w.metrics()
	if m.SampleCount != 1 {
		t.Fatalf("Expected old sample trimmed, got %d samples", m.SampleCount)
	}
	if m.ErrorRate != 0 {
		t.Errorf("Expected error rate 0 after trim, got %f", m.ErrorRate)
	}
}

func TestWindowEmpty(t *testing.T) {
	w := newWindow(time.Minute)
	m := w.metrics()
	if m.SampleCount != 0 {
		t.Errorf("Expected empty metrics, got %d samples", m.SampleCount)
	}
}

func TestScoreOf(t *testing.T) {
	cases := []struct {
		m    domain.HealthMetrics
		want float64
	}{
		{domain.HealthMetrics{ErrorRate: 0, AvgLatencyMs: 0}, 100},
		{domain.HealthMetrics{ErrorRate: 0.5, AvgLatencyMs: 0}, 75},
		{domain.HealthMetrics{ErrorRate: 1, AvgLatencyMs: 0}, 50},
		{domain.HealthMetrics{ErrorRate: 0, AvgLatencyMs: 1000}, 90},
		// Latency penalty caps at 20 points.
		{domain.HealthMetrics{ErrorRate: 0, AvgLatencyMs: 100000}, 80},
		{domain.HealthMetrics{ErrorRate: 1, AvgLatencyMs: 100000}, 30},
	}
	for _, tc := range cases {
		if got := scoreOf(tc.m); got != tc.want {
			t.Errorf("scoreOf(%+v): expected %f, got %f", tc.m, tc.want, got)
		}
	}
}

func TestBandOf(t *testing.T) {
	cases := []struct {
		score  float64
		status domain.HealthStatus
		action domain.RecommendedAction
	}{
		{10, domain.HealthUnhealthy, domain.ActionBlock},
		{29.9, domain.HealthUnhealthy, domain.ActionBlock},
		{30, domain.HealthDegraded, domain.ActionThrottle},
		{59.9, domain.HealthDegraded, domain.ActionThrottle},
		{60, domain.HealthDegraded, domain.ActionNone},
		{79.9, domain.HealthDegraded, domain.ActionNone},
		{80, domain.HealthHealthy, domain.ActionNone},
		{100, domain.HealthHealthy, domain.ActionNone},
	}
	for _, tc := range cases {
		status, action := bandOf(tc.score)
		if status != tc.status || action != tc.action {
			t.Errorf("bandOf(%.1f): expected %s/%s, got %s/%s", tc.score, tc.status, tc.action, status, action)
		}
	}
}

func TestHealthUnknownWithoutSamples(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	h := b.Health(domain.CircuitKey{Provider: "fresh", TenantID: "tenant-1"})
	if h.Status != domain.HealthUnknown {
		t.Errorf("Expected unknown status with no samples, got %s", h.Status)
	}
	if h.Score != 100 {
		t.Errorf("Expected neutral score 100, got %f", h.Score)
	}
	if h.RecommendedAction != domain.ActionNone {
		t.Errorf("Expected no action, got %s", h.RecommendedAction)
	}
}

func TestHealthFromObservedSamples(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	key := domain.CircuitKey{Provider: "airtable", TenantID: "tenant-h"}

	// All failing: score 100 - 50 - 0.01 latency penalty, degraded band.
	for i := 0; i < 10; i++ {
		b.observe(key, false, time.Millisecond)
	}
	h := b.Health(key)
	if h.Status != domain.HealthDegraded {
		t.Errorf("Expected degraded, got %s (score %f)", h.Status, h.Score)
	}
	if h.RecommendedAction != domain.ActionThrottle {
		t.Errorf("Expected throttle, got %s", h.RecommendedAction)
	}
	if h.Metrics.SampleCount != 10 {
		t.Errorf("Expected 10 samples, got %d", h.Metrics.SampleCount)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := percentile(sorted, 0.95); got != 100 {
		t.Errorf("Expected p95 100, got %f", got)
	}
	if got := percentile(sorted, 0.5); got != 60 {
		t.Errorf("Expected p50 60, got %f", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("Expected 0 for empty input, got %f", got)
	}
}

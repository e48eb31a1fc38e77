package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
)

type sample struct {
	success   bool
	latencyMs float64
	at        time.Time
}

// window holds recent outcome samples trimmed to a fixed time span.
type window struct {
	mu      sync.Mutex
	samples []sample
	span    time.Duration
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) add(success bool, latency time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.samples = append(w.samples, sample{success: success, latencyMs: float64(latency.Milliseconds()), at: now})
	w.trim(now)
}

func (w *window) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// metrics recomputes the derived health metrics from the current window.
func (w *window) metrics() domain.HealthMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(time.Now())

	n := len(w.samples)
	if n == 0 {
		return domain.HealthMetrics{}
	}

	var successes int
	var totalLatency float64
	latencies := make([]float64, 0, n)
	for _, s := range w.samples {
		if s.success {
			successes++
		}
		totalLatency += s.latencyMs
		latencies = append(latencies, s.latencyMs)
	}
	sort.Float64s(latencies)

	m := domain.HealthMetrics{
		SuccessRate:  float64(successes) / float64(n),
		AvgLatencyMs: totalLatency / float64(n),
		P95LatencyMs: percentile(latencies, 0.95),
		P99LatencyMs: percentile(latencies, 0.99),
		SampleCount:  n,
	}
	m.ErrorRate = 1 - m.SuccessRate
	return m
}

// errorRates returns error rates of the older and recent halves of the window
// plus the sample count, for trend estimation.
func (w *window) errorRates() (older, recent float64, count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trim(time.Now())

	n := len(w.samples)
	if n < 2 {
		return 0, 0, n
	}

	mid := n / 2
	older = errorRate(w.samples[:mid])
	recent = errorRate(w.samples[mid:])
	return older, recent, n
}

func errorRate(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var failures int
	for _, s := range samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures) / float64(len(samples))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// scoreOf derives the 0-100 health score from window metrics.
func scoreOf(m domain.HealthMetrics) float64 {
	score := 100 - m.ErrorRate*50 - min(m.AvgLatencyMs/100, 20)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// bandOf maps a score to its status and recommended action.
func bandOf(score float64) (domain.HealthStatus, domain.RecommendedAction) {
	switch {
	case score < 30:
		return domain.HealthUnhealthy, domain.ActionBlock
	case score < 60:
		return domain.HealthDegraded, domain.ActionThrottle
	case score < 80:
		return domain.HealthDegraded, domain.ActionNone
	default:
		return domain.HealthHealthy, domain.ActionNone
	}
}

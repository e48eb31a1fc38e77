package breaker

import (
	"context"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
)

// minForecastSamples is the minimum window population before a forecast is
// attempted; below it the forecast always reports no degradation.
const minForecastSamples = 10

// degradationTrend is the older-vs-recent error-rate delta above which the
// window is considered to be degrading.
const degradationTrend = 0.1

// Forecast estimates whether the circuit is heading toward an open before it
// actually trips, from the error-rate trend of the sliding window.
func (b *Breaker) Forecast(ctx context.Context, key domain.CircuitKey) (domain.DegradationForecast, error) {
	older, recent, count := b.window(key).errorRates()
	f := domain.DegradationForecast{SampleCount: count}
	if count < minForecastSamples {
		return f, nil
	}

	f.Trend = recent - older
	if f.Trend <= degradationTrend {
		return f, nil
	}

	f.WillDegrade = true
	f.Confidence = min(f.Trend*5, 1)

	st, err := b.State(ctx, key)
	if err != nil {
		return f, err
	}
	cfg := b.config(key.String())
	remaining := cfg.FailureThreshold - st.Failures
	if remaining < 1 {
		remaining = 1
	}
	perSample := float64(cfg.SlidingWindow.Milliseconds()) / float64(count)
	f.TimeToFailureMs = int64(float64(remaining) * perSample)
	return f, nil
}

// observe feeds synthetic window samples for tests.
func (b *Breaker) observe(key domain.CircuitKey, success bool, latency time.Duration) {
	b.window(key).add(success, latency)
}

package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/vietddude/bastion/internal/core/domain"
)

// Backoff computes the sleep before the next attempt as a pure function of
// the attempt number, the config and the classified error, so the schedule is
// testable apart from the loop. attempt is 1-based.
//
// A server-dictated RetryAfterMs wins over the exponential schedule.
func Backoff(attempt int, cfg Config, nerr *domain.NormalizedError, jitter func() float64) time.Duration {
	if nerr != nil && nerr.RetryAfterMs > 0 {
		return time.Duration(nerr.RetryAfterMs) * time.Millisecond
	}

	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.JitterFactor > 0 {
		if jitter == nil {
			jitter = rand.Float64
		}
		// spread is in [-JitterFactor, +JitterFactor]
		spread := (jitter()*2 - 1) * cfg.JitterFactor
		delay *= 1 + spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

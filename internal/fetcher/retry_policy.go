package fetcher

import (
	"math"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(kind harvest.FailureKind, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

// ExponentialRetryPolicy retries transient failures with clamped exponential
// backoff: base * 2^(attempt-1), bounded to [minDelay, maxDelay].
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	minDelay    time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy builds a policy; non-positive values fall back
// to 3 attempts, 1s base, 2s min and 10s max.
func NewExponentialRetryPolicy(maxAttempts int, base, minDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = time.Second
	}
	if minDelay < 0 {
		minDelay = 2 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if minDelay > maxDelay {
		minDelay = maxDelay
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   base,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
func (p *ExponentialRetryPolicy) ShouldRetry(kind harvest.FailureKind, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return kind == harvest.KindTransient
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if delay < float64(p.minDelay) {
		delay = float64(p.minDelay)
	}
	return time.Duration(delay)
}

// MaxAttempts returns the attempt ceiling.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

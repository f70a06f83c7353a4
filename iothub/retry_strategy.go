package iothub

import (
	"math"
	"time"
)

// RetryStrategy decides how long to wait before the next send attempt.
// attempt counts failed attempts so far, starting at 1.
type RetryStrategy interface {
	NextDelay(attempt int) time.Duration
}

// FixedRetryStrategy waits the same delay after every failure.
type FixedRetryStrategy struct {
	Delay time.Duration
}

// NewFixedRetryStrategy returns a FixedRetryStrategy. Negative delays are
// treated as zero.
func NewFixedRetryStrategy(delay time.Duration) *FixedRetryStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedRetryStrategy{Delay: delay}
}

// NextDelay implements RetryStrategy.
func (strategy *FixedRetryStrategy) NextDelay(attempt int) time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Delay
}

// ExponentialRetryStrategy multiplies BaseDelay by Factor per failure up
// to MaxDelay.
type ExponentialRetryStrategy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
}

// NewExponentialRetryStrategy returns an ExponentialRetryStrategy. A
// non-positive maxDelay becomes 30s and a factor below 1 becomes 2.
func NewExponentialRetryStrategy(baseDelay time.Duration, maxDelay time.Duration, factor float64) *ExponentialRetryStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialRetryStrategy{BaseDelay: baseDelay, MaxDelay: maxDelay, Factor: factor}
}

// NextDelay implements RetryStrategy.
func (strategy *ExponentialRetryStrategy) NextDelay(attempt int) time.Duration {
	if strategy == nil || strategy.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(strategy.BaseDelay) * math.Pow(strategy.Factor, float64(attempt-1))
	if delay > float64(strategy.MaxDelay) {
		return strategy.MaxDelay
	}
	return time.Duration(delay)
}

package scheduler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/order-history-scraper/internal/fetcher"
)

// RetryPolicy decides whether a failed fetch is retried and how long to wait.
type RetryPolicy interface {
	// ShouldRetry reports whether err warrants another attempt after
	// retries previous retries.
	ShouldRetry(err error, retries int) bool
	// Backoff returns the delay before retry number retry (1-based).
	Backoff(retry int) time.Duration
}

// ExponentialRetryPolicy retries transient failures with jittered
// exponential backoff.
type ExponentialRetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy. Non-positive delays fall back to
// 500ms and 10s.
func NewExponentialRetryPolicy(maxRetries int, base, maxDelay time.Duration) *ExponentialRetryPolicy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &ExponentialRetryPolicy{MaxRetries: maxRetries, BaseDelay: base, MaxDelay: maxDelay}
}

// ShouldRetry retries transient errors until MaxRetries is reached.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, retries int) bool {
	if err == nil || retries >= p.MaxRetries {
		return false
	}
	return fetcher.IsTransient(err)
}

// Backoff returns a delay in [d/2, d) where d doubles per retry up to MaxDelay.
func (p *ExponentialRetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retry-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// NoRetry never retries.
type NoRetry struct{}

// ShouldRetry always returns false.
func (NoRetry) ShouldRetry(error, int) bool { return false }

// Backoff always returns zero.
func (NoRetry) Backoff(int) time.Duration { return 0 }

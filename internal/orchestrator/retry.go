package orchestrator

import (
	"math"
	"math/rand"
	"time"

	domain "github.com/buildtrace/core/internal/domain"
)

// RetryPolicy bounds per-PageTask attempts with exponential backoff plus
// jitter. llm_rate_limited backoffs do not consume
// the attempt budget (ErrorKind.CountsAgainstAttemptCap).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.20,
	}
}

// NextRunAt computes when a failed PageTask should become eligible again,
// given its attempt count so far. attemptsSoFar is the count before this
// failure is recorded.
func (p RetryPolicy) NextRunAt(now time.Time, attemptsSoFar int) time.Time {
	delay := p.backoff(attemptsSoFar)
	return now.Add(delay)
}

func (p RetryPolicy) backoff(attemptsSoFar int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	exp := float64(base) * math.Pow(2, float64(attemptsSoFar))
	if exp > float64(max) {
		exp = float64(max)
	}
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	delta := exp * jitter * (rand.Float64()*2 - 1)
	d := time.Duration(exp + delta)
	if d < 0 {
		d = 0
	}
	return d
}

// ShouldRetry decides whether a failed PageTask still has budget left,
// honoring ErrorKind.CountsAgainstAttemptCap and ErrorKind.Retryable.
func (p RetryPolicy) ShouldRetry(kind domain.ErrorKind, attemptsAfterThisFailure int) bool {
	if !kind.Retryable() {
		return false
	}
	if !kind.CountsAgainstAttemptCap() {
		return true
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return attemptsAfterThisFailure < maxAttempts
}

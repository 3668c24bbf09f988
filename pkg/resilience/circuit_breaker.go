package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError is a remote service refusing a request for rate reasons.
type RateLimitError struct {
	Service    string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Service + ": " + e.Message
	}
	return e.Service + ": rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker refuses calls for a cooldown after repeated rate limit
// failures. Other errors do not count.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	cooldown := c.cooldown
	var rl RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > cooldown {
		cooldown = rl.RetryAfter
	}
	if c.failures >= c.threshold {
		c.openUntil = c.now().Add(cooldown)
	}
}

// Do runs fn unless the breaker is open.
func (c *CircuitBreaker) Do(fn func() error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		c.OnError(err)
		return err
	}
	c.OnSuccess()
	return nil
}

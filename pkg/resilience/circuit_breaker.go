package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Guard while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// RateLimitError is a provider throttling response (HTTP 429).
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": rate limited"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards the message provider for every call in the process.
// Consecutive rate limits and transient failures open it for cooldown;
// permanent errors are the caller's fault and do not count. After cooldown a
// single trial is let through: success closes the breaker, failure reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
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

// Allow reports whether a request may go out. Once the cooldown has passed
// the first caller gets the half-open trial and later callers are refused
// until it reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case BreakerOpen:
		if c.now().Before(c.openUntil) {
			return false
		}
		c.state = BreakerHalfOpen
		return true
	case BreakerHalfOpen:
		return false
	}
	return true
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.state = BreakerClosed
	c.failures = 0
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	var perm PermanentError
	if errors.As(err, &perm) {
		c.mu.Lock()
		if c.state == BreakerHalfOpen {
			c.state = BreakerClosed
		}
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		c.state = BreakerOpen
		c.openUntil = c.now().Add(c.cooldown)
	}
}

// Guard runs fn when the breaker allows it and records the outcome.
// A nil breaker always runs fn.
func (c *CircuitBreaker) Guard(fn func() error) error {
	if c == nil {
		return fn()
	}
	if !c.Allow() {
		return Permanent(ErrCircuitOpen)
	}
	err := fn()
	if err != nil {
		c.OnError(err)
		return err
	}
	c.OnSuccess()
	return nil
}

// Package retry computes how long a failed task waits before its next
// attempt and whether it gets another attempt at all.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Default policy values.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 5 * time.Second
	DefaultMultiplier     = 3.0
)

// ErrInvalidPolicy is returned by Validate for an unusable policy.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy is an exponential backoff policy with a fixed retry ceiling.
// It is stateless and safe for concurrent use.
type Policy struct {
	// MaxRetries is the number of failed attempts after which a task is
	// filed to the dead-letter queue.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=1"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`

	// Multiplier scales the delay for each further retry.
	Multiplier float64 `mapstructure:"multiplier" validate:"gte=1"`

	// MaxBackoff caps the delay. Zero means uncapped.
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
}

// DefaultPolicy allows 3 failed attempts, backing off 5s then 15s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

// Validate reports whether the policy can be used.
func (p Policy) Validate() error {
	if p.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be >= 1, got %d", ErrInvalidPolicy, p.MaxRetries)
	}
	if p.InitialBackoff < 0 {
		return fmt.Errorf("%w: initial backoff must be >= 0, got %s", ErrInvalidPolicy, p.InitialBackoff)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be >= 1, got %v", ErrInvalidPolicy, p.Multiplier)
	}
	if p.MaxBackoff < 0 {
		return fmt.Errorf("%w: max backoff must be >= 0, got %s", ErrInvalidPolicy, p.MaxBackoff)
	}
	return nil
}

// BackoffDelay returns the wait before retry attempt n (1-indexed):
// InitialBackoff * Multiplier^(n-1). It returns 0 for n <= 0.
func (p Policy) BackoffDelay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	// float64(math.MaxInt64) rounds up to 2^63, which no Duration holds.
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a task that has failed n times gets another attempt.
func (p Policy) ShouldRetry(n int) bool {
	return n < p.MaxRetries
}

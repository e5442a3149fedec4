package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicyBackoffDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 0},
		{attempt: 0, want: 0},
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 15 * time.Second},
		{attempt: 3, want: 45 * time.Second},
		{attempt: 4, want: 135 * time.Second},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, p.BackoffDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	p := DefaultPolicy()
	p.MaxBackoff = 20 * time.Second

	assert.Equal(t, 5*time.Second, p.BackoffDelay(1))
	assert.Equal(t, 15*time.Second, p.BackoffDelay(2))
	assert.Equal(t, 20*time.Second, p.BackoffDelay(3))
	assert.Equal(t, 20*time.Second, p.BackoffDelay(50))
}

func TestBackoffDelayDoesNotOverflow(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
	}{
		{name: "far past the range", policy: DefaultPolicy(), attempt: 200},
		{name: "exactly two to the 63rd", policy: Policy{MaxRetries: 3, InitialBackoff: 1 << 62, Multiplier: 2}, attempt: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, time.Duration(math.MaxInt64), tc.policy.BackoffDelay(tc.attempt))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	p := DefaultPolicy()
	for n := 0; n <= 5; n++ {
		assert.Equal(t, n < 3, p.ShouldRetry(n), "n=%d", n)
	}

	single := Policy{MaxRetries: 1, InitialBackoff: time.Second, Multiplier: 2}
	assert.True(t, single.ShouldRetry(0))
	assert.False(t, single.ShouldRetry(1))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "default", policy: DefaultPolicy()},
		{name: "negative retries", policy: Policy{MaxRetries: -1, Multiplier: 1}, wantErr: true},
		{name: "zero retries", policy: Policy{MaxRetries: 0, Multiplier: 1}, wantErr: true},
		{name: "negative backoff", policy: Policy{MaxRetries: 1, InitialBackoff: -time.Second, Multiplier: 1}, wantErr: true},
		{name: "multiplier below one", policy: Policy{MaxRetries: 1, Multiplier: 0.5}, wantErr: true},
		{name: "negative cap", policy: Policy{MaxRetries: 1, Multiplier: 2, MaxBackoff: -1}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

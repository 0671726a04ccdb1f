package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential delays with jitter
type Backoff struct {
	policy Policy
	mu     sync.Mutex
	rnd    *rand.Rand
}

// NewBackoff creates a backoff calculator for the policy
func NewBackoff(policy Policy) *Backoff {
	return &Backoff{
		policy: policy,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Calculate returns the delay before the given attempt (1-based)
func (b *Backoff) Calculate(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.policy.InitialDelay) * math.Pow(b.policy.Multiplier, float64(attempt-1))
	if delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}

	if b.policy.JitterFactor > 0 {
		b.mu.Lock()
		jitter := (b.rnd.Float64()*2 - 1) * b.policy.JitterFactor * delay
		b.mu.Unlock()
		delay += jitter
	}

	if delay < float64(b.policy.InitialDelay)/2 {
		delay = float64(b.policy.InitialDelay) / 2
	}
	if delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}
	return time.Duration(delay)
}

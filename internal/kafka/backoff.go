package kafka

import (
	"math"
	"math/rand"
	"time"
)

type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	return p
}

// calculateBackoff returns the wait before retry number attempt (0-based),
// capped at MaxBackoff even after jitter.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	raw := float64(policy.InitialBackoff) * math.Pow(policy.BackoffFactor, float64(attempt))

	backoff := policy.MaxBackoff
	if raw < float64(policy.MaxBackoff) {
		backoff = time.Duration(raw)
	}

	if policy.Jitter && backoff > 0 {
		maxJitter := backoff / 4
		if maxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(maxJitter)))
			if backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}
	}

	return backoff
}

// Backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return calculateBackoff(p.withDefaults(), attempt)
}

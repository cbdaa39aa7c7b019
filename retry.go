package shipit

import "time"

// RetryBuilder assembles a RetryPolicy step by step:
//
//	shipit.Retry(5).Backoff(200*time.Millisecond, 5*time.Second).If(isTransient).Option()
//
// Builders are values; every method returns a modified copy.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts attempts in total, with no
// delay between them. Values below 1 mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(maxAttempts, 1)}}
}

// Backoff waits initial before the first retry and doubles the wait after
// each one, never exceeding ceiling. A zero ceiling leaves growth unbounded.
func (r RetryBuilder) Backoff(initial, ceiling time.Duration) RetryBuilder {
	r.policy.InitialBackoff = initial
	r.policy.MaxBackoff = ceiling
	if r.policy.BackoffMultiplier <= 1 {
		r.policy.BackoffMultiplier = 2
	}
	return r
}

// Multiplier changes the growth factor set by Backoff. Factors of 1 or
// less are ignored.
func (r RetryBuilder) Multiplier(f float64) RetryBuilder {
	if f > 1 {
		r.policy.BackoffMultiplier = f
	}
	return r
}

// Constant waits delay before every retry.
func (r RetryBuilder) Constant(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.MaxBackoff = delay
	r.policy.BackoffMultiplier = 1
	return r
}

// NoDelay retries immediately.
func (r RetryBuilder) NoDelay() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.MaxBackoff = 0
	r.policy.BackoffMultiplier = 0
	return r
}

// If retries only errors for which retryable returns true.
func (r RetryBuilder) If(retryable func(error) bool) RetryBuilder {
	r.policy.Retryable = retryable
	return r
}

// Delays lists the waits before each retry, in order.
func (r RetryBuilder) Delays() []time.Duration {
	p := r.policy
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	next := p.InitialBackoff
	for range p.MaxAttempts - 1 {
		d := next
		if p.MaxBackoff > 0 {
			d = min(d, p.MaxBackoff)
		}
		delays = append(delays, d)
		if p.BackoffMultiplier > 0 {
			next = time.Duration(float64(next) * p.BackoffMultiplier)
		} else {
			next *= 2
		}
	}
	return delays
}

func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// Option returns the policy as a step option for Step.
func (r RetryBuilder) Option() StepOption {
	return WithRetry(r.policy)
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/shipit/pkg/api"
)

// ExecuteStep runs call on the worker pool of queue. Without a retry policy
// the step is attempted exactly once.
func (i *instance) ExecuteStep(
	ctx context.Context,
	queue, operation string,
	call func(ctx context.Context, capability any) (any, error),
	opts api.StepOptions,
) (any, error) {
	e := i.engine
	q, ok := e.taskQueue(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownTaskQueue, queue)
	}

	maxAttempts := 1
	var (
		backoff    time.Duration // current backoff value
		maxBackoff time.Duration
		multiplier float64
		retryable  func(error) bool
	)

	if opts.Retry != nil {
		if opts.Retry.MaxAttempts > 0 {
			maxAttempts = opts.Retry.MaxAttempts
		}
		backoff = opts.Retry.InitialBackoff
		maxBackoff = opts.Retry.MaxBackoff
		retryable = opts.Retry.Retryable

		// Backoff multiplier:
		//   - If explicitly set to > 0, use it.
		//   - Otherwise default to 2.0 (standard exponential backoff).
		multiplier = opts.Retry.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
	}

	step := queue + "/" + operation
	var (
		lastErr  error
		attempts int
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		attempts = attempt

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}

		startTime := time.Now()
		e.observer.OnStepStart(ctx, i.snapshot(), queue, operation, attempt)
		e.record(ctx, i, api.EventStepStarted, "", step, fmt.Sprintf("attempt=%d", attempt))

		capability := q.capability
		value, err := q.pool.Submit(attemptCtx, operation, func() (any, error) {
			return call(attemptCtx, capability)
		})
		cancel()

		duration := time.Since(startTime)
		e.observer.OnStepCompleted(ctx, i.snapshot(), queue, operation, attempt, err, duration)
		i.notify()

		if err == nil {
			e.record(ctx, i, api.EventStepCompleted, "", step, fmt.Sprintf("attempt=%d", attempt))
			return value, nil
		}
		e.record(ctx, i, api.EventStepFailed, "", step, fmt.Sprintf("attempt=%d: %v", attempt, err))

		lastErr = err
		if attempt == maxAttempts || (retryable != nil && !retryable(err)) {
			break
		}

		// Wait before next attempt, if backoff is configured.
		if backoff > 0 {
			delay := backoff
			if maxBackoff > 0 && delay > maxBackoff {
				delay = maxBackoff
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}

			// Increase backoff for the next retry.
			next := time.Duration(float64(backoff) * multiplier)
			if maxBackoff > 0 && next > maxBackoff {
				backoff = maxBackoff
			} else {
				backoff = next
			}
		}
	}

	return nil, &api.StepError{Queue: queue, Operation: operation, Attempts: attempts, Err: lastErr}
}

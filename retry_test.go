package shipit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetry_MaxAttemptsFloor(t *testing.T) {
	require.Equal(t, 1, Retry(0).Policy().MaxAttempts)
	require.Equal(t, 1, Retry(-5).Policy().MaxAttempts)
	require.Equal(t, 4, Retry(4).Policy().MaxAttempts)
	require.Empty(t, Retry(1).Delays())
}

func TestRetry_Delays(t *testing.T) {
	ms := time.Millisecond

	tests := []struct {
		name string
		b    RetryBuilder
		want []time.Duration
	}{
		{"no delay", Retry(3), []time.Duration{0, 0}},
		{"doubling", Retry(4).Backoff(100*ms, 0), []time.Duration{100 * ms, 200 * ms, 400 * ms}},
		{"capped", Retry(5).Backoff(100*ms, 250*ms), []time.Duration{100 * ms, 200 * ms, 250 * ms, 250 * ms}},
		{"tripling", Retry(3).Backoff(10*ms, time.Second).Multiplier(3), []time.Duration{10 * ms, 30 * ms}},
		{"ignored multiplier", Retry(3).Backoff(10*ms, 0).Multiplier(0.5), []time.Duration{10 * ms, 20 * ms}},
		{"constant", Retry(4).Constant(50 * ms), []time.Duration{50 * ms, 50 * ms, 50 * ms}},
		{"no delay wins", Retry(3).Backoff(time.Second, 0).NoDelay(), []time.Duration{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.b.Delays())
		})
	}
}

func TestRetry_BuilderIsValue(t *testing.T) {
	base := Retry(3)
	_ = base.Backoff(time.Second, 0)
	require.Zero(t, base.Policy().InitialBackoff)
}

func TestRetry_IfAndOption(t *testing.T) {
	p := Retry(3).
		If(func(err error) bool { return errors.Is(err, context.DeadlineExceeded) }).
		Policy()
	require.NotNil(t, p.Retryable)
	require.True(t, p.Retryable(context.DeadlineExceeded))
	require.False(t, p.Retryable(errors.New("other")))

	var opts StepOptions
	Retry(2).Constant(time.Second).Option()(&opts)
	require.NotNil(t, opts.Retry)
	require.Equal(t, 2, opts.Retry.MaxAttempts)
	require.Equal(t, time.Second, opts.Retry.InitialBackoff)
}

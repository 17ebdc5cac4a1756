package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, time.Second)
	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(ErrFetchNetwork, 1))
	require.True(t, p.ShouldRetry(ErrFetchTimeout, 2))
	require.False(t, p.ShouldRetry(ErrFetchTimeout, 3), "attempt cap reached")
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(errors.Join(ErrFetchNetwork, context.Canceled), 0))
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 6; attempt++ {
		want := 100 * time.Millisecond << attempt
		if want > time.Second {
			want = time.Second
		}
		got := p.Backoff(attempt)
		require.GreaterOrEqual(t, got, want/2, "attempt %d", attempt)
		require.LessOrEqual(t, got, want, "attempt %d", attempt)
	}
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.LessOrEqual(t, p.Backoff(10), time.Minute)
}

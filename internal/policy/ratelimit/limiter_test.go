package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitsBetweenRequestsToSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 10, Burst: 1})
	ctx := context.Background()

	_, err := l.Wait(ctx, "https://thegioiskinfood.com/a")
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Wait(ctx, "https://thegioiskinfood.com/b")
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterIsolatesHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()

	_, err := l.Wait(ctx, "https://a.example.com/1")
	require.NoError(t, err)

	waited, err := l.Wait(ctx, "https://b.example.com/1")
	require.NoError(t, err)
	require.Less(t, waited, 50*time.Millisecond)
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		waited, err := l.Wait(context.Background(), "https://example.com")
		require.NoError(t, err)
		require.Zero(t, waited)
	}
}

func TestLimiterHonoursCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	_, err := l.Wait(context.Background(), "https://example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Wait(ctx, "https://example.com")
	require.Error(t, err)
}
